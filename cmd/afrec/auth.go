package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/afrec/internal/custody"
	"github.com/BadgerOps/afrec/internal/vault"
	"github.com/spf13/cobra"
)

var authCode string

// authLedgerFile records AUTH entries. Authorization happens before any
// case exists, so it gets its own ledger next to the vault.
const authLedgerFile = "chain_of_custody.jsonl"

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize afrec against a Dropbox account",
		Long: `Run the Dropbox OAuth flow without a redirect: open the printed URL,
allow access, and paste the code shown by Dropbox. The resulting tokens are
encrypted under a passphrase and written to the vault in the secrets
directory. An existing vault is replaced, sealed under a fresh salt.

Requires the app key and secret (dropbox.app_key / dropbox.app_secret, or
DROPBOX_APP_KEY / DROPBOX_APP_SECRET).`,
		Example: `  afrec auth
  afrec auth --code <authorization-code> --passphrase "$AFREC_PASSPHRASE"`,
		RunE: authRun,
	}

	cmd.Flags().StringVar(&authCode, "code", "", "authorization code (prompted for when not given)")

	return cmd
}

func authRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalCfg.Dropbox.AppKey == "" || globalCfg.Dropbox.AppSecret == "" {
		return fmt.Errorf("dropbox app key and secret are required (DROPBOX_APP_KEY, DROPBOX_APP_SECRET)")
	}

	v := vault.New(globalCfg.VaultPath())
	replacing := v.Exists()
	if replacing {
		logger.Warn("existing vault will be replaced", "vault", v.Path())
	}

	client, err := newRemoteClient()
	if err != nil {
		return err
	}

	code := authCode
	if code == "" {
		fmt.Println("1. Open this URL and allow access:")
		fmt.Println()
		fmt.Printf("   %s\n", client.AuthorizeURL())
		fmt.Println()
		fmt.Print("2. Paste the authorization code: ")
		code, err = readLine(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading authorization code: %w", err)
		}
	}

	tok, err := client.ExchangeCode(cmd.Context(), code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	account, err := client.CurrentAccount(cmd.Context())
	if err != nil {
		return fmt.Errorf("checking token: %w", err)
	}

	bundle := vault.Bundle{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.ExpiresAt.IsZero() {
		expires := tok.ExpiresAt
		bundle.ExpiresAt = &expires
	}

	pass := passphrase
	if pass == "" {
		pass, err = vault.ConfirmPassphrase(vault.PromptPassphrase)
		if err != nil {
			return err
		}
	}
	if err := v.Save(bundle, pass); err != nil {
		return err
	}

	ledger, err := custody.Open(filepath.Join(globalCfg.Paths.SecretsDir, authLedgerFile))
	if err != nil {
		return err
	}
	if err := ledger.Append(custody.NewEntry(account.DisplayName, custody.ActionAuth, map[string]any{
		"account_id":        account.AccountID,
		"email":             account.Email,
		"token_fingerprint": bundle.Fingerprint(),
		"vault":             v.Path(),
		"replaced":          replacing,
	})); err != nil {
		return err
	}

	logger.Info("credentials stored", "account_id", account.AccountID, "vault", v.Path())

	fmt.Println()
	fmt.Printf("Authorized as %s\n", account.DisplayName)
	fmt.Printf("  Vault: %s\n", v.Path())
	fmt.Printf("  Token fingerprint: %s\n", bundle.Fingerprint())

	return nil
}

// readLine reads one line, trimming the line ending. EOF after some input
// is not an error.
func readLine(r io.Reader) (string, error) {
	if r == nil {
		r = os.Stdin
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

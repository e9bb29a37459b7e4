package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BadgerOps/afrec/internal/config"
	"github.com/BadgerOps/afrec/internal/download"
	"github.com/BadgerOps/afrec/internal/engine"
	"github.com/BadgerOps/afrec/internal/logging"
	"github.com/BadgerOps/afrec/internal/remote"
	"github.com/BadgerOps/afrec/internal/retry"
	"github.com/BadgerOps/afrec/internal/session"
	"github.com/BadgerOps/afrec/internal/store"
	"github.com/BadgerOps/afrec/internal/vault"
	"github.com/spf13/cobra"
)

const toolName = "afrec"

var (
	// Global flags
	cfgPath    string
	casesDir   string
	logLevel   string
	logFormat  string
	passphrase string
	quiet      bool
	globalCfg  *config.Config
	logger     *slog.Logger

	// Global components
	globalStore       *store.Store
	globalEngine      *engine.Manager
	globalClient      *remote.Client
	globalSession     session.Session
	globalFingerprint string
)

// initializeComponents opens the catalog and builds the manager. Commands
// that talk to Dropbox also unlock the vault and check the token.
func initializeComponents(ctx context.Context, cmdName string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	dbPath := globalCfg.CatalogPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	var (
		lister  engine.Lister
		fetcher download.Fetcher
	)
	if needsRemote(cmdName) {
		if err := connectRemote(ctx); err != nil {
			return err
		}
		lister, fetcher = globalClient, globalClient
	}

	globalEngine = engine.NewManager(lister, fetcher, globalStore, engine.Options{
		CasesDir: globalCfg.Paths.CasesDir,
		Transfer: download.Options{
			Policy:  transferPolicy(),
			Workers: globalCfg.Transfer.Workers,
		},
		Tool: toolName,
	}, logger)

	logger.Debug("components initialized", "catalog", dbPath, "cases_dir", globalCfg.Paths.CasesDir)
	return nil
}

// connectRemote unlocks the vault, installs the tokens on a new client, and
// resolves the account the token belongs to. The account names the session
// actor.
func connectRemote(ctx context.Context) error {
	client, err := newRemoteClient()
	if err != nil {
		return err
	}

	pass, err := readPassphrase("Vault passphrase: ")
	if err != nil {
		return err
	}
	v := vault.New(globalCfg.VaultPath())
	bundle, err := v.Load(pass)
	if err != nil {
		return err
	}
	creds := remote.Credentials{AccessToken: bundle.AccessToken, RefreshToken: bundle.RefreshToken}
	if bundle.ExpiresAt != nil {
		creds.ExpiresAt = *bundle.ExpiresAt
	}
	client.SetCredentials(creds)

	account, err := client.CurrentAccount(ctx)
	if err != nil {
		return fmt.Errorf("checking token: %w", err)
	}
	saveRefreshedToken(v, pass, bundle, client.Credentials())

	globalClient = client
	globalFingerprint = bundle.Fingerprint()
	globalSession = session.New(account.DisplayName, toolName)
	globalSession.Account = account.AccountID
	logger.Info("session started",
		"session_id", globalSession.ID,
		"actor", globalSession.Actor,
		"account_id", account.AccountID,
		"token_fingerprint", globalFingerprint,
	)
	return nil
}

// saveRefreshedToken re-seals the vault when the client renewed the access
// token, so the next run starts from the fresh one. A failure is logged; the
// current session already holds a valid token.
func saveRefreshedToken(v *vault.Vault, pass string, old vault.Bundle, creds remote.Credentials) {
	if creds.AccessToken == "" || creds.AccessToken == old.AccessToken {
		return
	}
	updated := vault.Bundle{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken}
	if !creds.ExpiresAt.IsZero() {
		exp := creds.ExpiresAt.UTC()
		updated.ExpiresAt = &exp
	}
	if err := v.Save(updated, pass); err != nil {
		logger.Warn("failed to store refreshed token", "vault", v.Path(), "error", err)
		return
	}
	logger.Info("refreshed token stored", "vault", v.Path(), "expires_at", creds.ExpiresAt)
}

func newRemoteClient() (*remote.Client, error) {
	dbx := globalCfg.Dropbox
	client, err := remote.New(remote.Config{
		AppKey:       dbx.AppKey,
		AppSecret:    dbx.AppSecret,
		APIURL:       dbx.APIURL,
		ContentURL:   dbx.ContentURL,
		AuthorizeURL: dbx.AuthorizeURL,
		Timeout:      dbx.Timeout,
		Policy:       transferPolicy(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropbox client: %w", err)
	}
	return client, nil
}

func transferPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: globalCfg.Transfer.MaxAttempts,
		BaseDelay:   globalCfg.Transfer.BaseDelay,
		MaxDelay:    globalCfg.Transfer.MaxDelay,
	}
}

// readPassphrase returns --passphrase when given, else asks on the terminal.
func readPassphrase(prompt string) (string, error) {
	if passphrase != "" {
		return passphrase, nil
	}
	return vault.PromptPassphrase(prompt)
}

// needsRemote reports whether a command lists or downloads from Dropbox.
func needsRemote(cmdName string) bool {
	return cmdName == "preview" || cmdName == "acquire"
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"show":    true,
		"auth":    true,
		"custody": true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "afrec",
		Short: "Forensic acquisition of Dropbox evidence",
		Long: `afrec acquires files from a Dropbox account into a case directory and
proves afterwards that the acquired bytes equal what Dropbox held. Every
file is hashed with SHA-256, MD5, and the Dropbox content hash, and every
evidentiary action is appended to the case chain-of-custody ledger.

Authorize once with 'afrec auth'; the tokens are kept in an encrypted vault
unlocked by a passphrase.`,
		Example: `  afrec auth
  afrec preview --path /Cases/2024-017 --ext pdf,docx
  afrec acquire --path /Cases/2024-017 --from 2024-01-01 --to 2024-03-31
  afrec verify --case cases/2024-05-02_1b4e28ba
  afrec export --case cases/2024-05-02_1b4e28ba --to /mnt/transfer
  afrec custody --case cases/2024-05-02_1b4e28ba
  afrec status`,
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Bootstrap logging from flags until the config is read
			setupLogging(firstNonEmpty(logLevel, "info"), firstNonEmpty(logFormat, "text"))

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil && cmd.Name() != "config" {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			var err error
			globalCfg, err = config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Override with command-line flags if provided
			if casesDir != "" {
				globalCfg.Paths.CasesDir = casesDir
			}
			if logLevel != "" {
				globalCfg.Logging.Level = logLevel
			}
			if logFormat != "" {
				globalCfg.Logging.Format = logFormat
			}
			if quiet {
				globalCfg.Logging.Level = "error"
			}
			if err := globalCfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			setupLogging(globalCfg.Logging.Level, globalCfg.Logging.Format)

			logger.Debug("config loaded", "path", cfgPath, "cases_dir", globalCfg.Paths.CasesDir)

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(cmd.Context(), cmd.Name()); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&casesDir, "cases-dir", "", "override cases directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json)")
	cmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "vault passphrase (prompted for when not given)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error log output")

	// Add subcommands
	cmd.AddCommand(
		newAuthCmd(),
		newPreviewCmd(),
		newAcquireCmd(),
		newVerifyCmd(),
		newStatusCmd(),
		newExportCmd(),
		newCustodyCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging replaces the global logger. Logs go to stderr so command
// output on stdout stays clean.
func setupLogging(level, format string) {
	logger = logging.New(level, format, os.Stderr)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

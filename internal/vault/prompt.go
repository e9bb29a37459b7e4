package vault

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// PassphraseFunc supplies a passphrase, typically by asking the operator.
type PassphraseFunc func(prompt string) (string, error)

// PromptPassphrase reads a passphrase from the controlling terminal without
// echoing it. The prompt goes to stderr so stdout stays clean for output.
func PromptPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("vault: stdin is not a terminal, pass --passphrase")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("vault: reading passphrase: %w", err)
	}
	return string(pw), nil
}

// ConfirmPassphrase asks twice and fails if the answers differ or are empty.
func ConfirmPassphrase(ask PassphraseFunc) (string, error) {
	first, err := ask("Passphrase to encrypt credentials: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("vault: empty passphrase")
	}
	second, err := ask("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("vault: passphrases do not match")
	}
	return first, nil
}

// StaticPassphrase returns a PassphraseFunc that always yields p, and
// prints nothing. Used when the passphrase comes from a flag.
func StaticPassphrase(p string) PassphraseFunc {
	return func(string) (string, error) { return p, nil }
}

package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/BadgerOps/afrec/internal/custody"
	"github.com/BadgerOps/afrec/internal/engine"
	"github.com/spf13/cobra"
)

var (
	custodyCase string
	custodyAuth bool
	custodyJSON bool
)

func newCustodyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "custody",
		Short: "Print a chain-of-custody ledger",
		Long: `Print the chain-of-custody ledger of a case, one entry per line in the
order it was written. With --auth the ledger of authorization events kept
next to the vault is printed instead.`,
		Example: `  afrec custody --case cases/2024-05-02_1b4e28ba
  afrec custody --case cases/2024-05-02_1b4e28ba --json
  afrec custody --auth`,
		RunE: custodyRun,
	}

	cmd.Flags().StringVar(&custodyCase, "case", "", "case directory")
	cmd.Flags().BoolVar(&custodyAuth, "auth", false, "print the authorization ledger")
	cmd.Flags().BoolVar(&custodyJSON, "json", false, "print raw JSON lines")
	cmd.MarkFlagsMutuallyExclusive("case", "auth")
	cmd.MarkFlagsOneRequired("case", "auth")

	return cmd
}

func custodyRun(cmd *cobra.Command, args []string) error {
	var ledgerPath string
	switch {
	case custodyAuth:
		if globalCfg == nil {
			return fmt.Errorf("config not loaded")
		}
		ledgerPath = filepath.Join(globalCfg.Paths.SecretsDir, authLedgerFile)
	default:
		c, err := engine.OpenCase(custodyCase)
		if err != nil {
			return err
		}
		ledgerPath = c.LedgerPath()
	}

	entries, err := custody.ReadAll(ledgerPath)
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("Ledger is empty.")
		return nil
	}

	for _, e := range entries {
		if custodyJSON {
			line, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encoding entry: %w", err)
			}
			fmt.Println(string(line))
			continue
		}
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding details: %w", err)
		}
		fmt.Printf("%s  %-8s %-20s %s\n", e.TS.UTC().Format(time.RFC3339), e.Action, e.Actor, details)
	}

	return nil
}

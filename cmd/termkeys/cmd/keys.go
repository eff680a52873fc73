package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artivisi/termkeys/internal/config"
	"github.com/artivisi/termkeys/internal/keystore"
)

// keysCmd represents the main keys command.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key record inspection and provisioning operations",
	Long: `Key record inspection and provisioning operations for terminal keys.
This command provides subcommands for listing the currently valid key records of
a terminal and for provisioning initial key material outside the rotation flow.`,
}

// listKeysCmd represents the key listing subcommand.
var listKeysCmd = &cobra.Command{
	Use:   "list",
	Short: "List valid key records for a terminal",
	Long: `List the currently valid (PENDING and ACTIVE) key records of a terminal
key slot. Only metadata and check values are displayed, never key material.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		terminalID, _ := cmd.Flags().GetString("terminal")
		keyTypeStr, _ := cmd.Flags().GetString("type")

		keyType, err := keystore.ParseKeyType(keyTypeStr)
		if err != nil {
			return fmt.Errorf("invalid key type: %w", err)
		}

		store, err := openStore(cmd)
		if err != nil {
			return err
		}

		records, err := store.GetValidKeys(cmd.Context(), terminalID, keyType)
		if err != nil {
			return fmt.Errorf("failed to list key records: %w", err)
		}
		if len(records) == 0 {
			cmd.Printf("No valid %s records for terminal %s\n", keyType, terminalID)
			return nil
		}

		for _, record := range records {
			cmd.Printf("Version: %d\n", record.Version)
			cmd.Printf("Status: %s\n", record.Status)
			cmd.Printf("Check Value: %s\n", record.CheckValue)
			if record.RotationID != "" {
				cmd.Printf("Rotation ID: %s\n", record.RotationID)
			}
			if record.EffectiveFrom != nil {
				cmd.Printf("Effective From: %s\n", record.EffectiveFrom)
			}
			cmd.Printf("\n")
		}

		return nil
	},
}

// provisionKeyCmd represents the initial provisioning subcommand.
var provisionKeyCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision initial key material for a terminal",
	Long: `Provision key material directly as the ACTIVE key for a terminal key slot,
expiring any current ACTIVE record. Intended for initial terminal setup and
recovery; regular key changes go through the rotation flow.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		terminalID, _ := cmd.Flags().GetString("terminal")
		keyTypeStr, _ := cmd.Flags().GetString("type")
		keyHex, _ := cmd.Flags().GetString("key")
		bankContext, _ := cmd.Flags().GetString("bank")

		keyType, err := keystore.ParseKeyType(keyTypeStr)
		if err != nil {
			return fmt.Errorf("invalid key type: %w", err)
		}

		value, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("invalid key format: %w", err)
		}
		if len(value) != 16 && len(value) != 32 {
			return fmt.Errorf("invalid key length: %d bytes (expected 16 or 32)", len(value))
		}

		store, err := openStore(cmd)
		if err != nil {
			return err
		}

		record, err := store.Provision(cmd.Context(), terminalID, bankContext, keyType, value)
		if err != nil {
			return fmt.Errorf("failed to provision key: %w", err)
		}

		cmd.Printf("Terminal: %s\n", record.TerminalID)
		cmd.Printf("Key Type: %s\n", record.KeyType)
		cmd.Printf("Version: %d\n", record.Version)
		cmd.Printf("Check Value: %s\n", record.CheckValue)

		return nil
	},
}

// openStore opens the key store at the configured path, honoring the store
// flag override.
func openStore(cmd *cobra.Command) (*keystore.Store, error) {
	path, _ := cmd.Flags().GetString("store")
	if path == "" {
		if err := config.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize configuration: %w", err)
		}
		path = config.Get().Store.Path
	}

	store, err := keystore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	return store, nil
}

func init() {
	// Add keys command to root.
	rootCmd.AddCommand(keysCmd)

	// Add subcommands to keys command.
	keysCmd.AddCommand(listKeysCmd)
	keysCmd.AddCommand(provisionKeyCmd)

	// List command flags.
	listKeysCmd.Flags().String("terminal", "", "Terminal identifier")
	listKeysCmd.Flags().String("type", "", "Key type (TPK, TSK or TMK)")
	listKeysCmd.Flags().String("store", "", "Key store path (defaults to configuration)")

	if err := listKeysCmd.MarkFlagRequired("terminal"); err != nil {
		panic(err)
	}
	if err := listKeysCmd.MarkFlagRequired("type"); err != nil {
		panic(err)
	}

	// Provision command flags.
	provisionKeyCmd.Flags().String("terminal", "", "Terminal identifier")
	provisionKeyCmd.Flags().String("type", "", "Key type (TPK, TSK or TMK)")
	provisionKeyCmd.Flags().String("key", "", "Clear key in hex format (16 or 32 bytes)")
	provisionKeyCmd.Flags().String("bank", "bank-default", "Bank context identifier")
	provisionKeyCmd.Flags().String("store", "", "Key store path (defaults to configuration)")

	if err := provisionKeyCmd.MarkFlagRequired("terminal"); err != nil {
		panic(err)
	}
	if err := provisionKeyCmd.MarkFlagRequired("type"); err != nil {
		panic(err)
	}
	if err := provisionKeyCmd.MarkFlagRequired("key"); err != nil {
		panic(err)
	}
}

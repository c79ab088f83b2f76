package commands

import (
	"fmt"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/chime/pkg/chime/engine"
)

// newKeyCmd creates the `chime key` command group for API-key management.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the provider API key in the OS keyring",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the API key",
			RunE: func(_ *cobra.Command, _ []string) error {
				rl, err := readline.New("")
				if err != nil {
					return err
				}
				defer rl.Close()
				raw, err := rl.ReadPassword("API key (hidden): ")
				if err != nil {
					return err
				}
				if len(raw) == 0 {
					return fmt.Errorf("empty key")
				}
				if err := engine.StoreKeyring("default", string(raw)); err != nil {
					return fmt.Errorf("store key: %w", err)
				}
				fmt.Println("Stored.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show whether a key is stored",
			RunE: func(_ *cobra.Command, _ []string) error {
				v, err := engine.GetKeyring("default")
				if err != nil || v == "" {
					fmt.Println("No API key in the keyring.")
					return nil
				}
				fmt.Printf("API key present (%d chars).\n", len(v))
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the stored key",
			RunE: func(_ *cobra.Command, _ []string) error {
				if err := engine.DeleteKeyring("default"); err != nil {
					return fmt.Errorf("delete key: %w", err)
				}
				fmt.Println("Deleted.")
				return nil
			},
		},
	)
	return cmd
}

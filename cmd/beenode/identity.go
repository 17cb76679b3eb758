package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/spf13/cobra"
)

func (c *cli) keygenCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			path := cfg.IdentityPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("identity already exists at %s (use --force to replace it)", path)
			}

			ident, err := identity.GenerateIdentity()
			if err != nil {
				return fmt.Errorf("failed to generate identity: %w", err)
			}
			if err := ident.SaveToFile(path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Identity saved to %s\n", path)
			fmt.Fprintf(out, "ID: %s\n", ident.ID())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing identity")
	return cmd
}

func (c *cli) idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Show the node ID and public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ident, err := identity.LoadFromFile(cfg.IdentityPath())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID: %s\n", ident.ID())
			fmt.Fprintf(out, "Public key: %s\n", hex.EncodeToString(ident.SigningPublicKey))
			return nil
		},
	}
}

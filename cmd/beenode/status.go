package main

import (
	"context"
	"fmt"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/control"
	"github.com/spf13/cobra"
)

func (c *cli) statusCmd() *cobra.Command {
	var showPeers bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running node through its control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Control == "" {
				return fmt.Errorf("control API is disabled")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			client, err := control.Dial(ctx, cfg.Control)
			if err != nil {
				return err
			}
			defer client.Close()

			var info control.Info
			if err := client.Call(ctx, "info", nil, &info); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID: %s\n", info.ID)
			fmt.Fprintf(out, "State: %s\n", info.State)
			fmt.Fprintf(out, "Address: %s\n", info.Addr)
			fmt.Fprintf(out, "Head: %d\n", info.Head)
			fmt.Fprintf(out, "Seed height: %d\n", info.SeedHeight)
			fmt.Fprintf(out, "Peers: %d\n", info.Peers)
			if info.SeedFile != "" {
				fmt.Fprintf(out, "Seed file: %s\n", info.SeedFile)
			}

			if !showPeers {
				return nil
			}
			var peers []control.Peer
			if err := client.Call(ctx, "peers", nil, &peers); err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Fprintf(out, "  %s  %s  h=%d\n", p.ID[:16], p.Addr, p.SeedHeight)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPeers, "peers", false, "List routed peers")
	return cmd
}

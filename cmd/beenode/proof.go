package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/control"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/node"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
	"github.com/WebFirstLanguage/powdht/pkg/workerpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func (c *cli) mineCmd() *cobra.Command {
	var height int64

	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Mine a proof for the local identity",
		Long: `mine searches a nonce for the local identity against the development
chain. Without --height it uses the seed a running node would advertise now.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			logger, err := c.logger(cfg, cmd)
			if err != nil {
				return err
			}
			ident, err := identity.LoadFromFile(cfg.IdentityPath())
			if err != nil {
				return err
			}
			alg, err := pow.ParseAlgorithm(cfg.HashAlgorithm)
			if err != nil {
				return err
			}
			target, err := pow.NewTarget(cfg.Difficulty)
			if err != nil {
				return err
			}

			clock := cfg.DevChain()
			h := cfg.SeedHeight(clock.Height())
			if height >= 0 {
				h = uint64(height)
			}

			pool := workerpool.New(&workerpool.Config{Size: cfg.Workers, Logger: logger})
			defer pool.Shutdown(context.Background())

			engine, err := pow.NewEngine(&pow.EngineConfig{
				Identity:  ident,
				Seeds:     clock,
				Pool:      pool,
				Algorithm: alg,
				Target:    target,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			start := time.Now()
			proof, err := engine.BlockingGetToken(ctx, h)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID: %s\n", proof.Owner)
			fmt.Fprintf(out, "Height: %d\n", proof.SeedHeight)
			fmt.Fprintf(out, "Nonce: %d\n", proof.Nonce)
			fmt.Fprintf(out, "Hashes: %d\n", engine.HashesComputed())
			fmt.Fprintf(out, "Duration: %v\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().Int64Var(&height, "height", -1, "Seed height to mine against (default: head - seed-lag)")
	return cmd
}

func (c *cli) verifyCmd() *cobra.Command {
	var (
		owner  string
		height uint64
		nonce  int64
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a proof against the development chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			id, err := identity.IDFromHex(owner)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}

			verifier, err := node.NewVerifier(cfg, cfg.DevChain())
			if err != nil {
				return err
			}

			proof := pow.ProofRecord{SeedHeight: height, Nonce: nonce, Owner: id}
			if err := verifier.Verify(proof); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Valid: %s\n", proof)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "id", "", "Hex ID the proof was mined for")
	cmd.Flags().Uint64Var(&height, "height", 0, "Seed height")
	cmd.Flags().Int64Var(&nonce, "nonce", 0, "Nonce")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("nonce")
	return cmd
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			logger, err := c.logger(cfg, cmd)
			if err != nil {
				return err
			}

			ident, created, err := identity.LoadOrCreate(cfg.IdentityPath())
			if err != nil {
				return err
			}
			if created {
				logger.WithField("path", cfg.IdentityPath()).Info("Generated new identity")
			}

			n, err := node.New(cfg, ident, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			supervisor := node.NewSupervisor(n)
			if err := supervisor.Start(ctx); err != nil {
				return err
			}

			served := make(chan error, 1)
			if cfg.Control != "" {
				listener, err := net.Listen("tcp", cfg.Control)
				if err != nil {
					stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					_ = supervisor.Stop(stopCtx)
					return fmt.Errorf("failed to listen for control API: %w", err)
				}
				go func() { served <- control.NewServer(n, logger).Serve(ctx, listener) }()
			} else {
				close(served)
			}
			logger.WithFields(logrus.Fields{
				"id":         ident.ID().Short(),
				"difficulty": cfg.Difficulty,
				"hash":       cfg.HashAlgorithm,
			}).Info("Running")

			<-ctx.Done()

			<-served
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return supervisor.Stop(stopCtx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "beenode %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", commitHash)
			return nil
		},
	}
}

// Command beenode runs and inspects powdht peers.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/WebFirstLanguage/powdht/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "POWDHT"

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

// cli carries the viper instance shared by one command tree
type cli struct {
	vip        *viper.Viper
	configFile string
}

func newRootCmd() *cobra.Command {
	c := &cli{vip: viper.New()}

	root := &cobra.Command{
		Use:           "beenode",
		Short:         "Proof-of-work admitted Kademlia node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.readConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "Config file (yaml, toml or json)")
	setFlags(flags, config.DefaultConfig())

	root.AddCommand(
		c.keygenCmd(),
		c.idCmd(),
		c.mineCmd(),
		c.verifyCmd(),
		c.runCmd(),
		c.statusCmd(),
		versionCmd(),
	)
	return root
}

func setFlags(flags *pflag.FlagSet, cfg *config.Config) {
	flags.String("data-dir", cfg.DataDir, "Directory for the identity and seed files")
	flags.String("identity-file", cfg.IdentityFile, "Identity file (default: <data-dir>/identity.json)")
	flags.String("seed-file", cfg.SeedFile, "Seed file (default: <data-dir>/seeds.json)")
	flags.String("listen", cfg.Listen, "UDP address to serve QUIC on")
	flags.String("advertise", cfg.Advertise, "Address put in the peer record (default: listen)")
	flags.StringSlice("seeds", cfg.Seeds, "Seed peer addresses (host:port)")
	flags.String("control", cfg.Control, "Local control API address (empty: disabled)")

	flags.Int("difficulty", cfg.Difficulty, "Leading zero bytes a proof digest must have")
	flags.String("hash-algorithm", cfg.HashAlgorithm, "Seeded hash: blake3-512, sha3-512 or blake2b-512")
	flags.Uint64("max-seed-age", cfg.MaxSeedAge, "Blocks a proof's seed may trail the head (0: no limit)")

	flags.Int("workers", cfg.Workers, "Mining workers (0: one per CPU)")
	flags.Uint64("seed-lag", cfg.SeedLag, "Blocks between the head and the seed we mine against")
	flags.Duration("refresh-interval", cfg.RefreshInterval, "Head polling period for re-minting")

	flags.Duration("maintenance-interval", cfg.MaintenanceInterval, "Liveness sweep period")
	flags.Duration("stale-after", cfg.StaleAfter, "Age after which a peer is re-pinged and may be evicted")
	flags.Int("max-failures", cfg.MaxFailures, "Failed pings before a peer is removed")
	flags.Int("alpha", cfg.Alpha, "Parallel queries per lookup round")

	flags.String("dev-genesis", cfg.DevGenesis, "Phrase the development chain genesis is derived from")
	flags.Int64("dev-start", cfg.DevStart, "Unix time of development block 0")
	flags.Duration("dev-block-interval", cfg.DevBlockInterval, "Development block interval")

	flags.String("log-level", cfg.LogLevel, "Log level")
	flags.String("log-format", cfg.LogFormat, "Log format: text or json")
}

// readConfig layers flags over POWDHT_* environment over the config file
func (c *cli) readConfig(cmd *cobra.Command) error {
	c.vip.SetEnvPrefix(envPrefix)
	c.vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.vip.AutomaticEnv()

	if err := c.vip.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	if c.configFile != "" {
		c.vip.SetConfigFile(c.configFile)
		if err := c.vip.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// loadConfig decodes and validates the merged configuration
func (c *cli) loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := c.vip.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) logger(cfg *config.Config, cmd *cobra.Command) (*logrus.Entry, error) {
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	logger.SetOutput(cmd.ErrOrStderr())
	return logrus.NewEntry(logger), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Package config holds node configuration. Keys match the CLI flags and the
// POWDHT_* environment variables the command binds through viper.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/chain"
	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDataDirName      = ".powdht"
	DefaultIdentityFileName = "identity.json"
	DefaultSeedFileName     = "seeds.json"
	DefaultDevGenesis       = "powdht devnet"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"

	// 2024-01-01T00:00:00Z
	DefaultDevStart = 1704067200
)

var DefaultDataDir = defaultDataDir()

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDirName
	}
	return filepath.Join(home, DefaultDataDirName)
}

type Config struct {
	DataDir      string   `mapstructure:"data-dir"`
	IdentityFile string   `mapstructure:"identity-file"` // Default: <data-dir>/identity.json
	SeedFile     string   `mapstructure:"seed-file"`     // Default: <data-dir>/seeds.json
	Listen       string   `mapstructure:"listen"`
	Advertise    string   `mapstructure:"advertise"` // Address put in the peer record (default: listen)
	Seeds        []string `mapstructure:"seeds"`
	Control      string   `mapstructure:"control"` // Local control API address (empty: disabled)

	// Network parameters every peer must agree on.
	Difficulty    int    `mapstructure:"difficulty"`
	HashAlgorithm string `mapstructure:"hash-algorithm"`
	MaxSeedAge    uint64 `mapstructure:"max-seed-age"`

	Workers         int           `mapstructure:"workers"`
	SeedLag         uint64        `mapstructure:"seed-lag"`
	RefreshInterval time.Duration `mapstructure:"refresh-interval"`

	MaintenanceInterval time.Duration `mapstructure:"maintenance-interval"`
	StaleAfter          time.Duration `mapstructure:"stale-after"`
	MaxFailures         int           `mapstructure:"max-failures"`
	Alpha               int           `mapstructure:"alpha"`

	// Development chain.
	DevGenesis       string        `mapstructure:"dev-genesis"`
	DevStart         int64         `mapstructure:"dev-start"` // Unix seconds of height 0
	DevBlockInterval time.Duration `mapstructure:"dev-block-interval"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Listen:  fmt.Sprintf("0.0.0.0:%d", constants.DefaultQUICPort),
		Control: fmt.Sprintf("127.0.0.1:%d", constants.DefaultControlPort),

		Difficulty:    constants.DefaultDifficulty,
		HashAlgorithm: constants.DefaultHashAlgorithm,
		MaxSeedAge:    constants.DefaultMaxSeedAge,

		SeedLag:         constants.DefaultSeedLag,
		RefreshInterval: constants.DefaultRefreshInterval,

		MaintenanceInterval: constants.DefaultMaintenanceInterval,
		StaleAfter:          constants.DefaultStaleAfter,
		MaxFailures:         constants.DefaultMaxFailures,
		Alpha:               constants.DHTAlpha,

		DevGenesis:       DefaultDevGenesis,
		DevStart:         DefaultDevStart,
		DevBlockInterval: constants.DefaultDevBlockInterval,

		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
	}
}

func (cfg *Config) Validate() error {
	if cfg.Difficulty < 0 || cfg.Difficulty > constants.MaxDifficulty {
		return fmt.Errorf("invalid `difficulty`; expected: 0..%d, given: %d", constants.MaxDifficulty, cfg.Difficulty)
	}

	if _, err := pow.ParseAlgorithm(cfg.HashAlgorithm); err != nil {
		return fmt.Errorf("invalid `hash-algorithm`: %w", err)
	}

	if cfg.Workers < 0 {
		return fmt.Errorf("invalid `workers`; expected: >= 0, given: %d", cfg.Workers)
	}

	if cfg.MaxSeedAge != 0 && cfg.SeedLag >= cfg.MaxSeedAge {
		return fmt.Errorf("invalid `seed-lag`; expected: < max-seed-age (%d), given: %d", cfg.MaxSeedAge, cfg.SeedLag)
	}

	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("invalid `listen` address %q: %w", cfg.Listen, err)
	}
	if cfg.Advertise != "" {
		if _, _, err := net.SplitHostPort(cfg.Advertise); err != nil {
			return fmt.Errorf("invalid `advertise` address %q: %w", cfg.Advertise, err)
		}
	}
	if cfg.Control != "" {
		if _, _, err := net.SplitHostPort(cfg.Control); err != nil {
			return fmt.Errorf("invalid `control` address %q: %w", cfg.Control, err)
		}
	}
	for _, seed := range cfg.Seeds {
		if _, _, err := net.SplitHostPort(seed); err != nil {
			return fmt.Errorf("invalid seed address %q: %w", seed, err)
		}
	}

	for name, d := range map[string]time.Duration{
		"refresh-interval":     cfg.RefreshInterval,
		"maintenance-interval": cfg.MaintenanceInterval,
		"stale-after":          cfg.StaleAfter,
		"dev-block-interval":   cfg.DevBlockInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid `%s`; expected: > 0, given: %v", name, d)
		}
	}

	if cfg.MaxFailures < 1 {
		return fmt.Errorf("invalid `max-failures`; expected: >= 1, given: %d", cfg.MaxFailures)
	}

	if cfg.Alpha < 1 || cfg.Alpha > constants.FanOut {
		return fmt.Errorf("invalid `alpha`; expected: 1..%d, given: %d", constants.FanOut, cfg.Alpha)
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid `log-level`: %w", err)
	}

	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("invalid `log-format`; expected: text or json, given: %q", cfg.LogFormat)
	}

	return nil
}

// IdentityPath returns the identity file, defaulting into the data directory
func (cfg *Config) IdentityPath() string {
	if cfg.IdentityFile != "" {
		return cfg.IdentityFile
	}
	return filepath.Join(cfg.DataDir, DefaultIdentityFileName)
}

// SeedPath returns the seed file, defaulting into the data directory
func (cfg *Config) SeedPath() string {
	if cfg.SeedFile != "" {
		return cfg.SeedFile
	}
	return filepath.Join(cfg.DataDir, DefaultSeedFileName)
}

// DevStartTime returns the wall time of the dev chain's genesis block
func (cfg *Config) DevStartTime() time.Time {
	return time.Unix(cfg.DevStart, 0).UTC()
}

// DevChain returns the development seed chain described by the dev-* keys
func (cfg *Config) DevChain() *chain.Clock {
	return chain.NewClock(chain.GenesisFromPhrase(cfg.DevGenesis), cfg.DevStartTime(), cfg.DevBlockInterval)
}

// SeedHeight returns the height a proof minted now should use
func (cfg *Config) SeedHeight(head uint64) uint64 {
	if head < cfg.SeedLag {
		return 0
	}
	return head - cfg.SeedLag
}

// AdvertiseAddr returns the address peers should dial
func (cfg *Config) AdvertiseAddr() string {
	if cfg.Advertise != "" {
		return cfg.Advertise
	}
	return cfg.Listen
}

// Logger builds the root logger from the log settings
func (cfg *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

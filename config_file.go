package bullshark

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// FileMember describes one committee member in a configuration file.
type FileMember struct {
	// PublicKey is the member's hex-encoded BLS public key.
	PublicKey string `mapstructure:"public_key"`

	// Stake is the member's voting weight.
	Stake uint64 `mapstructure:"stake"`

	// Address is the member's network address (host:port).
	Address string `mapstructure:"address"`
}

// FileConfig is the on-disk node configuration. It carries identity, the
// committee roster with addresses, and tuning knobs; everything else uses
// the programmatic defaults.
type FileConfig struct {
	// Validator is this node's index in the committee.
	Validator uint16 `mapstructure:"validator"`

	// ListenAddress is the address the gateway listens on.
	ListenAddress string `mapstructure:"listen_address"`

	// Epoch is the committee's epoch.
	Epoch uint64 `mapstructure:"epoch"`

	// StartingRound is the committee's first round.
	StartingRound uint64 `mapstructure:"starting_round"`

	// Members is the committee roster in index order.
	Members []FileMember `mapstructure:"members"`

	NumWorkers              uint8         `mapstructure:"num_workers"`
	BatchSize               int           `mapstructure:"batch_size"`
	BatchTimeout            time.Duration `mapstructure:"batch_timeout"`
	ProposalInterval        time.Duration `mapstructure:"proposal_interval"`
	CommitScanInterval      time.Duration `mapstructure:"commit_scan_interval"`
	PingInterval            time.Duration `mapstructure:"ping_interval"`
	RoundTimeout            time.Duration `mapstructure:"round_timeout"`
	FetchMissing            bool          `mapstructure:"fetch_missing"`
	GCInterval              uint64        `mapstructure:"gc_interval"`
	GCDepth                 uint64        `mapstructure:"gc_depth"`
	MaxPendingTransmissions int           `mapstructure:"max_pending_transmissions"`
	MaxPendingBatches       int           `mapstructure:"max_pending_batches"`
}

// LoadFileConfig reads a configuration file named configName from the given
// search paths, with environment variable overrides under envPrefix
// (dots replaced by underscores, e.g. PREFIX_BATCH_SIZE).
func LoadFileConfig(configName, envPrefix string, searchPaths ...string) (*FileConfig, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName(configName)
	if len(searchPaths) == 0 {
		searchPaths = []string{"./"}
	}
	for _, path := range searchPaths {
		v.AddConfigPath(path)
	}

	v.SetDefault("fetch_missing", true)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg FileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (fc *FileConfig) validate() error {
	if len(fc.Members) == 0 {
		return fmt.Errorf("config has no committee members")
	}
	if int(fc.Validator) >= len(fc.Members) {
		return fmt.Errorf("validator index %d outside committee of %d members",
			fc.Validator, len(fc.Members))
	}
	for i, m := range fc.Members {
		if m.PublicKey == "" {
			return fmt.Errorf("member %d has no public key", i)
		}
		if m.Stake == 0 {
			return fmt.Errorf("member %d has zero stake", i)
		}
	}
	return nil
}

// Committee builds the committee snapshot from the roster.
func (fc *FileConfig) Committee() (*Committee, error) {
	members := make([]CommitteeMember, len(fc.Members))
	for i, m := range fc.Members {
		raw, err := hex.DecodeString(m.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("member %d public key: %w", i, err)
		}
		key, err := NewBLSPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("member %d public key: %w", i, err)
		}
		members[i] = CommitteeMember{PublicKey: key, Stake: m.Stake}
	}
	return NewCommittee(fc.Epoch, fc.StartingRound, members)
}

// Resolver builds the peer address book from the roster, excluding this
// node's own entry.
func (fc *FileConfig) Resolver(logger *zap.Logger) *Resolver {
	addresses := make(map[uint16]string, len(fc.Members))
	for i, m := range fc.Members {
		if uint16(i) == fc.Validator || m.Address == "" {
			continue
		}
		addresses[uint16(i)] = m.Address
	}
	return NewResolver(addresses, logger)
}

// Options translates the file's tuning knobs into config options. Zero
// values are skipped so the programmatic defaults apply.
func Options[H Hash, T Transmission[H]](fc *FileConfig) []ConfigOption[H, T] {
	var opts []ConfigOption[H, T]

	if fc.NumWorkers > 0 {
		opts = append(opts, WithNumWorkers[H, T](fc.NumWorkers))
	}
	if fc.BatchSize > 0 {
		opts = append(opts, WithBatchSize[H, T](fc.BatchSize))
	}
	if fc.BatchTimeout > 0 {
		opts = append(opts, WithBatchTimeout[H, T](fc.BatchTimeout))
	}
	if fc.ProposalInterval > 0 {
		opts = append(opts, WithProposalInterval[H, T](fc.ProposalInterval))
	}
	if fc.CommitScanInterval > 0 {
		opts = append(opts, WithCommitScanInterval[H, T](fc.CommitScanInterval))
	}
	if fc.PingInterval > 0 {
		opts = append(opts, WithPingInterval[H, T](fc.PingInterval))
	}
	if fc.RoundTimeout > 0 {
		opts = append(opts, WithRoundTimeout[H, T](fc.RoundTimeout))
	}
	opts = append(opts, WithFetchMissing[H, T](fc.FetchMissing))
	if fc.GCInterval > 0 {
		opts = append(opts, WithGCInterval[H, T](fc.GCInterval))
	}
	if fc.GCDepth > 0 {
		opts = append(opts, WithGCDepth[H, T](fc.GCDepth))
	}
	if fc.MaxPendingTransmissions > 0 {
		opts = append(opts, WithMaxPendingTransmissions[H, T](fc.MaxPendingTransmissions))
	}
	if fc.MaxPendingBatches > 0 {
		opts = append(opts, WithMaxPendingBatches[H, T](fc.MaxPendingBatches))
	}
	return opts
}

package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/quorum"
)

const (
	defaultTickIntervalMs = 10
	defaultRPCTimeoutMs   = 200
)

// Config is the immutable engine configuration, validated once at
// construction. Collaborators (log, transport, state machine) are not
// configuration; they are injected explicitly through Deps.
type Config struct {
	// ID is this member's id, non-zero and present in Members.
	ID uint64 `yaml:"id"`

	// Members is the initial cluster view, local node included.
	Members []uint64 `yaml:"members"`

	// ElectionTimeoutMs is the lower bound of the randomized election
	// timeout; the effective value per election is drawn from
	// [ElectionTimeoutMs, 2*ElectionTimeoutMs).
	ElectionTimeoutMs int `yaml:"election_timeout_ms"`

	// HeartbeatIntervalMs must be well below ElectionTimeoutMs.
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`

	// TickIntervalMs is the timer strategy period. Zero picks the
	// default.
	TickIntervalMs int `yaml:"tick_interval_ms"`

	// RPCTimeoutMs bounds every single outbound call. Zero picks the
	// default.
	RPCTimeoutMs int `yaml:"rpc_timeout_ms"`

	// MaxSizePerMsg caps the payload bytes of one append batch.
	// Zero means unbounded.
	MaxSizePerMsg uint `yaml:"max_size_per_msg"`

	// MaxLogEntries is the applied-entry count that triggers log
	// compaction. Zero disables compaction.
	MaxLogEntries uint64 `yaml:"max_log_entries"`

	// RequireReadQuorum selects between read-index reads (true) and
	// leader-only reads (false).
	RequireReadQuorum bool `yaml:"require_read_quorum"`

	// WriteQuorum and ReadQuorum override the majority defaults.
	// Zero keeps strict majority.
	WriteQuorum int `yaml:"write_quorum"`
	ReadQuorum  int `yaml:"read_quorum"`
}

// LoadConfig read and validate a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reject invalid combinations immediately rather than
// lazily.
func (c *Config) Validate() error {
	if c.ID == protocol.InvalidID {
		return fmt.Errorf("config: member id must be non-zero")
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("config: members must not be empty")
	}
	var self bool
	seen := make(map[uint64]struct{}, len(c.Members))
	for _, id := range c.Members {
		if id == protocol.InvalidID {
			return fmt.Errorf("config: member id must be non-zero")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("config: duplicate member %d", id)
		}
		seen[id] = struct{}{}
		if id == c.ID {
			self = true
		}
	}
	if !self {
		return fmt.Errorf("config: members must contain local id %d", c.ID)
	}

	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive")
	}
	if c.ElectionTimeoutMs <= 2*c.HeartbeatIntervalMs {
		return fmt.Errorf("config: election timeout %dms must well exceed heartbeat %dms",
			c.ElectionTimeoutMs, c.HeartbeatIntervalMs)
	}
	if c.TickIntervalMs < 0 || c.RPCTimeoutMs < 0 {
		return fmt.Errorf("config: intervals must not be negative")
	}
	if c.WriteQuorum < 0 || c.WriteQuorum > len(c.Members) {
		return fmt.Errorf("config: write quorum %d outside cluster size %d",
			c.WriteQuorum, len(c.Members))
	}
	if c.ReadQuorum < 0 || c.ReadQuorum > len(c.Members) {
		return fmt.Errorf("config: read quorum %d outside cluster size %d",
			c.ReadQuorum, len(c.Members))
	}
	return nil
}

func (c *Config) tickIntervalMs() int {
	if c.TickIntervalMs == 0 {
		return defaultTickIntervalMs
	}
	return c.TickIntervalMs
}

func (c *Config) rpcTimeoutMs() int {
	if c.RPCTimeoutMs == 0 {
		return defaultRPCTimeoutMs
	}
	return c.RPCTimeoutMs
}

func (c *Config) strategy() quorum.Strategy {
	if c.WriteQuorum == 0 && c.ReadQuorum == 0 {
		return quorum.Majority{}
	}
	return quorum.Fixed{W: c.WriteQuorum, R: c.ReadQuorum}
}

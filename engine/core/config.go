package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/quorum"
)

// Config given information to build the core state machine.
type Config struct {
	// ID is the identity of the local node, cannot be 0.
	ID uint64

	// Persistent state restored from the Log capability.
	Term uint64
	Vote uint64

	// ElectionTick is the milliseconds of silence after which a
	// follower starts an election. The effective timeout is
	// re-randomized in [ElectionTick, 2*ElectionTick) per election
	// to avoid repeated split votes. Must be well above
	// HeartbeatTick; 10x is a good ratio.
	ElectionTick int

	// HeartbeatTick is the milliseconds between leader heartbeats.
	HeartbeatTick int

	// MaxSizePerMsg caps the payload bytes of one append batch.
	MaxSizePerMsg uint

	// Members is the cluster view, local node included.
	Members []uint64

	// Entries restores the log window; nil means an empty log.
	Entries []protocol.Entry

	// Strategy decides write and read quorum sizes.
	Strategy quorum.Strategy
}

// Verify check whether fields of Config is valid.
func (c *Config) Verify() {
	if c.ID == protocol.InvalidID {
		log.Panicf("ID cannot be zero")
	}

	if c.HeartbeatTick <= 0 {
		log.Panicf("heartbeat tick must be greater than zero")
	}

	if c.ElectionTick <= c.HeartbeatTick {
		log.Panicf("election tick must be greater than heartbeat tick")
	}

	if c.Strategy == nil {
		log.Panicf("quorum strategy is required")
	}

	var member bool
	for _, id := range c.Members {
		if id == c.ID {
			member = true
		}
	}
	if !member {
		log.Panicf("%d not in member list %v", c.ID, c.Members)
	}
}

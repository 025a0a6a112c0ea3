package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/replica/engine/core/holder"
	"github.com/thinkermao/replica/engine/core/peer"
	"github.com/thinkermao/replica/engine/core/read"
	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/quorum"
	"github.com/thinkermao/replica/utils"
)

// application is the narrow callback surface the core drives. The
// core never blocks on it: messages and entries are buffered by the
// owner and handled after the serialized transition completes.
type application interface {
	// send queue an outbound message.
	send(msg *protocol.Message)

	// saveReadState record a confirmed read index.
	saveReadState(state *read.State)

	// applyEntry queue a committed entry for the state machine.
	applyEntry(entry *protocol.Entry)

	// truncated report that the log suffix from index on was
	// replaced and durable storage must follow.
	truncated(index uint64)
}

// core is the serialized node state machine: every mutation of term,
// role, log window, commit index and follower progress happens here,
// one transition at a time. The owner provides the serialization.
type core struct {
	// Fields need to be persistent.
	term uint64
	vote uint64
	log  *holder.Holder

	// Fields just keep in memory.
	id uint64

	// last known leader; InvalidID after a silence or term bump.
	leaderID uint64
	state    Role
	peers    []*peer.Progress

	// Fields for time, all in milliseconds.
	timeElapsed            int
	randomizedElectionTick int
	electionTick           int
	heartbeatTick          int

	// membership change fields: a new configuration is refused
	// while one is still uncommitted.
	pendingConf bool

	maxSizePerMsg uint
	readOnly      *read.ReadOnly
	strategy      quorum.Strategy
	callback      application
}

func makeCore(config *Config, callback application) *core {
	config.Verify()

	c := new(core)

	// Initialize persistence fields.
	c.vote = config.Vote
	c.term = config.Term
	if len(config.Entries) == 0 {
		c.log = holder.MakeHolder(config.ID, protocol.InvalidIndex, protocol.InvalidTerm)
	} else {
		c.log = holder.RebuildHolder(config.ID, config.Entries)
	}

	// Initialize memory fields.
	c.id = config.ID
	c.leaderID = protocol.InvalidID
	c.state = RoleFollower

	c.peers = make([]*peer.Progress, 0)
	lastIndex := c.log.LastIndex()
	for _, id := range config.Members {
		if id != c.id {
			c.peers = append(c.peers, peer.MakeProgress(c.id, id, lastIndex+1))
		}
	}

	c.timeElapsed = 0
	c.electionTick = config.ElectionTick
	c.heartbeatTick = config.HeartbeatTick
	c.resetRandomizedElectionTimeout()

	c.pendingConf = false

	c.callback = callback
	c.readOnly = read.MakeReadOnly()
	c.strategy = config.Strategy
	c.maxSizePerMsg = config.MaxSizePerMsg

	utils.Assert(c.log.LastIndex() >= c.log.CommitIndex(),
		"%d [term: %d] last idx: %d less than commit: %d",
		c.id, c.term, c.log.LastIndex(), c.log.CommitIndex())

	log.Debugf("%d build core at term: %d [firstIdx: %d, lastIdx: %d, commitIdx: %d]",
		c.id, c.term, c.log.FirstIndex(), c.log.LastIndex(), c.log.CommitIndex())

	return c
}

// ReadSoftState return the volatile view of the node.
func (c *core) ReadSoftState() SoftState {
	return SoftState{
		LeaderID:  c.leaderID,
		State:     c.state,
		LastIndex: c.log.LastIndex(),
	}
}

// ReadHardState return the state that must be durable before any
// message leaves the node.
func (c *core) ReadHardState() protocol.HardState {
	return protocol.HardState{
		Vote:   c.vote,
		Term:   c.term,
		Commit: c.log.CommitIndex(),
	}
}

// Members return the current cluster view, local node included.
func (c *core) Members() []uint64 {
	members := make([]uint64, 0, len(c.peers)+1)
	members = append(members, c.id)
	for _, p := range c.peers {
		members = append(members, p.ID)
	}
	return members
}

// Propose append a client command to the local log. It returns the
// assigned index and term, or false when this node is not leader.
func (c *core) Propose(data []byte) (index uint64, term uint64, isLeader bool) {
	if !c.state.IsLeader() {
		return protocol.InvalidIndex, protocol.InvalidTerm, false
	}

	entry := protocol.Entry{
		Index: c.log.LastIndex() + 1,
		Term:  c.term,
		Type:  protocol.EntryNormal,
		Data:  data,
	}

	// Leader append-only: a leader never overwrites or deletes
	// entries in its own log.
	c.log.Append([]protocol.Entry{entry})
	c.broadcastAppend()

	return entry.Index, entry.Term, true
}

// ProposeConfChange append a membership change entry. Refused while
// an earlier configuration entry is still uncommitted.
func (c *core) ProposeConfChange(cc *protocol.ConfChange) (
	index uint64, term uint64, isLeader bool) {
	if !c.state.IsLeader() {
		return protocol.InvalidIndex, protocol.InvalidTerm, false
	}

	if c.pendingConf {
		log.Infof("%d propose conf ignored since pending unapplied configuration", c.id)
		return protocol.InvalidIndex, protocol.InvalidTerm, false
	}
	c.pendingConf = true

	entry := protocol.Entry{
		Index: c.log.LastIndex() + 1,
		Term:  c.term,
		Type:  protocol.EntryConfChange,
		Data:  protocol.MustMarshal(cc),
	}

	c.log.Append([]protocol.Entry{entry})
	c.broadcastAppend()

	return entry.Index, entry.Term, true
}

// Read propose a read-only request; context is the request's unique
// correlation id. On the leader it starts a read-index round (or
// resolves immediately when the read quorum is satisfied by the
// leader alone); on a follower it redirects to the known leader.
// It returns false when the request cannot be served right now.
func (c *core) Read(context []byte) bool {
	switch c.state {
	case RoleLeader:
		// the leader must have committed an entry in its own term
		// before its commit index is provably current.
		if c.log.Term(c.log.CommitIndex()) != c.term {
			return false
		}

		c.readOnly.AddRequest(c.log.CommitIndex(), c.id, context)
		if c.readQuorum() <= 1 {
			c.advanceReadOnly(context)
		} else {
			c.broadcastHeartbeatWithCtx(context)
		}
	case RoleFollower:
		if c.leaderID == protocol.InvalidID {
			return false
		}
		msg := protocol.Message{
			Kind:    protocol.MsgReadIndexRequest,
			To:      c.leaderID,
			Context: context,
		}
		c.send(&msg)
	default:
		return false
	}
	return true
}

// Step advance the state machine by one incoming message.
func (c *core) Step(msg *protocol.Message) {
	log.Debugf("%d received %v from %d [term: %d]",
		c.id, msg.Kind, msg.From, msg.Term)

	if msg.Term < c.term {
		log.Debugf("%d [term: %d] ignore a %v message with lower term from: %d [term: %d]",
			c.id, c.term, msg.Kind, msg.From, msg.Term)
		// stale requests get a term-bearing reject so the old
		// leader or candidate steps down; stale responses die here.
		c.reject(msg)
		return
	} else if msg.Term > c.term {
		// leader id will be set once a real leader message arrives.
		log.Infof("%d [term: %d] receive a %v message with higher term from %d [term: %d]",
			c.id, c.term, msg.Kind, msg.From, msg.Term)
		c.becomeFollower(msg.Term, protocol.InvalidID)
	}

	if msg.Kind == protocol.MsgVoteRequest {
		c.handleVote(msg)
	} else {
		c.dispatch(msg)
	}

	/* apply entries to state machine after handling remote msg */
	c.applyEntries()
}

// Periodic advance the node's clock. Leaders heartbeat, everyone
// else counts down toward an election.
func (c *core) Periodic(millisSinceLastPeriod int) {
	c.timeElapsed += millisSinceLastPeriod

	if c.state.IsLeader() {
		// entries the leader alone satisfies the write quorum for
		// (single node, relaxed quorum) commit here, once stabled.
		c.poll(c.log.LastIndex())
		if c.heartbeatTick <= c.timeElapsed {
			c.timeElapsed = 0
			c.broadcastAppend()
		}
	} else if c.randomizedElectionTick <= c.timeElapsed {
		c.campaign()
	}

	c.applyEntries()
}

// ApplyConfChange mutate the cluster view once a configuration
// entry commits, returning the new view.
func (c *core) ApplyConfChange(cc *protocol.ConfChange) []uint64 {
	switch cc.ChangeType {
	case protocol.ConfChangeAddMember:
		c.addMember(cc.MemberID)
	case protocol.ConfChangeRemoveMember:
		c.removeMember(cc.MemberID)
	}
	return c.Members()
}

// Compact drop applied entries once the window exceeds maxEntries,
// and return the compaction point (InvalidIndex when nothing was
// compacted). A leader never compacts past its slowest follower.
func (c *core) Compact(maxEntries uint64) uint64 {
	if maxEntries == 0 {
		return protocol.InvalidIndex
	}

	applied := c.log.LastApplied()
	first := c.log.FirstIndex()
	if applied < first || applied-first+1 <= maxEntries {
		return protocol.InvalidIndex
	}

	target := applied
	if c.state.IsLeader() {
		for _, p := range c.peers {
			target = utils.MinUint64(target, p.Matched)
		}
	}
	if target < first {
		return protocol.InvalidIndex
	}

	log.Debugf("%d compact log to %d [applied: %d]", c.id, target, applied)
	c.log.CompactTo(target)
	return target
}

// ReadStatus return current term and leadership.
func (c *core) ReadStatus() (uint64, bool) {
	return c.term, c.state.IsLeader()
}

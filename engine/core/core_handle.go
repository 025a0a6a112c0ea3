package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/replica/engine/core/peer"
	"github.com/thinkermao/replica/engine/core/read"
	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/utils"
)

func (c *core) dispatch(msg *protocol.Message) {
	switch c.state {
	case RoleLeader:
		c.stepLeader(msg)
	case RoleFollower:
		c.stepFollower(msg)
	case RoleCandidate:
		c.stepCandidate(msg)
	}
}

func (c *core) stepLeader(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.MsgAppendResponse:
		c.handleAppendEntriesResponse(msg)
	case protocol.MsgHeartbeatResponse:
		c.handleHeartbeatResponse(msg)
	case protocol.MsgReadIndexRequest:
		c.handleReadIndexRequest(msg)
	case protocol.MsgUnreachable:
		c.handleUnreachable(msg)
	}
}

func (c *core) stepFollower(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.MsgAppendRequest:
		c.handleAppendEntries(msg)
	case protocol.MsgHeartbeatRequest:
		c.handleHeartbeat(msg)
	case protocol.MsgReadIndexResponse:
		c.callback.saveReadState(&read.State{
			Index:      msg.Index,
			RequestCtx: msg.Context,
		})
	}
}

func (c *core) stepCandidate(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.MsgVoteResponse:
		c.handleVoteResponse(msg)

	// A candidate receiving an append or heartbeat from a leader
	// whose term is at least its own recognizes that leader and
	// returns to follower.
	case protocol.MsgAppendRequest:
		c.becomeFollower(msg.Term, msg.From)
		c.handleAppendEntries(msg)
	case protocol.MsgHeartbeatRequest:
		c.becomeFollower(msg.Term, msg.From)
		c.handleHeartbeat(msg)
	}
}

// handleVote grant iff this node has not voted for anyone else in
// the current term and the candidate's log is at least as
// up-to-date as the local one. Granting resets the election timer.
func (c *core) handleVote(msg *protocol.Message) {
	reply := protocol.Message{
		Kind:          protocol.MsgVoteResponse,
		To:            msg.From,
		CorrelationID: msg.CorrelationID,
	}

	canVote := c.vote == protocol.InvalidID || c.vote == msg.From
	if canVote && c.log.IsUpToDate(msg.LogIndex, msg.LogTerm) {
		c.vote = msg.From
		c.resetLease()
		reply.Reject = false

		log.Infof("%d [term: %d] grant vote to %d [logterm: %d, idx: %d]",
			c.id, c.term, msg.From, msg.LogTerm, msg.LogIndex)
	} else {
		reply.Reject = true

		log.Infof("%d [term: %d, vote: %d] reject vote to %d [logterm: %d, idx: %d]",
			c.id, c.term, c.vote, msg.From, msg.LogTerm, msg.LogIndex)
	}

	c.send(&reply)
}

func (c *core) handleVoteResponse(msg *protocol.Message) {
	p := c.getPeer(msg.From)
	if p == nil {
		return
	}

	if msg.Reject {
		log.Infof("%d received vote rejection from %d at term %d",
			c.id, msg.From, c.term)
	} else {
		log.Infof("%d received vote from %d at term %d",
			c.id, msg.From, c.term)
	}

	p.UpdateVoteState(msg.Reject)

	if c.voteStateCount(peer.VoteGranted) >= c.writeQuorum() {
		c.becomeLeader()
		c.broadcastVictory()
		return
	}

	// once enough members refused, this candidacy cannot win:
	// go back to follower and wait out a fresh timeout.
	rejects := c.voteStateCount(peer.VoteReject) - 1
	if rejects > c.clusterSize()-c.writeQuorum() {
		c.becomeFollower(c.term, protocol.InvalidID)
	}
}

// RPC:
// - AppendEntries(commitIndex, prevLogIndex, prevLogTerm, entries)
// - AppendEntriesReply(index, hint, reject)
func (c *core) handleAppendEntries(msg *protocol.Message) {
	c.leaderID = msg.From
	c.timeElapsed = 0

	reply := protocol.Message{
		Kind:          protocol.MsgAppendResponse,
		To:            msg.From,
		CorrelationID: msg.CorrelationID,
	}
	if c.log.CommitIndex() > msg.LogIndex {
		// expired batch: everything up to our commit is identical
		// on the leader already, answer as a successful append.
		log.Debugf("%d [term: %d, commit: %d] reply expired append entries "+
			"from %d [logterm: %d, idx: %d]", c.id, c.term, c.log.CommitIndex(),
			msg.From, msg.LogTerm, msg.LogIndex)
		reply.Index = c.log.CommitIndex()
		reply.Reject = false
	} else if idx, ok := c.log.TryAppend(msg.LogIndex, msg.LogTerm, msg.Entries); ok {
		log.Debugf("%d [term: %d, commit: %d] accept append entries "+
			"from %d [logterm: %d, idx: %d]", c.id, c.term, c.log.CommitIndex(),
			msg.From, msg.LogTerm, msg.LogIndex)

		if from := c.log.TruncatedFrom(); from != protocol.InvalidIndex {
			c.callback.truncated(from)
		}
		c.log.CommitTo(utils.MinUint64(msg.Index, idx))
		reply.Index = idx
		reply.Reject = false
	} else {
		log.Infof("%d [logterm: %d, commit: %d, last idx: %d] rejected append "+
			"[logterm: %d, idx: %d] from %d", c.id, c.log.Term(msg.LogIndex),
			c.log.CommitIndex(), c.log.LastIndex(), msg.LogTerm, msg.LogIndex, msg.From)
		reply.Index = msg.LogIndex
		reply.RejectHint = idx /* idx is hintIndex */
		reply.Reject = true
	}
	c.send(&reply)
}

func (c *core) handleAppendEntriesResponse(msg *protocol.Message) {
	p := c.getPeer(msg.From)
	if p == nil {
		return
	}

	if p.HandleAppendEntries(msg.Reject, msg.Index, msg.RejectHint) {
		c.poll(p.Matched)
		// committing may unblock replication to this follower.
		if !p.IsPaused() && c.log.LastIndex() >= p.NextIdx {
			c.sendAppend(p)
		}
	} else if msg.Reject && !p.IsPaused() {
		c.sendAppend(p)
	}
}

func (c *core) handleHeartbeat(msg *protocol.Message) {
	c.leaderID = msg.From
	c.timeElapsed = 0
	c.log.CommitTo(msg.Index)

	reply := protocol.Message{
		Kind:          protocol.MsgHeartbeatResponse,
		To:            msg.From,
		CorrelationID: msg.CorrelationID,
		Context:       msg.Context,
	}
	c.send(&reply)
}

func (c *core) handleHeartbeatResponse(msg *protocol.Message) {
	if len(msg.Context) == 0 {
		return
	}
	ackCount := c.readOnly.ReceiveAck(msg.From, msg.Context)
	if ackCount < c.readQuorum() {
		return
	}

	c.advanceReadOnly(msg.Context)
}

// handleReadIndexRequest serve a follower's read: capture the
// leader's commit index and confirm it with a heartbeat round.
func (c *core) handleReadIndexRequest(msg *protocol.Message) {
	utils.Assert(c.state.IsLeader(), "read index request reached non-leader")

	if c.log.Term(c.log.CommitIndex()) != c.term {
		// No entry committed in this term yet, the commit index is
		// not provably current. The follower will retry.
		return
	}

	c.readOnly.AddRequest(c.log.CommitIndex(), msg.From, msg.Context)
	if c.readQuorum() <= 1 {
		c.advanceReadOnly(msg.Context)
	} else {
		c.broadcastHeartbeatWithCtx(msg.Context)
	}
}

func (c *core) handleUnreachable(msg *protocol.Message) {
	p := c.getPeer(msg.From)
	if p == nil {
		return
	}

	p.HandleUnreachable()
	log.Infof("%d failed to send message to %d because it is unreachable",
		c.id, msg.From)
}

package core

import (
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/replica/engine/core/peer"
	"github.com/thinkermao/replica/engine/core/read"
	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/utils"
)

// send stamp the current term and deliver msg to the owner.
func (c *core) send(msg *protocol.Message) {
	msg.Term = c.term
	msg.From = c.id
	c.callback.send(msg)
}

func (c *core) resetRandomizedElectionTimeout() {
	previousTimeout := c.randomizedElectionTick
	c.randomizedElectionTick =
		c.electionTick + rand.Intn(c.electionTick)

	log.Debugf("%d reset randomized election timeout [%d => %d]",
		c.id, previousTimeout, c.randomizedElectionTick)
}

func (c *core) resetLease() {
	c.timeElapsed = 0
	c.resetRandomizedElectionTimeout()
}

func (c *core) reset(term uint64) {
	if c.term != term {
		c.term = term
		c.vote = protocol.InvalidID
	}
	c.leaderID = protocol.InvalidID
	c.resetLease()
	c.pendingConf = false
	c.readOnly.Reset()
}

func (c *core) becomeFollower(term, leaderID uint64) {
	c.reset(term)
	c.leaderID = leaderID
	c.state = RoleFollower

	if leaderID != protocol.InvalidID {
		log.Debugf("%d become %d's follower at %d", c.id, leaderID, c.term)
	} else {
		log.Debugf("%d become follower at %d, without leader", c.id, c.term)
	}
}

func (c *core) becomeCandidate() {
	utils.Assert(c.state != RoleLeader,
		"%d invalid transition [Leader => Candidate]", c.id)

	c.reset(c.term + 1)
	c.vote = c.id
	c.state = RoleCandidate

	c.resetPeersVoteState()

	log.Debugf("%d become candidate at %d", c.id, c.term)
}

func (c *core) becomeLeader() {
	utils.Assert(c.state == RoleCandidate,
		"%d invalid transition [%v => Leader]", c.id, c.state)

	c.reset(c.term)
	c.vote = c.id
	c.leaderID = c.id
	c.state = RoleLeader

	num := c.numOfPendingConf()
	if num > 1 {
		log.Panicf("%d unexpected multiple uncommitted config entries", c.id)
	}
	c.pendingConf = num == 1

	log.Infof("%d become leader at %d [firstIdx: %d, lastIdx: %d]",
		c.id, c.term, c.log.FirstIndex(), c.log.LastIndex())
}

// campaign start a new election: bump the term, vote for self and
// ask everyone else. A cluster whose write quorum is satisfied by
// the candidate alone elects immediately.
func (c *core) campaign() {
	c.becomeCandidate()

	if c.voteStateCount(peer.VoteGranted) >= c.writeQuorum() {
		c.becomeLeader()
		c.broadcastVictory()
		return
	}

	msg := protocol.Message{
		Kind:     protocol.MsgVoteRequest,
		LogIndex: c.log.LastIndex(),
		LogTerm:  c.log.LastTerm(),
	}
	c.sendToPeers(&msg)
}

func (c *core) sendToPeers(msg *protocol.Message) {
	for _, p := range c.peers {
		m := *msg
		m.To = p.ID

		log.Debugf("%d [term: %d, index: %d] send %v request to %d",
			c.id, c.term, c.log.LastIndex(), m.Kind, m.To)
		c.send(&m)
	}
}

func (c *core) clusterSize() int {
	return len(c.peers) + 1
}

func (c *core) writeQuorum() int {
	return c.strategy.Write(c.clusterSize())
}

func (c *core) readQuorum() int {
	return c.strategy.Read(c.clusterSize())
}

// poll commit all it can: the largest idx replicated on a write
// quorum, counting the leader itself, whose entry carries the
// current term. Entries from prior terms commit only transitively.
func (c *core) poll(idx uint64) {
	if idx <= c.log.CommitIndex() || c.log.Term(idx) != c.term {
		/* maybe committed, or old term's log entry */
		return
	}
	count := 1
	for _, p := range c.peers {
		if p.Matched >= idx {
			count++
		}
	}

	if count >= c.writeQuorum() {
		c.log.CommitTo(idx)
	}
}

func (c *core) getPeer(id uint64) *peer.Progress {
	for _, p := range c.peers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// broadcastVictory establish the new leadership: append a no-op
// entry so prior-term entries can commit, reset every follower's
// progress and replicate at once.
func (c *core) broadcastVictory() {
	entry := protocol.Entry{
		Type:  protocol.EntryNoOp,
		Index: c.nextIndex(),
		Term:  c.term,
	}
	c.log.Append([]protocol.Entry{entry})

	c.resetPeersProgress()

	log.Debugf("%d [term: %d] begin broadcast self's victory", c.id, c.term)

	c.broadcastAppend()
}

// reject answer a stale-term request so its sender steps down.
func (c *core) reject(msg *protocol.Message) {
	var kind protocol.MessageKind
	switch msg.Kind {
	case protocol.MsgAppendRequest:
		kind = protocol.MsgAppendResponse
	case protocol.MsgHeartbeatRequest:
		kind = protocol.MsgHeartbeatResponse
	case protocol.MsgVoteRequest:
		kind = protocol.MsgVoteResponse
	default:
		return
	}

	m := protocol.Message{
		Kind:          kind,
		To:            msg.From,
		CorrelationID: msg.CorrelationID,
		Reject:        true,
	}

	c.send(&m)
}

func (c *core) applyEntries() {
	entries := c.log.ApplyEntries()
	for i := 0; i < len(entries); i++ {
		c.callback.applyEntry(&entries[i])
	}
}

func (c *core) resetPeersVoteState() {
	for _, p := range c.peers {
		p.ResetVoteState()
	}
}

func (c *core) resetPeersProgress() {
	// A fresh leader assumes nothing: every follower starts in
	// probe state with nextIndex just past the leader's log.
	nextIndex := c.nextIndex()
	for _, p := range c.peers {
		p.ToProbe(nextIndex)
	}
}

func (c *core) nextIndex() uint64 {
	return c.log.LastIndex() + 1
}

func (c *core) voteStateCount(state peer.VoteState) int {
	/* self votes for self */
	var count = 1
	for _, p := range c.peers {
		if p.Vote == state {
			count++
		}
	}
	return count
}

func (c *core) numOfPendingConf() int {
	var num int
	entries := c.log.Slice(c.log.CommitIndex()+1, c.log.LastIndex()+1)
	for i := 0; i < len(entries); i++ {
		if entries[i].Type == protocol.EntryConfChange {
			num++
		}
	}
	return num
}

func (c *core) addMember(id uint64) {
	c.pendingConf = false

	// Ignore redundant adds: bootstrapping entries can be applied
	// twice after a restart.
	if c.getPeer(id) != nil || c.id == id {
		return
	}
	c.peers = append(c.peers, peer.MakeProgress(c.id, id, c.log.LastIndex()+1))
}

func (c *core) removeMember(id uint64) {
	c.pendingConf = false

	for i, p := range c.peers {
		if p.ID != id {
			continue
		}
		c.peers = append(c.peers[:i], c.peers[i+1:]...)
		return
	}
}

// broadcastHeartbeatWithCtx run one read-index confirmation round.
func (c *core) broadcastHeartbeatWithCtx(context []byte) {
	for _, p := range c.peers {
		c.sendHeartbeat(p, context)
	}
}

func (c *core) sendHeartbeat(p *peer.Progress, context []byte) {
	// Attach the commit as min(matched, commitIndex): the follower
	// may not hold all committed entries yet, and forwarding its
	// commit past its own log would break log matching.
	msg := protocol.Message{
		Kind:    protocol.MsgHeartbeatRequest,
		To:      p.ID,
		Index:   utils.MinUint64(p.Matched, c.log.CommitIndex()),
		Context: context,
	}

	c.send(&msg)
}

// broadcastAppend replicate to every follower that is not paused.
func (c *core) broadcastAppend() {
	for _, p := range c.peers {
		if p.IsPaused() {
			continue
		}
		c.sendAppend(p)
	}
}

func (c *core) sendAppend(p *peer.Progress) {
	firstIndex := c.log.FirstIndex()
	if p.NextIdx < firstIndex {
		// the follower fell behind a compaction point; restart it
		// from the first retained entry. Compaction never passes
		// min(matchIndex), so this only happens to a follower that
		// has been re-added.
		log.Infof("%d peer %d next %d below first %d, resend from first",
			c.id, p.ID, p.NextIdx, firstIndex)
		p.ToProbe(firstIndex)
	}

	msg := protocol.Message{
		Kind:     protocol.MsgAppendRequest,
		To:       p.ID,
		Index:    c.log.CommitIndex(),
		LogIndex: p.NextIdx - 1,
	}
	msg.LogTerm = c.log.Term(msg.LogIndex)

	if c.log.LastIndex() >= p.NextIdx {
		entries := c.log.Slice(p.NextIdx, c.log.LastIndex()+1)
		/* cap message with max size */
		var size uint
		for i := 0; i < len(entries); i++ {
			size += uint(16 + len(entries[i].Data))
			if c.maxSizePerMsg != 0 && size > c.maxSizePerMsg && i > 0 {
				entries = entries[:i]
				break
			}
		}
		msg.Entries = make([]protocol.Entry, len(entries))
		copy(msg.Entries, entries)
	}

	log.Debugf("%d [term: %d] send append [idx: %d, term: %d, n: %d] "+
		"to peer: %d [matched: %d, next: %d]",
		c.id, c.term, msg.LogIndex, msg.LogTerm, len(msg.Entries),
		p.ID, p.Matched, p.NextIdx)

	if len(msg.Entries) != 0 {
		p.SendEntries(msg.Entries)
	}
	c.send(&msg)
}

func (c *core) advanceReadOnly(context []byte) {
	for _, rs := range c.readOnly.Advance(context) {
		if rs.To == c.id {
			log.Debugf("%d [term: %d] save read state: %d",
				c.id, c.term, rs.Index)

			c.callback.saveReadState(&read.State{
				Index:      rs.Index,
				RequestCtx: rs.Context,
			})
		} else {
			log.Debugf("%d [term: %d] redirect read index %d to %d",
				c.id, c.term, rs.Index, rs.To)

			redirect := protocol.Message{
				Kind:    protocol.MsgReadIndexResponse,
				To:      rs.To,
				Index:   rs.Index,
				Context: rs.Context,
			}
			c.send(&redirect)
		}
	}
}

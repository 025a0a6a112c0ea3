package peer

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/utils"
)

// VoteState record a member's answer in the current election.
type VoteState int

const (
	VoteNone VoteState = iota
	VoteReject
	VoteGranted
)

// Replication flow control per follower.
//
// In progressStateProbe the leader sends at most one replication
// message per heartbeat interval while it discovers the follower's
// actual log position.
//
// In progressStateReplicate the leader optimistically advances
// NextIdx past every batch it sends, bounded by the in-flight
// window, and falls back to probe on rejection or unreachability.
type progressState int

const (
	progressStateProbe progressState = iota
	progressStateReplicate
)

var progressStateString = []string{
	"Probe",
	"Replicate",
}

func (state progressState) String() string {
	return progressStateString[state]
}

// Progress is the leader's view of one other cluster member: its
// vote in the running election and how far its log matches ours.
// Created when leadership is won, discarded when it is lost.
type Progress struct {
	belongID uint64

	// member id
	ID uint64

	// answer in the current election
	Vote VoteState

	// highest index known present in the follower's log
	Matched uint64

	// next entry index to send
	NextIdx uint64

	state progressState

	// paused is used in progressStateProbe: while true the leader
	// holds replication to this member until the probe answers.
	paused bool

	// ins is a sliding window of in-flight replication batches,
	// keyed by the last index of each batch. When full, no more
	// batches are sent until an acknowledgement frees room.
	ins inFlights
}

// MakeProgress create the replication state for one remote member.
func MakeProgress(belong, id, nextIdx uint64) *Progress {
	const inFlightWindow uint = 10
	return &Progress{
		belongID: belong,
		ID:       id,
		Vote:     VoteNone,
		Matched:  protocol.InvalidIndex,
		NextIdx:  nextIdx,
		state:    progressStateProbe,
		ins:      makeInFlights(inFlightWindow),
	}
}

// HandleUnreachable trigger unreachable event: a message to this
// member was probably lost, so stop being optimistic.
func (p *Progress) HandleUnreachable() {
	switch p.state {
	case progressStateReplicate:
		p.NextIdx = p.Matched + 1
		p.becomeProbe()
	case progressStateProbe:
		p.resume()
	}
}

// HandleAppendEntries trigger append response event. On success,
// index is the follower's last matching log index. On reject, index
// echoes the request's consistency point and hintIdx is the
// follower's guess of the last index both logs agree on. It reports
// whether Matched advanced.
func (p *Progress) HandleAppendEntries(reject bool, index, hintIdx uint64) bool {
	switch p.state {
	case progressStateReplicate:
		if reject {
			p.NextIdx = p.Matched + 1
			p.becomeProbe()
			return false
		} else if p.Matched < index {
			p.ins.freeTo(index)
			p.Matched = index

			if p.NextIdx <= p.Matched {
				p.NextIdx = p.Matched + 1
			}
			return true
		}
	case progressStateProbe:
		if !reject {
			if index < p.Matched {
				log.Debugf("%d peer: %d [next: %d] ignore staled append response: %d",
					p.belongID, p.ID, p.NextIdx, index)
				return false
			}

			p.Matched = index
			p.NextIdx = p.Matched + 1
			p.becomeReplicate()
			return true
		}

		// the rejection must be stale if "rejected" does not match next - 1
		if p.NextIdx == 0 || p.NextIdx-1 != index {
			log.Debugf("%d peer: %d [next: %d] ignore staled rejection: %d",
				p.belongID, p.ID, p.NextIdx, index)
			return false
		}
		p.NextIdx = utils.MinUint64(index, hintIdx+1)
		if p.NextIdx <= protocol.InvalidIndex {
			p.NextIdx = protocol.InvalidIndex + 1
		}
		log.Debugf("%d peer: %d update next index: %d",
			p.belongID, p.ID, p.NextIdx)

		p.resume()
	}
	return false
}

// UpdateVoteState record the member's vote answer.
func (p *Progress) UpdateVoteState(reject bool) {
	if reject {
		p.Vote = VoteReject
	} else {
		p.Vote = VoteGranted
	}
}

// ResetVoteState clear the vote for a fresh election.
func (p *Progress) ResetVoteState() {
	p.Vote = VoteNone
}

// SendEntries account for a batch about to be sent.
func (p *Progress) SendEntries(entries []protocol.Entry) {
	switch p.state {
	case progressStateProbe:
		p.pause()
	case progressStateReplicate:
		if len(entries) != 0 {
			// optimistically increase next while replicating
			lastIndex := entries[len(entries)-1].Index
			p.NextIdx = lastIndex + 1
			p.ins.add(lastIndex)
		}
	default:
		log.Panicf("%x is sending append in unhandled state %s", p.ID, p.state)
	}
}

// IsPaused test whether replication to this member is held back.
func (p *Progress) IsPaused() bool {
	switch p.state {
	case progressStateProbe:
		return p.paused
	case progressStateReplicate:
		return p.ins.full()
	default:
		panic("unreachable")
	}
}

// ToProbe reset the progress for a fresh leadership.
func (p *Progress) ToProbe(nextIdx uint64) {
	p.Matched = protocol.InvalidIndex
	p.NextIdx = nextIdx
	p.becomeProbe()
}

func (p *Progress) resume() {
	p.paused = false
}

func (p *Progress) pause() {
	p.paused = true
}

func (p *Progress) becomeProbe() {
	origin := p.state
	p.paused = false
	p.state = progressStateProbe

	log.Debugf("%d peer: %d from %v => %v", p.belongID, p.ID, origin, p.state)
}

func (p *Progress) becomeReplicate() {
	origin := p.state
	p.ins.reset()
	p.state = progressStateReplicate

	log.Debugf("%d peer: %d from %v => %v", p.belongID, p.ID, origin, p.state)
}

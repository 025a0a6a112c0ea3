// Package event publishes engine lifecycle and consensus events to
// external subscribers.
package event

import "fmt"

// Kind tags an Event.
type Kind int

const (
	Started Kind = iota
	Stopped
	RoleChanged
	TermChanged
	LeaderChanged
	EntryCommitted
	MembershipChanged

	numKinds
)

var kindStr = []string{
	"Started",
	"Stopped",
	"RoleChanged",
	"TermChanged",
	"LeaderChanged",
	"EntryCommitted",
	"MembershipChanged",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindStr) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindStr[int(k)]
}

// Event is a single published occurrence. NodeID and Term are always
// set; the remaining fields depend on Kind:
//
//	RoleChanged:       Role is the new role.
//	LeaderChanged:     LeaderID is the newly observed leader.
//	EntryCommitted:    Index is the applied entry's index.
//	MembershipChanged: Members is the new cluster view.
type Event struct {
	Kind     Kind
	NodeID   uint64
	Term     uint64
	Role     string
	LeaderID uint64
	Index    uint64
	Members  []uint64
}

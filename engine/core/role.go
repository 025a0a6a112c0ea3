package core

// Role is the node's place in the election protocol. Exactly one
// role at a time; cluster-wide at most one leader per term.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

var roleString = []string{
	"Follower",
	"Candidate",
	"Leader",
}

func (role Role) String() string {
	return roleString[role]
}

func (role Role) IsLeader() bool {
	return role == RoleLeader
}

func (role Role) IsCandidate() bool {
	return role == RoleCandidate
}

func (role Role) IsFollower() bool {
	return role == RoleFollower
}

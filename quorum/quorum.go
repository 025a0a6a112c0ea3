// Package quorum holds the policy objects deciding how many
// acknowledgements an operation needs before it counts.
package quorum

// Strategy answers, for a cluster of the given voting size, how many
// affirmative members a write or a read requires. Implementations must
// be pure: same size in, same answer out, no internal state.
type Strategy interface {
	// Write returns the number of members, counting the leader
	// itself, whose acknowledgement commits an entry or wins an
	// election.
	Write(clusterSize int) int

	// Read returns the number of members, counting the leader
	// itself, whose acknowledgement confirms a read index.
	Read(clusterSize int) int
}

// Majority is the default strategy: strict majority for both
// operation classes.
type Majority struct{}

func (Majority) Write(clusterSize int) int {
	return clusterSize/2 + 1
}

func (Majority) Read(clusterSize int) int {
	return clusterSize/2 + 1
}

// Fixed overrides quorum sizes with static counts, clamped to
// [1, clusterSize]. A zero field falls back to strict majority,
// so Fixed{W: 1} relaxes writes while keeping majority reads.
type Fixed struct {
	W int
	R int
}

func (f Fixed) Write(clusterSize int) int {
	return clamp(f.W, clusterSize)
}

func (f Fixed) Read(clusterSize int) int {
	return clamp(f.R, clusterSize)
}

func clamp(n, clusterSize int) int {
	if n <= 0 {
		return clusterSize/2 + 1
	}
	if n > clusterSize {
		return clusterSize
	}
	return n
}

// Package read tracks pending read-index requests: quorum reads
// confirm leadership with a heartbeat round before the commit index
// they captured may serve the read.
package read

// State is a confirmed read: once the node has applied entries up to
// Index, the request identified by RequestCtx may be served.
type State struct {
	Index      uint64
	RequestCtx []byte
}

// indexStatus is one pending read-index round.
type indexStatus struct {
	index   uint64
	to      uint64
	context []byte
	acks    map[uint64]struct{}
}

// Status is a resolved pending request to be answered: locally when
// To is the node itself, by redirect otherwise.
type Status struct {
	Index   uint64
	To      uint64
	Context []byte
}

// ReadOnly queues read-index rounds in arrival order. Confirming a
// later round confirms every earlier one, because the heartbeat that
// acked it proves leadership for them all.
type ReadOnly struct {
	pendingReadIndex map[string]*indexStatus
	readIndexQueue   []string
}

// MakeReadOnly return an empty queue.
func MakeReadOnly() *ReadOnly {
	return &ReadOnly{
		pendingReadIndex: make(map[string]*indexStatus),
	}
}

// AddRequest enqueue a read on behalf of member to, captured at the
// given commit index. context must be unique per request; duplicates
// are ignored.
func (ro *ReadOnly) AddRequest(index uint64, to uint64, context []byte) {
	ctx := string(context)
	if _, ok := ro.pendingReadIndex[ctx]; ok {
		return
	}
	ro.pendingReadIndex[ctx] = &indexStatus{
		index:   index,
		to:      to,
		context: context,
		acks:    make(map[uint64]struct{}),
	}
	ro.readIndexQueue = append(ro.readIndexQueue, ctx)
}

// ReceiveAck record a heartbeat response carrying context and return
// the ack count including the local node.
func (ro *ReadOnly) ReceiveAck(from uint64, context []byte) int {
	rs, ok := ro.pendingReadIndex[string(context)]
	if !ok {
		return 0
	}

	rs.acks[from] = struct{}{}
	// add one to include an ack from local node
	return len(rs.acks) + 1
}

// Advance dequeue every round up to and including the one matching
// context, returning them in arrival order. Unknown contexts leave
// the queue untouched.
func (ro *ReadOnly) Advance(context []byte) []Status {
	ctx := string(context)

	var i int
	var found bool
	for ; i < len(ro.readIndexQueue); i++ {
		if ro.readIndexQueue[i] == ctx {
			found = true
			i++
			break
		}
	}
	if !found {
		return nil
	}

	resolved := make([]Status, 0, i)
	for _, okctx := range ro.readIndexQueue[:i] {
		rs, ok := ro.pendingReadIndex[okctx]
		if !ok {
			panic("cannot find corresponding read state from pending map")
		}
		resolved = append(resolved, Status{
			Index:   rs.index,
			To:      rs.to,
			Context: rs.context,
		})
		delete(ro.pendingReadIndex, okctx)
	}
	ro.readIndexQueue = ro.readIndexQueue[i:]
	return resolved
}

// Pending return the number of unconfirmed rounds.
func (ro *ReadOnly) Pending() int {
	return len(ro.readIndexQueue)
}

// Reset drop every pending round, used on role change.
func (ro *ReadOnly) Reset() {
	ro.pendingReadIndex = make(map[string]*indexStatus)
	ro.readIndexQueue = nil
}

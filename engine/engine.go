// Package engine hosts the replicated state machine service: it owns
// a consensus node, drains its Ready batches into durable storage and
// the user state machine, schedules its clock, and carries client
// commands and reads from any member to the leader.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/replica/engine/core"
	"github.com/thinkermao/replica/engine/core/read"
	"github.com/thinkermao/replica/event"
	"github.com/thinkermao/replica/protocol"
	"github.com/thinkermao/replica/storage"
)

// Deps are the engine's injected collaborators. Log, Transport and
// Machine are required; nil strategies pick the defaults.
type Deps struct {
	Log       storage.Log
	Transport Transport
	Machine   StateMachine

	Correlation CorrelationStrategy
	Timer       TimerStrategy
}

// pendingWrite is a client command awaiting commitment, keyed by its
// log index. The recorded term detects the index being taken over by
// another leader's entry.
type pendingWrite struct {
	term uint64
	fut  *future
}

// pendingRead is a strict read awaiting its read index confirmation
// and the apply marker passing it.
type pendingRead struct {
	query     []byte
	index     uint64
	confirmed bool
	fut       *future
}

// Engine is the thread-safe consensus service. Every consensus
// transition is serialized under mutex; readyMu orders the Ready
// pipelines so persistence and apply stay in index order.
type Engine struct {
	mutex   sync.Mutex
	readyMu sync.Mutex

	id   uint64
	cfg  *Config
	node core.Node

	store       storage.Log
	transport   Transport
	machine     StateMachine
	notifier    *event.Notifier
	correlation CorrelationStrategy
	timer       TimerStrategy

	stopped    bool
	cancelTick func()
	inflight   sync.WaitGroup
	lastTick   time.Time

	lastApplied uint64
	writes      map[uint64]*pendingWrite
	reads       map[string]*pendingRead

	prevRole   core.Role
	prevTerm   uint64
	prevLeader uint64
	members    []uint64
}

// New build an engine from cfg and its collaborators, restoring the
// consensus state from deps.Log. The engine does not participate
// until Start.
func New(cfg *Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Log == nil || deps.Transport == nil || deps.Machine == nil {
		return nil, fmt.Errorf("engine: log, transport and machine are required")
	}
	if deps.Correlation == nil {
		deps.Correlation = UUIDCorrelation{}
	}
	if deps.Timer == nil {
		deps.Timer = TickerTimer{}
	}

	state := deps.Log.State()
	entries, err := restoreEntries(deps.Log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:          cfg.ID,
		cfg:         cfg,
		store:       deps.Log,
		transport:   deps.Transport,
		machine:     deps.Machine,
		notifier:    event.MakeNotifier(cfg.ID),
		correlation: deps.Correlation,
		timer:       deps.Timer,
		writes:      make(map[uint64]*pendingWrite),
		reads:       make(map[string]*pendingRead),
		prevRole:    core.RoleFollower,
		prevTerm:    state.Term,
		prevLeader:  protocol.InvalidID,
	}
	if len(entries) > 0 {
		e.lastApplied = entries[0].Index
	}

	e.node = core.MakeNode(&core.Config{
		ID:            cfg.ID,
		Term:          state.Term,
		Vote:          state.Vote,
		ElectionTick:  cfg.ElectionTimeoutMs,
		HeartbeatTick: cfg.HeartbeatIntervalMs,
		MaxSizePerMsg: cfg.MaxSizePerMsg,
		Members:       cfg.Members,
		Entries:       entries,
		Strategy:      cfg.strategy(),
	})
	e.members = e.node.Members()

	return e, nil
}

// restoreEntries load the retained log window. The consensus log
// window always begins with the last compacted (and therefore
// applied) position; a never-compacted store gets a synthetic one.
func restoreEntries(store storage.Log) ([]protocol.Entry, error) {
	if store.LastIndex() < store.FirstIndex() {
		return nil, nil
	}
	stored, err := store.Entries(store.FirstIndex(), store.LastIndex()+1)
	if err != nil {
		return nil, fmt.Errorf("engine: restore log: %w", err)
	}
	if store.FirstIndex() == protocol.InvalidIndex+1 {
		dummy := protocol.Entry{Index: protocol.InvalidIndex, Term: protocol.InvalidTerm}
		return append([]protocol.Entry{dummy}, stored...), nil
	}
	return stored, nil
}

// Start arm the periodic clock and begin participating as follower.
func (e *Engine) Start() {
	e.mutex.Lock()
	if e.stopped || e.cancelTick != nil {
		e.mutex.Unlock()
		return
	}
	e.lastTick = time.Now()
	interval := time.Duration(e.cfg.tickIntervalMs()) * time.Millisecond
	e.cancelTick = e.timer.Schedule(interval, e.tick)
	term := e.prevTerm
	e.mutex.Unlock()

	log.Infof("%d engine started [members: %v]", e.id, e.cfg.Members)
	e.notifier.Publish(event.Event{Kind: event.Started, Term: term})
}

// Stop cancel the clock, fail every pending operation with ErrStopped
// and drain in-flight RPC goroutines. Idempotent.
func (e *Engine) Stop() {
	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancelTick
	e.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	e.inflight.Wait()

	e.mutex.Lock()
	writes, reads := e.writes, e.reads
	e.writes = make(map[uint64]*pendingWrite)
	e.reads = make(map[string]*pendingRead)
	term := e.prevTerm
	e.mutex.Unlock()

	for _, w := range writes {
		w.fut.complete(nil, ErrStopped)
	}
	for _, r := range reads {
		r.fut.complete(nil, ErrStopped)
	}

	// A pipeline that slipped past the stopped check finishes under
	// readyMu before the store closes.
	e.readyMu.Lock()
	err := e.store.Close()
	e.readyMu.Unlock()
	if err != nil {
		log.Infof("%d close storage: %v", e.id, err)
	}

	log.Infof("%d engine stopped", e.id)
	e.notifier.Publish(event.Event{Kind: event.Stopped, Term: term})
	e.notifier.Close()
}

// Submit replicate command and return the state machine's result once
// it applied. On a follower the command is forwarded to the known
// leader; without one the caller gets a NotLeaderError to retry
// elsewhere.
func (e *Engine) Submit(ctx context.Context, command []byte) ([]byte, error) {
	value, err := e.submitLocal(ctx, command)

	var notLeader *NotLeaderError
	if errors.As(err, &notLeader) &&
		notLeader.LeaderID != protocol.InvalidID && notLeader.LeaderID != e.id {
		return e.forward(ctx, notLeader.LeaderID, command)
	}
	return value, err
}

func (e *Engine) submitLocal(ctx context.Context, command []byte) ([]byte, error) {
	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return nil, ErrStopped
	}

	index, term, isLeader := e.node.Propose(command)
	if !isLeader {
		leaderID := e.node.ReadSoftState().LeaderID
		e.mutex.Unlock()
		return nil, &NotLeaderError{LeaderID: leaderID}
	}

	fut := makeFuture()
	e.writes[index] = &pendingWrite{term: term, fut: fut}
	e.mutex.Unlock()

	e.handleReady()

	value, err := fut.wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, &NoQuorumError{Op: "write"}
	}
	return value, err
}

func (e *Engine) forward(ctx context.Context, leaderID uint64, command []byte) ([]byte, error) {
	msg := &protocol.Message{
		Kind:          protocol.MsgClientCommand,
		CorrelationID: e.correlation.NextID(),
		From:          e.id,
		To:            leaderID,
		Data:          command,
	}

	log.Debugf("%d forward command to leader %d [id: %s]",
		e.id, leaderID, msg.CorrelationID)

	resp, err := e.transport.Send(ctx, leaderID, msg)
	if err != nil {
		return nil, fmt.Errorf("forward to %d: %w", leaderID, ErrRPCTimeout)
	}
	if resp == nil {
		return nil, fmt.Errorf("forward to %d: %w", leaderID, ErrRPCTimeout)
	}
	if resp.Reject {
		return nil, &NotLeaderError{LeaderID: resp.Index}
	}
	if resp.ErrorText != "" {
		return nil, errors.New(resp.ErrorText)
	}
	return resp.Data, nil
}

// Query serve a read. With RequireReadQuorum the read-index protocol
// confirms leadership against a read quorum and waits for the apply
// marker to pass the read index; without it the leader answers
// immediately from local state.
func (e *Engine) Query(ctx context.Context, query []byte) ([]byte, error) {
	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return nil, ErrStopped
	}

	if !e.cfg.RequireReadQuorum {
		_, isLeader := e.node.ReadStatus()
		leaderID := e.node.ReadSoftState().LeaderID
		e.mutex.Unlock()
		if !isLeader {
			return nil, &NotLeaderError{LeaderID: leaderID}
		}
		return e.machine.Query(query)
	}

	ctxID := e.correlation.NextID()
	if !e.node.Read([]byte(ctxID)) {
		_, isLeader := e.node.ReadStatus()
		leaderID := e.node.ReadSoftState().LeaderID
		e.mutex.Unlock()
		if isLeader {
			// nothing committed in this term yet, the commit index is
			// not provably current. The caller retries.
			return nil, &NoQuorumError{Op: "read"}
		}
		return nil, &NotLeaderError{LeaderID: leaderID}
	}

	fut := makeFuture()
	e.reads[ctxID] = &pendingRead{query: query, fut: fut}
	e.mutex.Unlock()

	e.handleReady()

	value, err := fut.wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, &NoQuorumError{Op: "read"}
	}
	return value, err
}

// AddMember propose adding id to the cluster, returning once the
// configuration entry committed.
func (e *Engine) AddMember(ctx context.Context, id uint64) error {
	return e.changeMembership(ctx, protocol.ConfChangeAddMember, id)
}

// RemoveMember propose removing id from the cluster.
func (e *Engine) RemoveMember(ctx context.Context, id uint64) error {
	return e.changeMembership(ctx, protocol.ConfChangeRemoveMember, id)
}

func (e *Engine) changeMembership(ctx context.Context,
	kind protocol.ConfChangeType, id uint64) error {
	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return ErrStopped
	}
	if _, isLeader := e.node.ReadStatus(); !isLeader {
		leaderID := e.node.ReadSoftState().LeaderID
		e.mutex.Unlock()
		return &NotLeaderError{LeaderID: leaderID}
	}

	cc := &protocol.ConfChange{ChangeType: kind, MemberID: id}
	index, term, ok := e.node.ProposeConfChange(cc)
	if !ok {
		e.mutex.Unlock()
		return ErrConfChangePending
	}

	fut := makeFuture()
	e.writes[index] = &pendingWrite{term: term, fut: fut}
	e.mutex.Unlock()

	e.handleReady()

	_, err := fut.wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return &NoQuorumError{Op: "membership change"}
	}
	return err
}

// HandleRPC is the transport's entry point for inbound messages. The
// returned message is the direct reply, nil for one-way kinds. The
// reply is released only after the step's effects are durable.
func (e *Engine) HandleRPC(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if msg.Kind == protocol.MsgClientCommand {
		return e.handleClientCommand(ctx, msg)
	}

	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return nil, ErrStopped
	}
	e.node.Step(msg)
	resp := e.node.TakeResponse(msg.From, msg.CorrelationID)
	e.mutex.Unlock()

	e.handleReady()
	return resp, nil
}

func (e *Engine) handleClientCommand(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	reply := &protocol.Message{
		Kind:          protocol.MsgClientResult,
		CorrelationID: msg.CorrelationID,
		From:          e.id,
		To:            msg.From,
	}

	value, err := e.submitLocal(ctx, msg.Data)
	var notLeader *NotLeaderError
	switch {
	case err == nil:
		reply.Data = value
	case errors.As(err, &notLeader):
		reply.Reject = true
		reply.Index = notLeader.LeaderID
	default:
		reply.ErrorText = err.Error()
	}
	return reply, nil
}

// ID return the local member id.
func (e *Engine) ID() uint64 {
	return e.id
}

// Status return the current term and leadership.
func (e *Engine) Status() (term uint64, isLeader bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.node.ReadStatus()
}

// LeaderID return the last known leader, InvalidID when unknown.
func (e *Engine) LeaderID() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.node.ReadSoftState().LeaderID
}

// Members return the current cluster view.
func (e *Engine) Members() []uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	members := make([]uint64, len(e.members))
	copy(members, e.members)
	return members
}

// Events return the engine's notifier for subscriptions.
func (e *Engine) Events() *event.Notifier {
	return e.notifier
}

func (e *Engine) tick(now time.Time) {
	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return
	}
	elapsed := int(now.Sub(e.lastTick).Milliseconds())
	e.lastTick = now
	if elapsed > 0 {
		e.node.Periodic(elapsed)
	}
	e.mutex.Unlock()

	e.handleReady()
}

// handleReady drain one Ready batch through the fixed pipeline:
// persist, apply, observe transitions, release reads, compact, send.
func (e *Engine) handleReady() {
	e.readyMu.Lock()
	defer e.readyMu.Unlock()

	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return
	}
	ready := e.node.Ready()
	e.mutex.Unlock()

	e.persist(&ready)
	e.applyCommitted(ready.CommitEntries)
	e.observe(&ready)
	e.admitReads(ready.ReadStates)
	e.releaseReads()
	e.compact()
	e.dispatch(ready.Messages)
}

// persist make the step's effects durable before any message leaves
// the node. Durable storage failing is fatal to this node.
func (e *Engine) persist(ready *core.Ready) {
	dirty := false
	if ready.TruncatedFrom != protocol.InvalidIndex {
		if err := e.store.TruncateFrom(ready.TruncatedFrom); err != nil {
			log.Panicf("%d truncate storage from %d: %v", e.id, ready.TruncatedFrom, err)
		}
		dirty = true
	}
	if len(ready.Entries) > 0 {
		if err := e.store.Append(ready.Entries); err != nil {
			log.Panicf("%d append %d entries: %v", e.id, len(ready.Entries), err)
		}
		dirty = true
	}
	if ready.HS != nil {
		if err := e.store.SaveState(ready.HS); err != nil {
			log.Panicf("%d save hard state: %v", e.id, err)
		}
		dirty = true
	}
	if dirty {
		if err := e.store.Sync(); err != nil {
			log.Panicf("%d sync storage: %v", e.id, err)
		}
	}
}

func (e *Engine) applyCommitted(entries []protocol.Entry) {
	for i := range entries {
		entry := &entries[i]

		var value []byte
		var err error
		switch entry.Type {
		case protocol.EntryNormal:
			value, err = e.machine.Apply(entry.Index, entry.Data)
		case protocol.EntryNoOp:
			// no machine effect, still advances the applied marker
		case protocol.EntryConfChange:
			e.applyConfChange(entry)
		}

		e.mutex.Lock()
		e.lastApplied = entry.Index
		pending := e.writes[entry.Index]
		delete(e.writes, entry.Index)
		term := e.prevTerm
		e.mutex.Unlock()

		if pending != nil {
			if pending.term == entry.Term {
				pending.fut.complete(value, err)
			} else {
				// the index was taken over by another leader's entry
				pending.fut.complete(nil, &NotLeaderError{LeaderID: protocol.InvalidID})
			}
		}

		e.notifier.Publish(event.Event{
			Kind:  event.EntryCommitted,
			Term:  term,
			Index: entry.Index,
		})
	}
}

func (e *Engine) applyConfChange(entry *protocol.Entry) {
	cc := protocol.ConfChange{}
	protocol.MustUnmarshal(&cc, entry.Data)

	e.mutex.Lock()
	members := e.node.ApplyConfChange(&cc)
	e.members = members
	term := e.prevTerm
	e.mutex.Unlock()

	log.Infof("%d applied %v of %d [members: %v]",
		e.id, cc.ChangeType, cc.MemberID, members)

	e.notifier.Publish(event.Event{
		Kind:    event.MembershipChanged,
		Term:    term,
		Members: members,
	})
}

// observe diff the node's soft and hard state against the previous
// Ready, emitting transition events and failing pendings that lost
// their leader.
func (e *Engine) observe(ready *core.Ready) {
	ss := ready.SS

	e.mutex.Lock()
	roleChanged := ss.State != e.prevRole
	lostLeadership := roleChanged && e.prevRole.IsLeader()
	leaderChanged := ss.LeaderID != e.prevLeader && ss.LeaderID != protocol.InvalidID
	termChanged := ready.HS != nil && ready.HS.Term != e.prevTerm
	if termChanged {
		e.prevTerm = ready.HS.Term
	}
	term := e.prevTerm
	e.prevRole = ss.State
	e.prevLeader = ss.LeaderID

	var writes map[uint64]*pendingWrite
	var reads map[string]*pendingRead
	if lostLeadership {
		writes, reads = e.writes, e.reads
		e.writes = make(map[uint64]*pendingWrite)
		e.reads = make(map[string]*pendingRead)
	}
	e.mutex.Unlock()

	for _, w := range writes {
		w.fut.complete(nil, &NotLeaderError{LeaderID: ss.LeaderID})
	}
	for _, r := range reads {
		r.fut.complete(nil, &NotLeaderError{LeaderID: ss.LeaderID})
	}

	if termChanged {
		e.notifier.Publish(event.Event{Kind: event.TermChanged, Term: term})
	}
	if roleChanged {
		log.Infof("%d role changed to %v at term %d", e.id, ss.State, term)
		e.notifier.Publish(event.Event{
			Kind: event.RoleChanged,
			Term: term,
			Role: ss.State.String(),
		})
	}
	if leaderChanged {
		e.notifier.Publish(event.Event{
			Kind:     event.LeaderChanged,
			Term:     term,
			LeaderID: ss.LeaderID,
		})
	}
}

func (e *Engine) admitReads(states []read.State) {
	if len(states) == 0 {
		return
	}
	e.mutex.Lock()
	for i := range states {
		if pr := e.reads[string(states[i].RequestCtx)]; pr != nil {
			pr.index = states[i].Index
			pr.confirmed = true
		}
	}
	e.mutex.Unlock()
}

// releaseReads answer every confirmed read whose index the apply
// marker has passed.
func (e *Engine) releaseReads() {
	e.mutex.Lock()
	var due []*pendingRead
	for key, pr := range e.reads {
		if pr.confirmed && pr.index <= e.lastApplied {
			due = append(due, pr)
			delete(e.reads, key)
		}
	}
	e.mutex.Unlock()

	for _, pr := range due {
		value, err := e.machine.Query(pr.query)
		pr.fut.complete(value, err)
	}
}

func (e *Engine) compact() {
	if e.cfg.MaxLogEntries == 0 {
		return
	}
	e.mutex.Lock()
	target := e.node.Compact(e.cfg.MaxLogEntries)
	e.mutex.Unlock()
	if target == protocol.InvalidIndex {
		return
	}

	if err := e.store.CompactBefore(target); err != nil {
		log.Panicf("%d compact storage below %d: %v", e.id, target, err)
	}
	log.Infof("%d compacted log below %d", e.id, target)
}

// dispatch fan outbound messages to their peers, one goroutine each.
// Responses re-enter serialized processing in arrival order; delivery
// failures mark the peer unreachable.
func (e *Engine) dispatch(messages []protocol.Message) {
	for i := range messages {
		msg := messages[i]
		if msg.CorrelationID == "" && !msg.IsResponse() {
			msg.CorrelationID = e.correlation.NextID()
		}

		e.inflight.Add(1)
		go func(msg protocol.Message) {
			defer e.inflight.Done()

			ctx, cancel := context.WithTimeout(context.Background(),
				time.Duration(e.cfg.rpcTimeoutMs())*time.Millisecond)
			defer cancel()

			resp, err := e.transport.Send(ctx, msg.To, &msg)
			if err != nil {
				log.Debugf("%d send %v to %d failed: %v", e.id, msg.Kind, msg.To, err)
				e.unreachable(msg.To)
				return
			}
			if resp != nil {
				e.receive(resp)
			}
		}(msg)
	}
}

func (e *Engine) receive(msg *protocol.Message) {
	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return
	}
	e.node.Step(msg)
	e.mutex.Unlock()

	e.handleReady()
}

func (e *Engine) unreachable(peerID uint64) {
	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return
	}
	e.node.Unreachable(peerID)
	e.mutex.Unlock()
}

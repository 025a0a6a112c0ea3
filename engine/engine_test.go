package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thinkermao/replica/event"
	"github.com/thinkermao/replica/storage"
	"github.com/thinkermao/replica/storage/wal"
	"github.com/thinkermao/replica/transport/local"
)

// kvMachine is a tiny key-value machine; commands are "key=value" and
// queries are bare keys. It records applied indexes so tests can
// assert in-order exactly-once application.
type kvMachine struct {
	mutex   sync.Mutex
	data    map[string]string
	applied []uint64
}

func makeKVMachine() *kvMachine {
	return &kvMachine{data: make(map[string]string)}
}

func (m *kvMachine) Apply(index uint64, command []byte) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.applied = append(m.applied, index)
	parts := strings.SplitN(string(command), "=", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed command %q", command)
	}
	m.data[parts[0]] = parts[1]
	return []byte(parts[1]), nil
}

func (m *kvMachine) Query(query []byte) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	value, ok := m.data[string(query)]
	if !ok {
		return nil, fmt.Errorf("no such key %q", query)
	}
	return []byte(value), nil
}

func (m *kvMachine) get(key string) (string, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	value, ok := m.data[key]
	return value, ok
}

func (m *kvMachine) appliedInOrder() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for i := 1; i < len(m.applied); i++ {
		if m.applied[i] <= m.applied[i-1] {
			return false
		}
	}
	return true
}

type cluster struct {
	network  *local.Network
	engines  map[uint64]*Engine
	machines map[uint64]*kvMachine
}

func makeCluster(t *testing.T, ids []uint64, mutate func(*Config)) *cluster {
	t.Helper()

	c := &cluster{
		network:  local.MakeNetwork(),
		engines:  make(map[uint64]*Engine),
		machines: make(map[uint64]*kvMachine),
	}
	for _, id := range ids {
		cfg := &Config{
			ID:                  id,
			Members:             append([]uint64(nil), ids...),
			ElectionTimeoutMs:   150,
			HeartbeatIntervalMs: 15,
			TickIntervalMs:      5,
			RPCTimeoutMs:        100,
		}
		if mutate != nil {
			mutate(cfg)
		}

		machine := makeKVMachine()
		eng, err := New(cfg, Deps{
			Log:         storage.MakeMemoryLog(),
			Transport:   c.network.Join(id),
			Machine:     machine,
			Correlation: &SequenceCorrelation{Prefix: fmt.Sprintf("n%d", id)},
		})
		require.NoError(t, err)
		c.network.Serve(id, eng)
		c.engines[id] = eng
		c.machines[id] = machine
	}

	for _, eng := range c.engines {
		eng.Start()
	}
	t.Cleanup(func() {
		for _, eng := range c.engines {
			eng.Stop()
		}
	})
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// waitLeaderAmong wait for exactly one leader within ids and return it.
func (c *cluster) waitLeaderAmong(t *testing.T, ids ...uint64) *Engine {
	t.Helper()
	var leader *Engine
	waitFor(t, 5*time.Second, func() bool {
		leader = nil
		count := 0
		for _, id := range ids {
			if _, isLeader := c.engines[id].Status(); isLeader {
				leader = c.engines[id]
				count++
			}
		}
		return count == 1
	}, "single leader elected")
	return leader
}

func (c *cluster) waitLeader(t *testing.T) *Engine {
	t.Helper()
	ids := make([]uint64, 0, len(c.engines))
	for id := range c.engines {
		ids = append(ids, id)
	}
	return c.waitLeaderAmong(t, ids...)
}

func (c *cluster) follower(leader *Engine) *Engine {
	for id, eng := range c.engines {
		if id != leader.ID() {
			return eng
		}
	}
	return nil
}

func submit(t *testing.T, eng *Engine, command string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	value, err := eng.Submit(ctx, []byte(command))
	require.NoError(t, err)
	return string(value)
}

func TestEngine_ReplicatesAndApplies(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, nil)
	leader := c.waitLeader(t)

	require.Equal(t, "1", submit(t, leader, "a=1"))
	require.Equal(t, "2", submit(t, leader, "b=2"))

	waitFor(t, 3*time.Second, func() bool {
		for _, m := range c.machines {
			if v, ok := m.get("b"); !ok || v != "2" {
				return false
			}
		}
		return true
	}, "all machines applied b=2")

	for id, m := range c.machines {
		require.True(t, m.appliedInOrder(), "machine %d applied out of order", id)
		v, _ := m.get("a")
		require.Equal(t, "1", v)
	}
}

func TestEngine_FollowerForwardsCommand(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, nil)
	leader := c.waitLeader(t)
	follower := c.follower(leader)

	require.Equal(t, "10", submit(t, follower, "x=10"))

	v, ok := c.machines[leader.ID()].get("x")
	require.True(t, ok)
	require.Equal(t, "10", v)
}

func TestEngine_IsolatedLeaderStepsAside(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, nil)
	leader := c.waitLeader(t)
	require.Equal(t, "1", submit(t, leader, "a=1"))

	c.network.Isolate(leader.ID())

	// The entry appends locally on the stale leader but can never
	// commit; it must be truncated away after healing, not applied.
	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	_, err := leader.Submit(ctx, []byte("stale=9"))
	cancel()
	require.Error(t, err)
	require.IsType(t, &NoQuorumError{}, err)

	var rest []uint64
	for id := range c.engines {
		if id != leader.ID() {
			rest = append(rest, id)
		}
	}
	next := c.waitLeaderAmong(t, rest...)
	require.Equal(t, "2", submit(t, next, "b=2"))

	c.network.Heal()

	staleMachine := c.machines[leader.ID()]
	waitFor(t, 5*time.Second, func() bool {
		v, ok := staleMachine.get("b")
		return ok && v == "2"
	}, "stale leader caught up with b=2")

	_, ok := staleMachine.get("stale")
	require.False(t, ok, "uncommitted entry must never apply")
	for id, m := range c.machines {
		require.True(t, m.appliedInOrder(), "machine %d applied out of order", id)
	}
}

func TestEngine_LeaderOnlyRead(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, nil)
	leader := c.waitLeader(t)
	follower := c.follower(leader)

	require.Equal(t, "1", submit(t, leader, "a=1"))

	value, err := leader.Query(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(value))

	_, err = follower.Query(context.Background(), []byte("a"))
	var notLeader *NotLeaderError
	require.ErrorAs(t, err, &notLeader)
	require.Equal(t, leader.ID(), notLeader.LeaderID)
}

func TestEngine_QuorumRead(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, func(cfg *Config) {
		cfg.RequireReadQuorum = true
	})
	leader := c.waitLeader(t)
	require.Equal(t, "1", submit(t, leader, "a=1"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	value, err := leader.Query(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(value))

	// Followers serve quorum reads too, confirmed through the leader.
	follower := c.follower(leader)
	waitFor(t, 5*time.Second, func() bool {
		attempt, cancelAttempt := context.WithTimeout(context.Background(), time.Second)
		defer cancelAttempt()
		value, err = follower.Query(attempt, []byte("a"))
		return err == nil
	}, "follower read confirmed")
	require.Equal(t, "1", string(value))
}

func TestEngine_QuorumReadFailsWithoutQuorum(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, func(cfg *Config) {
		cfg.RequireReadQuorum = true
	})
	leader := c.waitLeader(t)
	require.Equal(t, "1", submit(t, leader, "a=1"))

	c.network.Isolate(leader.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := leader.Query(ctx, []byte("a"))
	require.Error(t, err)
	require.IsType(t, &NoQuorumError{}, err)
}

func TestEngine_WriteQuorumOfOne(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, func(cfg *Config) {
		cfg.WriteQuorum = 1
		cfg.ReadQuorum = 3
	})
	leader := c.waitLeaderAmong(t, 1, 2, 3)

	c.network.Isolate(leader.ID())

	// A write quorum of one commits on the leader's own log alone.
	require.Equal(t, "1", submit(t, leader, "a=1"))
	v, ok := c.machines[leader.ID()].get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestEngine_SingleNode(t *testing.T) {
	c := makeCluster(t, []uint64{1}, nil)
	leader := c.waitLeader(t)

	require.Equal(t, "1", submit(t, leader, "a=1"))
	value, err := leader.Query(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(value))
}

func TestEngine_MembershipChange(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, nil)
	leader := c.waitLeader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, leader.AddMember(ctx, 4))
	require.ElementsMatch(t, []uint64{1, 2, 3, 4}, leader.Members())

	require.NoError(t, leader.RemoveMember(ctx, 4))
	require.ElementsMatch(t, []uint64{1, 2, 3}, leader.Members())

	follower := c.follower(leader)
	err := follower.AddMember(ctx, 5)
	var notLeader *NotLeaderError
	require.ErrorAs(t, err, &notLeader)
}

func TestEngine_Events(t *testing.T) {
	network := local.MakeNetwork()
	machine := makeKVMachine()
	cfg := &Config{
		ID:                  1,
		Members:             []uint64{1},
		ElectionTimeoutMs:   150,
		HeartbeatIntervalMs: 15,
		TickIntervalMs:      5,
	}
	eng, err := New(cfg, Deps{
		Log:       storage.MakeMemoryLog(),
		Transport: network.Join(1),
		Machine:   machine,
	})
	require.NoError(t, err)
	network.Serve(1, eng)

	roles := eng.Events().Subscribe(event.RoleChanged)
	commits := eng.Events().Subscribe(event.EntryCommitted)
	started := eng.Events().Subscribe(event.Started)

	eng.Start()
	defer eng.Stop()

	require.Equal(t, event.Started, waitEvent(t, started).Kind)

	var ev event.Event
	for ev = waitEvent(t, roles); ev.Role != "Leader"; ev = waitEvent(t, roles) {
	}
	require.Equal(t, uint64(1), ev.NodeID)

	submit(t, eng, "a=1")
	waitEvent(t, commits)
}

func waitEvent(t *testing.T, sub *event.Subscription) event.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("no event within deadline")
		return event.Event{}
	}
}

func TestEngine_StopFailsPending(t *testing.T) {
	c := makeCluster(t, []uint64{1, 2, 3}, nil)
	leader := c.waitLeader(t)

	c.network.Isolate(leader.ID())

	errs := make(chan error, 1)
	go func() {
		_, err := leader.Submit(context.Background(), []byte("a=1"))
		errs <- err
	}()

	time.Sleep(100 * time.Millisecond)
	leader.Stop()
	leader.Stop() // idempotent

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(3 * time.Second):
		t.Fatal("pending submit not released by Stop")
	}

	_, err := leader.Submit(context.Background(), []byte("b=2"))
	require.ErrorIs(t, err, ErrStopped)
}

func TestEngine_RestartRestoresState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	network := local.MakeNetwork()
	cfg := &Config{
		ID:                  1,
		Members:             []uint64{1},
		ElectionTimeoutMs:   150,
		HeartbeatIntervalMs: 15,
		TickIntervalMs:      5,
	}

	boot := func(store storage.Log) (*Engine, *kvMachine) {
		machine := makeKVMachine()
		eng, err := New(cfg, Deps{
			Log:       store,
			Transport: network.Join(1),
			Machine:   machine,
		})
		require.NoError(t, err)
		network.Serve(1, eng)
		eng.Start()
		return eng, machine
	}

	store, err := wal.Create(dir)
	require.NoError(t, err)
	eng, _ := boot(store)
	waitFor(t, 5*time.Second, func() bool {
		_, isLeader := eng.Status()
		return isLeader
	}, "leader elected")
	require.Equal(t, "1", submit(t, eng, "a=1"))
	eng.Stop()

	store, err = wal.Open(dir)
	require.NoError(t, err)
	eng, machine := boot(store)
	defer eng.Stop()

	waitFor(t, 5*time.Second, func() bool {
		v, ok := machine.get("a")
		return ok && v == "1"
	}, "restart replayed a=1")
	require.True(t, machine.appliedInOrder())
}

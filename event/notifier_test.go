package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifier_FilterByKind(t *testing.T) {
	n := MakeNotifier(1)
	defer n.Close()

	roles := n.Subscribe(RoleChanged)
	all := n.Subscribe()

	n.Publish(Event{Kind: RoleChanged, Term: 2, Role: "Leader"})
	n.Publish(Event{Kind: EntryCommitted, Term: 2, Index: 1})

	ev := <-roles.C
	require.Equal(t, RoleChanged, ev.Kind)
	require.Equal(t, uint64(1), ev.NodeID)
	require.Equal(t, "Leader", ev.Role)
	select {
	case ev := <-roles.C:
		t.Fatalf("unexpected event %v on filtered subscription", ev.Kind)
	default:
	}

	require.Equal(t, RoleChanged, (<-all.C).Kind)
	require.Equal(t, EntryCommitted, (<-all.C).Kind)
}

func TestNotifier_OrderPerSubscriber(t *testing.T) {
	n := MakeNotifier(1)
	defer n.Close()

	sub := n.Subscribe(EntryCommitted)
	for i := 1; i <= 10; i++ {
		n.Publish(Event{Kind: EntryCommitted, Index: uint64(i)})
	}
	for i := 1; i <= 10; i++ {
		require.Equal(t, uint64(i), (<-sub.C).Index)
	}
}

func TestNotifier_SlowSubscriberDrops(t *testing.T) {
	n := MakeNotifier(1)
	defer n.Close()

	sub := n.Subscribe(EntryCommitted)
	// never drained: publishing must not block once the buffer fills.
	for i := 0; i < defaultBuffer+5; i++ {
		n.Publish(Event{Kind: EntryCommitted, Index: uint64(i)})
	}
	require.Equal(t, uint64(5), sub.Dropped())
}

func TestNotifier_Cancel(t *testing.T) {
	n := MakeNotifier(1)
	defer n.Close()

	sub := n.Subscribe()
	sub.Cancel()
	n.Publish(Event{Kind: Started})

	_, ok := <-sub.C
	require.False(t, ok, "channel must be closed after cancel")
}

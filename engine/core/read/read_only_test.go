package read

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadOnly_AckCounting(t *testing.T) {
	ro := MakeReadOnly()
	ro.AddRequest(3, 1, []byte("a"))

	require.Equal(t, 2, ro.ReceiveAck(2, []byte("a")))
	require.Equal(t, 3, ro.ReceiveAck(3, []byte("a")))
	// duplicate acks do not double count
	require.Equal(t, 3, ro.ReceiveAck(3, []byte("a")))
	// unknown context
	require.Equal(t, 0, ro.ReceiveAck(2, []byte("x")))
}

func TestReadOnly_DuplicateRequest(t *testing.T) {
	ro := MakeReadOnly()
	ro.AddRequest(3, 1, []byte("a"))
	ro.AddRequest(7, 1, []byte("a"))

	got := ro.Advance([]byte("a"))
	require.Len(t, got, 1)
	require.Equal(t, uint64(3), got[0].Index)
}

func TestReadOnly_AdvanceReleasesPrefix(t *testing.T) {
	ro := MakeReadOnly()
	ro.AddRequest(3, 1, []byte("a"))
	ro.AddRequest(4, 2, []byte("b"))
	ro.AddRequest(5, 1, []byte("c"))

	// confirming b confirms a as well, c stays pending.
	got := ro.Advance([]byte("b"))
	require.Len(t, got, 2)
	require.Equal(t, uint64(3), got[0].Index)
	require.Equal(t, uint64(1), got[0].To)
	require.Equal(t, uint64(4), got[1].Index)
	require.Equal(t, uint64(2), got[1].To)
	require.Equal(t, 1, ro.Pending())

	// advancing an already released context is a no-op.
	require.Nil(t, ro.Advance([]byte("a")))
	require.Equal(t, 1, ro.Pending())

	got = ro.Advance([]byte("c"))
	require.Len(t, got, 1)
	require.Equal(t, 0, ro.Pending())
}

func TestReadOnly_Reset(t *testing.T) {
	ro := MakeReadOnly()
	ro.AddRequest(3, 1, []byte("a"))
	ro.Reset()
	require.Equal(t, 0, ro.Pending())
	require.Nil(t, ro.Advance([]byte("a")))
}

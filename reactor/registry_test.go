// File: reactor/registry_test.go

package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryTokensAreMonotonic(t *testing.T) {
	reg := newRegistry()

	t1 := reg.add(10, Interest{Readable: true})
	t2 := reg.add(11, Interest{Writable: true})
	require.Equal(t, Token(1), t1)
	require.Equal(t, Token(2), t2)

	fd, ok := reg.remove(t1)
	require.True(t, ok)
	require.Equal(t, uintptr(10), fd)

	// A freed token's value is not handed out again.
	t3 := reg.add(10, Interest{Readable: true})
	require.Equal(t, Token(3), t3)
	require.Equal(t, 2, reg.size())
}

func TestRegistryLookupAndInterest(t *testing.T) {
	reg := newRegistry()
	tok := reg.add(42, Interest{Readable: true})

	got, ok := reg.lookup(tok)
	require.True(t, ok)
	require.Equal(t, uintptr(42), got.fd)
	require.True(t, got.interest.Readable)
	require.False(t, got.interest.Writable)

	require.True(t, reg.setInterest(tok, Interest{Writable: true}))
	got, _ = reg.lookup(tok)
	require.True(t, got.interest.Writable)
	require.False(t, got.interest.Readable)

	back, ok := reg.tokenFor(42)
	require.True(t, ok)
	require.Equal(t, tok, back)
}

func TestRegistryUnknownToken(t *testing.T) {
	reg := newRegistry()
	_, ok := reg.lookup(99)
	require.False(t, ok)
	require.False(t, reg.setInterest(99, Interest{}))
	_, ok = reg.remove(99)
	require.False(t, ok)
}

func TestHandoffRunsInOrder(t *testing.T) {
	h := newHandoff()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		h.push(func() { got = append(got, i) })
	}
	h.drain()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)

	// Draining an empty queue is a no-op.
	h.drain()
	require.Len(t, got, 5)
}

func TestTimeoutMillis(t *testing.T) {
	require.Equal(t, -1, timeoutMillis(blockForever))
	require.Equal(t, 0, timeoutMillis(0))
	require.Equal(t, 1, timeoutMillis(100))     // sub-millisecond rounds up
	require.Equal(t, 250, timeoutMillis(250e6)) // 250ms
}

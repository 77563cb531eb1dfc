// File: reactor/loop_test.go

package reactor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dcpwire/dcp/fake"
	"github.com/dcpwire/dcp/reactor"
)

func TestLoopDispatchesOutcomesInOrder(t *testing.T) {
	r := fake.NewReactor()
	tok, err := r.Register(5, reactor.Interest{Readable: true})
	require.NoError(t, err)

	got := make(chan reactor.Outcome, 8)
	done := make(chan error, 1)
	go func() {
		done <- reactor.Loop(r, func(oc reactor.Outcome) { got <- oc })
	}()

	r.Push(reactor.Outcome{Token: tok, Kind: reactor.KindEvent, Readable: true})
	r.Push(reactor.Outcome{Token: tok, Kind: reactor.KindEvent, Writable: true})

	first := <-got
	require.Equal(t, tok, first.Token)
	require.True(t, first.Readable)
	second := <-got
	require.True(t, second.Writable)

	require.NoError(t, r.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after close")
	}
}

func TestLoopRunsDispatchedFunctions(t *testing.T) {
	r := fake.NewReactor()
	ran := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- reactor.Loop(r, func(reactor.Outcome) {})
	}()

	require.NoError(t, r.Dispatch(func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched function never ran")
	}

	require.NoError(t, r.Close())
	require.NoError(t, <-done)
}

func TestSubmitterRecordsOperations(t *testing.T) {
	r := fake.NewReactor()
	tok, err := r.Register(7, reactor.Interest{})
	require.NoError(t, err)

	var sub reactor.Submitter = r
	require.NoError(t, sub.SubmitRead(tok, make([]byte, 4)))
	require.NoError(t, sub.SubmitWrite(tok, []byte("hi")))

	subs := r.Submissions()
	require.Len(t, subs, 2)
	require.Equal(t, reactor.OpRead, subs[0].Op)
	require.Equal(t, reactor.OpWrite, subs[1].Op)
}

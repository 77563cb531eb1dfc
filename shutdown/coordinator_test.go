// File: shutdown/coordinator_test.go

package shutdown_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/config"
	"github.com/dcpwire/dcp/fake"
	"github.com/dcpwire/dcp/mux"
	"github.com/dcpwire/dcp/pool"
	"github.com/dcpwire/dcp/protocol"
	"github.com/dcpwire/dcp/shutdown"
	"github.com/dcpwire/dcp/transport"
)

func muxPair(t *testing.T) (*mux.Multiplexer, *mux.Multiplexer) {
	t.Helper()
	a, b := fake.Pipe()
	bufs := pool.New()
	cfg := config.Default()
	cfg.TCP.Addr = "127.0.0.1:0"
	client := mux.New(transport.New(a, protocol.ModeBinary, cfg, bufs, zerolog.Nop()), mux.ClientSide, mux.Options{})
	server := mux.New(transport.New(b, protocol.ModeBinary, cfg, bufs, zerolog.Nop()), mux.ServerSide, mux.Options{})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func waitDone(t *testing.T, clk *clock.Mock, c *shutdown.Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		select {
		case <-c.Done():
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDrainCompletesWhenGuardsRelease(t *testing.T) {
	client, _ := muxPair(t)
	clk := clock.NewMock()
	coord := shutdown.New(client, clk, zerolog.Nop(), nil)

	g1, err := coord.Guard()
	require.NoError(t, err)
	g2, err := coord.Guard()
	require.NoError(t, err)

	coord.Begin(30 * time.Second)
	require.Equal(t, shutdown.PhaseDraining, coord.Progress().Phase)
	require.Equal(t, 2, coord.Progress().Requests)

	// New work is refused while draining.
	_, err = coord.Guard()
	require.ErrorIs(t, err, api.ErrShuttingDown)
	_, err = client.OpenStream()
	require.ErrorIs(t, err, api.ErrShuttingDown)

	g1.Release()
	select {
	case <-coord.Done():
		t.Fatal("closed before last guard released")
	case <-time.After(50 * time.Millisecond):
	}

	g2.Release()
	waitDone(t, clk, coord)
	require.Equal(t, shutdown.PhaseClosed, coord.Progress().Phase)
}

func TestBeginWithNoGuardsClosesImmediately(t *testing.T) {
	client, _ := muxPair(t)
	clk := clock.NewMock()
	coord := shutdown.New(client, clk, zerolog.Nop(), nil)

	coord.Begin(30 * time.Second)
	waitDone(t, clk, coord)
}

func TestBeginIsIdempotent(t *testing.T) {
	client, _ := muxPair(t)
	clk := clock.NewMock()
	coord := shutdown.New(client, clk, zerolog.Nop(), nil)

	g, err := coord.Guard()
	require.NoError(t, err)

	coord.Begin(30 * time.Second)
	first := coord.Progress().Deadline
	coord.Begin(5 * time.Second) // no effect
	require.Equal(t, first, coord.Progress().Deadline)

	g.Release()
	waitDone(t, clk, coord)
}

func TestDeadlineForceCancelsStragglers(t *testing.T) {
	client, server := muxPair(t)
	clk := clock.NewMock()
	coord := shutdown.New(client, clk, zerolog.Nop(), nil)

	g, err := coord.Guard()
	require.NoError(t, err)
	_ = g // never released: a straggler

	s, err := client.OpenStream()
	require.NoError(t, err)
	_ = server

	coord.Begin(10 * time.Second)
	waitDone(t, clk, coord)

	require.Equal(t, mux.StatusCancelled, s.Status())
	require.Equal(t, mux.StateReset, s.State())
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	client, _ := muxPair(t)
	clk := clock.NewMock()
	coord := shutdown.New(client, clk, zerolog.Nop(), nil)

	g1, err := coord.Guard()
	require.NoError(t, err)
	g2, err := coord.Guard()
	require.NoError(t, err)

	g1.Release()
	g1.Release()
	g1.Release()
	require.Equal(t, 1, coord.Progress().Requests)

	coord.Begin(30 * time.Second)
	g2.Release()
	waitDone(t, clk, coord)
}

func TestFinalHookRunsAfterTransportDown(t *testing.T) {
	client, _ := muxPair(t)
	clk := clock.NewMock()

	ran := make(chan struct{})
	coord := shutdown.New(client, clk, zerolog.Nop(), func() error {
		close(ran)
		return nil
	})

	coord.Begin(time.Second)
	waitDone(t, clk, coord)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("final hook never ran")
	}
	require.Equal(t, transport.StateClosed, client.Conn().State())
	require.NoError(t, coord.Err())
}

func TestNotifyBeginsOnContextCancel(t *testing.T) {
	client, _ := muxPair(t)
	clk := clock.NewMock()
	coord := shutdown.New(client, clk, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	stop := shutdown.Notify(ctx, coord, 30*time.Second)
	defer stop()

	cancel()
	require.Eventually(t, func() bool {
		return coord.Progress().Phase != shutdown.PhaseRunning
	}, 2*time.Second, 10*time.Millisecond)
	waitDone(t, clk, coord)
}

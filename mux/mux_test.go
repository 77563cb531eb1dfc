// File: mux/mux_test.go

package mux_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/config"
	"github.com/dcpwire/dcp/fake"
	"github.com/dcpwire/dcp/mux"
	"github.com/dcpwire/dcp/pool"
	"github.com/dcpwire/dcp/protocol"
	"github.com/dcpwire/dcp/transport"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func muxPair(t *testing.T, clientOpts, serverOpts mux.Options) (*mux.Multiplexer, *mux.Multiplexer) {
	t.Helper()
	a, b := fake.Pipe()
	bufs := pool.New()
	cfg := config.Default()
	cfg.TCP.Addr = "127.0.0.1:0"

	clientConn := transport.New(a, protocol.ModeBinary, cfg, bufs, zerolog.Nop())
	serverConn := transport.New(b, protocol.ModeBinary, cfg, bufs, zerolog.Nop())
	client := mux.New(clientConn, mux.ClientSide, clientOpts)
	server := mux.New(serverConn, mux.ServerSide, serverOpts)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestStreamIDsAreUniqueAndParitySplit(t *testing.T) {
	client, server := muxPair(t, mux.Options{}, mux.Options{})
	ctx := testCtx(t)

	var clientIDs []uint32
	for i := 0; i < 3; i++ {
		s, err := client.OpenStream()
		require.NoError(t, err)
		clientIDs = append(clientIDs, s.ID())
	}
	require.Equal(t, []uint32{1, 3, 5}, clientIDs)

	for _, want := range clientIDs {
		s, err := server.Accept(ctx)
		require.NoError(t, err)
		require.Equal(t, want, s.ID())
	}

	s, err := server.OpenStream()
	require.NoError(t, err)
	require.Equal(t, uint32(2), s.ID())

	got, err := client.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.ID())
}

func TestStreamDeliversInOrderAndEnds(t *testing.T) {
	client, server := muxPair(t, mux.Options{}, mux.Options{})
	ctx := testCtx(t)

	cs, err := client.OpenStream()
	require.NoError(t, err)
	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		require.NoError(t, cs.Send(m))
	}
	require.NoError(t, cs.EndStream())

	ss, err := server.Accept(ctx)
	require.NoError(t, err)
	for _, want := range msgs {
		got, err := ss.Poll(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err = ss.Poll(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestBidirectionalEcho(t *testing.T) {
	client, server := muxPair(t, mux.Options{}, mux.Options{})
	ctx := testCtx(t)

	cs, err := client.OpenStream()
	require.NoError(t, err)
	require.NoError(t, cs.Send([]byte("ping?")))

	ss, err := server.Accept(ctx)
	require.NoError(t, err)
	msg, err := ss.Poll(ctx)
	require.NoError(t, err)
	require.NoError(t, ss.Send(append(msg, '!')))

	echo, err := cs.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping?!"), echo)
}

func TestCleanCloseEndsBothSidesOk(t *testing.T) {
	client, server := muxPair(t, mux.Options{}, mux.Options{})
	ctx := testCtx(t)

	cs, err := client.OpenStream()
	require.NoError(t, err)
	require.NoError(t, cs.Send([]byte("ping?")))

	ss, err := server.Accept(ctx)
	require.NoError(t, err)
	msg, err := ss.Poll(ctx)
	require.NoError(t, err)
	require.NoError(t, ss.Send(append(msg, '!')))
	require.NoError(t, ss.EndStream())

	echo, err := cs.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping?!"), echo)
	_, err = cs.Poll(ctx)
	require.ErrorIs(t, err, io.EOF)

	// Both halves closed: the stream terminates cleanly on each end.
	require.NoError(t, cs.EndStream())
	require.Equal(t, mux.StateClosed, cs.State())
	require.Equal(t, mux.StatusOk, cs.Status())

	require.Eventually(t, func() bool {
		return ss.State() == mux.StateClosed
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, mux.StatusOk, ss.Status())
}

func TestOpenStreamHonorsMaxStreams(t *testing.T) {
	client, _ := muxPair(t, mux.Options{MaxStreams: 2}, mux.Options{})

	_, err := client.OpenStream()
	require.NoError(t, err)
	_, err = client.OpenStream()
	require.NoError(t, err)
	_, err = client.OpenStream()
	require.ErrorIs(t, err, api.ErrTooManyStreams)
}

func TestClosedStreamFreesTableSlot(t *testing.T) {
	client, _ := muxPair(t, mux.Options{MaxStreams: 1}, mux.Options{})

	s, err := client.OpenStream()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Eventually(t, func() bool {
		_, err := client.OpenStream()
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResetBeatsBufferedData(t *testing.T) {
	client, server := muxPair(t, mux.Options{}, mux.Options{})
	ctx := testCtx(t)

	cs, err := client.OpenStream()
	require.NoError(t, err)
	require.NoError(t, cs.Send([]byte("you will never see this")))
	require.NoError(t, cs.Close())

	ss, err := server.Accept(ctx)
	require.NoError(t, err)

	// Wait for the reset to land; the data frame arrived first.
	require.Eventually(t, func() bool {
		return ss.Status() != mux.StatusOk
	}, 2*time.Second, 5*time.Millisecond)

	_, err = ss.Poll(ctx)
	require.ErrorIs(t, err, mux.ErrPeerReset)
}

func TestResetCancelsSuspendedSender(t *testing.T) {
	client, server := muxPair(t, mux.Options{}, mux.Options{})
	ctx := testCtx(t)

	cs, err := client.OpenStream()
	require.NoError(t, err)
	// Exhaust the send window.
	require.NoError(t, cs.Send(make([]byte, mux.DefaultWindow)))

	blocked := make(chan error, 1)
	go func() {
		blocked <- cs.Send([]byte("overflow"))
	}()

	select {
	case err := <-blocked:
		t.Fatalf("send should have suspended, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	ss, err := server.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, ss.Close())

	select {
	case err := <-blocked:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("suspended send never cancelled")
	}
}

func TestWindowUpdateResumesSuspendedSender(t *testing.T) {
	client, server := muxPair(t, mux.Options{}, mux.Options{})
	ctx := testCtx(t)

	cs, err := client.OpenStream()
	require.NoError(t, err)
	require.NoError(t, cs.Send(make([]byte, mux.DefaultWindow)))

	blocked := make(chan error, 1)
	go func() {
		blocked <- cs.Send([]byte("resumed"))
	}()
	select {
	case err := <-blocked:
		t.Fatalf("send should have suspended, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Consuming the peer's buffered bytes restores credit.
	ss, err := server.Accept(ctx)
	require.NoError(t, err)
	msg, err := ss.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, msg, mux.DefaultWindow)

	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("suspended send never resumed")
	}

	got, err := ss.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("resumed"), got)
}

func TestUnknownStreamWithoutSynGetsReset(t *testing.T) {
	a, b := fake.Pipe()
	bufs := pool.New()
	cfg := config.Default()
	cfg.TCP.Addr = "127.0.0.1:0"

	raw := transport.New(a, protocol.ModeBinary, cfg, bufs, zerolog.Nop())
	serverConn := transport.New(b, protocol.ModeBinary, cfg, bufs, zerolog.Nop())
	server := mux.New(serverConn, mux.ServerSide, mux.Options{})
	t.Cleanup(func() {
		raw.Close()
		server.Close()
	})

	hdr := protocol.FrameHeader{Type: protocol.FrameData, StreamID: 77}
	require.NoError(t, raw.SendFrame(hdr, []byte("stray")))

	select {
	case fr := <-raw.Frames():
		require.Equal(t, protocol.FrameReset, fr.Header.Type)
		require.Equal(t, uint32(77), fr.Header.StreamID)
	case <-time.After(2 * time.Second):
		t.Fatal("reset never arrived")
	}
}

func TestPingRoundTrip(t *testing.T) {
	client, _ := muxPair(t, mux.Options{}, mux.Options{})
	ctx := testCtx(t)

	rtt, err := client.Ping(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestGoAwayStopsNewStreams(t *testing.T) {
	client, server := muxPair(t, mux.Options{}, mux.Options{})

	require.NoError(t, client.GoAway())
	_, err := client.OpenStream()
	require.ErrorIs(t, err, api.ErrShuttingDown)

	// The peer refuses as well once the frame lands.
	require.Eventually(t, func() bool {
		_, err := server.OpenStream()
		return errors.Is(err, api.ErrShuttingDown)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenGateRefusesDuringDrain(t *testing.T) {
	client, _ := muxPair(t, mux.Options{}, mux.Options{})

	client.SetOpenGate(func() error { return api.ErrShuttingDown })
	_, err := client.OpenStream()
	require.ErrorIs(t, err, api.ErrShuttingDown)
}

func TestCapabilityAnnouncement(t *testing.T) {
	caps := []byte(`{"protocolVersion":"2024-11-05"}`)
	_, server := muxPair(t, mux.Options{Capabilities: caps}, mux.Options{})
	ctx := testCtx(t)

	got, err := server.PeerCapabilities(ctx)
	require.NoError(t, err)
	require.Equal(t, caps, got)
}

func TestConnectionDeathResetsAllStreams(t *testing.T) {
	client, server := muxPair(t, mux.Options{}, mux.Options{})
	ctx := testCtx(t)

	cs, err := client.OpenStream()
	require.NoError(t, err)
	ss, err := server.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, server.Close())

	require.Eventually(t, func() bool {
		return cs.Status() != mux.StatusOk
	}, 2*time.Second, 10*time.Millisecond)
	_, err = cs.Poll(ctx)
	require.Error(t, err)

	_, err = ss.Poll(ctx)
	require.Error(t, err)
}

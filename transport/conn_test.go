// File: transport/conn_test.go

package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/config"
	"github.com/dcpwire/dcp/fake"
	"github.com/dcpwire/dcp/pool"
	"github.com/dcpwire/dcp/protocol"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.TCP.Addr = "127.0.0.1:0"
	return cfg
}

func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := fake.Pipe()
	bufs := pool.New()
	cfg := testConfig()
	left := New(a, protocol.ModeBinary, cfg, bufs, zerolog.Nop())
	right := New(b, protocol.ModeBinary, cfg, bufs, zerolog.Nop())
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

func TestConnDeliversFramesInOrder(t *testing.T) {
	left, right := connPair(t)

	for i := 0; i < 3; i++ {
		hdr := protocol.FrameHeader{Type: protocol.FrameData, StreamID: uint32(i + 1)}
		require.NoError(t, left.SendFrame(hdr, []byte{byte(i)}))
	}

	for i := 0; i < 3; i++ {
		select {
		case fr := <-right.Frames():
			require.Equal(t, uint32(i+1), fr.Header.StreamID)
			require.Equal(t, []byte{byte(i)}, fr.Payload)
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestConnEmptyPayloadFrame(t *testing.T) {
	left, right := connPair(t)

	hdr := protocol.FrameHeader{Type: protocol.FrameData, StreamID: 9, Flags: protocol.FlagEndStream}
	require.NoError(t, left.SendFrame(hdr, nil))

	select {
	case fr := <-right.Frames():
		require.Equal(t, protocol.FlagEndStream, fr.Header.Flags)
		require.Empty(t, fr.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestConnRejectsOversizedSend(t *testing.T) {
	left, _ := connPair(t)

	hdr := protocol.FrameHeader{Type: protocol.FrameData, StreamID: 1}
	err := left.SendFrame(hdr, make([]byte, protocol.MaxMessageSize+1))
	var fe *api.FrameError
	require.ErrorAs(t, err, &fe)
	require.ErrorIs(t, fe.Cause, api.ErrFrameTooLarge)
}

func TestConnPeerCloseEndsFrames(t *testing.T) {
	left, right := connPair(t)

	require.NoError(t, left.Close())

	select {
	case _, ok := <-right.Frames():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel never closed")
	}
	require.NoError(t, right.Err())
}

func TestConnBrokenFramingIsFatal(t *testing.T) {
	a, b := fake.Pipe()
	bufs := pool.New()
	cfg := testConfig()
	right := New(b, protocol.ModeBinary, cfg, bufs, zerolog.Nop())
	t.Cleanup(func() { right.Close() })

	// A frame with a bad version byte.
	raw, err := protocol.EncodeFrame(protocol.FrameHeader{Type: protocol.FrameData}, nil, protocol.ModeBinary, nil)
	require.NoError(t, err)
	raw[0] = 0x9
	_, err = a.Write(raw)
	require.NoError(t, err)

	select {
	case _, ok := <-right.Frames():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel never closed")
	}
	var fe *api.FrameError
	require.ErrorAs(t, right.Err(), &fe)
	require.ErrorIs(t, fe.Cause, api.ErrUnsupportedVersion)
}

func TestConnTruncatedPeerCloseIsFatal(t *testing.T) {
	a, b := fake.Pipe()
	bufs := pool.New()
	right := New(b, protocol.ModeBinary, testConfig(), bufs, zerolog.Nop())
	t.Cleanup(func() { right.Close() })

	raw, err := protocol.EncodeFrame(protocol.FrameHeader{Type: protocol.FrameData}, []byte("full payload"), protocol.ModeBinary, nil)
	require.NoError(t, err)
	_, err = a.Write(raw[:len(raw)-3])
	require.NoError(t, err)
	require.NoError(t, a.Close())

	select {
	case _, ok := <-right.Frames():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel never closed")
	}
	require.True(t, errors.Is(right.Err(), api.ErrTruncated))
}

func TestConnShutdownFlushesStagedFrames(t *testing.T) {
	left, right := connPair(t)

	hdr := protocol.FrameHeader{Type: protocol.FramePing, StreamID: 0}
	require.NoError(t, left.SendFrame(hdr, []byte("last words")))
	require.NoError(t, left.Shutdown(2*time.Second))
	require.Equal(t, StateClosed, left.State())

	select {
	case fr := <-right.Frames():
		require.Equal(t, []byte("last words"), fr.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("flushed frame never arrived")
	}
}

func TestConnSendAfterCloseFails(t *testing.T) {
	left, _ := connPair(t)
	require.NoError(t, left.Close())

	hdr := protocol.FrameHeader{Type: protocol.FrameData, StreamID: 1}
	err := left.SendFrame(hdr, []byte("late"))
	require.Error(t, err)
}

func TestConnBackpressureSuspendsAndResumes(t *testing.T) {
	pipe := newGatedPipe()
	bufs := pool.New()
	cfg := testConfig()
	cfg.HighWaterMark = 4096
	cfg.LowWaterMark = 1024
	left := New(pipe, protocol.ModeBinary, cfg, bufs, zerolog.Nop())
	t.Cleanup(func() { left.Close() })

	hdr := protocol.FrameHeader{Type: protocol.FrameData, StreamID: 1}
	payload := make([]byte, 1024) // 1036 bytes framed

	// The first frame is picked up by the flusher, which then parks on
	// the gated write.
	require.NoError(t, left.SendFrame(hdr, payload))
	select {
	case <-pipe.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("flusher never reached the pipe")
	}

	// Stage until the buffer sits above the high water mark.
	for i := 0; i < 4; i++ {
		require.NoError(t, left.SendFrame(hdr, payload))
	}

	suspended := make(chan error, 1)
	go func() {
		suspended <- left.SendFrame(hdr, payload)
	}()
	select {
	case err := <-suspended:
		t.Fatalf("send should have suspended at the high water mark, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Releasing the sink lets the flusher drain below the low water
	// mark, which wakes the suspended sender.
	pipe.release()
	select {
	case err := <-suspended:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("suspended send never resumed")
	}
	require.Eventually(t, left.Flushed, 2*time.Second, 10*time.Millisecond)
}

func TestConnStateTransitions(t *testing.T) {
	left, _ := connPair(t)
	require.Equal(t, StateOpen, left.State())
	require.NoError(t, left.Shutdown(100*time.Millisecond))
	require.Equal(t, StateClosed, left.State())
	// Shutdown after close degrades to Close and stays closed.
	require.NoError(t, left.Shutdown(time.Millisecond))
	require.Equal(t, StateClosed, left.State())
}

// gatedPipe is a write sink that blocks every Write until released,
// keeping the flusher parked while senders stage frames.
type gatedPipe struct {
	gate    chan struct{}
	writing chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newGatedPipe() *gatedPipe {
	return &gatedPipe{
		gate:    make(chan struct{}),
		writing: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (g *gatedPipe) release() { close(g.gate) }

func (g *gatedPipe) Read(p []byte) (int, error) {
	<-g.closed
	return 0, api.ErrConnClosed
}

func (g *gatedPipe) Write(p []byte) (int, error) {
	select {
	case g.writing <- struct{}{}:
	default:
	}
	select {
	case <-g.gate:
		return len(p), nil
	case <-g.closed:
		return 0, api.ErrConnClosed
	}
}

func (g *gatedPipe) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

func (g *gatedPipe) RawFD() uintptr { return 0 }

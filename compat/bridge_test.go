// File: compat/bridge_test.go

package compat_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/compat"
	"github.com/dcpwire/dcp/config"
	"github.com/dcpwire/dcp/fake"
	"github.com/dcpwire/dcp/mux"
	"github.com/dcpwire/dcp/pool"
	"github.com/dcpwire/dcp/protocol"
	"github.com/dcpwire/dcp/transport"
)

func bridgePair(t *testing.T) (*compat.Bridge, *mux.Multiplexer) {
	t.Helper()
	a, b := fake.Pipe()
	bufs := pool.New()
	cfg := config.Default()
	cfg.TCP.Addr = "127.0.0.1:0"
	cfg.Mode = protocol.ModeCompat

	client := mux.New(transport.New(a, protocol.ModeCompat, cfg, bufs, zerolog.Nop()), mux.ClientSide, mux.Options{})
	server := mux.New(transport.New(b, protocol.ModeCompat, cfg, bufs, zerolog.Nop()), mux.ServerSide, mux.Options{})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return compat.NewBridge(client, zerolog.Nop()), server
}

type errEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestCallRoundTrip(t *testing.T) {
	bridge, server := bridgePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srvBridge := compat.NewBridge(server, zerolog.Nop())
	go srvBridge.Serve(ctx, func(_ context.Context, req []byte) []byte {
		var env struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.Unmarshal(req, &env))
		resp, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      env.ID,
			"result":  map[string]string{"echoed": env.Method},
		})
		return resp
	})

	out, err := bridge.Call(ctx, []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	require.NoError(t, err)

	var resp struct {
		ID     json.RawMessage `json:"id"`
		Result map[string]string
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	require.JSONEq(t, `7`, string(resp.ID))
	require.Equal(t, "tools/list", resp.Result["echoed"])
}

func TestCallMalformedRequestSynthesizesParseError(t *testing.T) {
	bridge, _ := bridgePair(t)

	out, err := bridge.Call(context.Background(), []byte(`{not json`))
	require.NoError(t, err)

	var resp errEnvelope
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, -32700, resp.Error.Code)
	require.JSONEq(t, `null`, string(resp.ID))
}

func TestCallWrongVersionSynthesizesParseError(t *testing.T) {
	bridge, _ := bridgePair(t)

	out, err := bridge.Call(context.Background(), []byte(`{"jsonrpc":"1.0","id":3,"method":"x"}`))
	require.NoError(t, err)

	var resp errEnvelope
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, -32700, resp.Error.Code)
	require.JSONEq(t, `3`, string(resp.ID))
}

func TestCallStreamFailureSynthesizesInternalError(t *testing.T) {
	bridge, server := bridgePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The peer resets the stream instead of answering.
	go func() {
		s, err := server.Accept(ctx)
		if err != nil {
			return
		}
		s.Close()
	}()

	out, err := bridge.Call(ctx, []byte(`{"jsonrpc":"2.0","id":42,"method":"tools/call"}`))
	require.NoError(t, err)

	var resp errEnvelope
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, -32603, resp.Error.Code)
	require.JSONEq(t, `42`, string(resp.ID))
}

func TestServeNotificationSendsNothing(t *testing.T) {
	bridge, server := bridgePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handled := make(chan []byte, 1)
	srvBridge := compat.NewBridge(server, zerolog.Nop())
	go srvBridge.Serve(ctx, func(_ context.Context, req []byte) []byte {
		handled <- req
		return nil
	})

	raw := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	out, err := bridge.Call(ctx, raw)
	require.NoError(t, err)
	require.Empty(t, out)

	select {
	case got := <-handled:
		require.JSONEq(t, string(raw), string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestCallFailsWhenOpensAreGated(t *testing.T) {
	a, b := fake.Pipe()
	bufs := pool.New()
	cfg := config.Default()
	cfg.TCP.Addr = "127.0.0.1:0"

	client := mux.New(transport.New(a, protocol.ModeCompat, cfg, bufs, zerolog.Nop()), mux.ClientSide, mux.Options{})
	peer := mux.New(transport.New(b, protocol.ModeCompat, cfg, bufs, zerolog.Nop()), mux.ServerSide, mux.Options{})
	t.Cleanup(func() {
		client.Close()
		peer.Close()
	})

	client.SetOpenGate(func() error { return api.ErrShuttingDown })
	bridge := compat.NewBridge(client, zerolog.Nop())

	_, err := bridge.Call(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"m"}`))
	require.ErrorIs(t, err, api.ErrShuttingDown)
}

func TestServeReturnsWhenMuxCloses(t *testing.T) {
	_, server := bridgePair(t)
	ctx := context.Background()

	srvBridge := compat.NewBridge(server, zerolog.Nop())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srvBridge.Serve(ctx, func(_ context.Context, _ []byte) []byte { return nil })
	}()

	require.NoError(t, server.Close())
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve never returned")
	}
}

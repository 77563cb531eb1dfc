// File: compat/bridge.go
// Package compat bridges legacy JSON-RPC 2.0 traffic onto multiplexed
// streams: one request maps to one stream, opened, written, half-closed
// and polled to completion. Envelopes are correlated by id only; the
// payload schema passes through opaquely, including version
// negotiation strings.

package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/dcpwire/dcp/mux"
)

// envelope is the minimal JSON-RPC 2.0 shape needed for correlation.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
}

// rpcError is the error member of a synthesized failure response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes for bridge-synthesized responses, from the JSON-RPC 2.0
// reserved range.
const (
	codeParseError    = -32700
	codeInternalError = -32603
)

// Bridge carries JSON-RPC requests over a Multiplexer.
type Bridge struct {
	m   *mux.Multiplexer
	log zerolog.Logger
}

// NewBridge wraps a multiplexer.
func NewBridge(m *mux.Multiplexer, log zerolog.Logger) *Bridge {
	return &Bridge{m: m, log: log.With().Str("component", "compat").Logger()}
}

// Call sends one request and returns the raw response envelope. A
// stream failure is reported as a JSON-RPC error response carrying the
// request id, so legacy callers always receive an envelope.
func (b *Bridge) Call(ctx context.Context, raw []byte) ([]byte, error) {
	var req envelope
	if err := json.Unmarshal(raw, &req); err != nil {
		return synthesize(nil, codeParseError, "parse error"), nil
	}
	if req.JSONRPC != "2.0" {
		return synthesize(req.ID, codeParseError, "unsupported jsonrpc version"), nil
	}

	s, err := b.m.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("compat: open stream: %w", err)
	}
	defer s.Close()

	if err := s.Send(raw); err != nil {
		return synthesize(req.ID, codeInternalError, err.Error()), nil
	}
	if err := s.EndStream(); err != nil {
		return synthesize(req.ID, codeInternalError, err.Error()), nil
	}

	var buf bytes.Buffer
	for {
		chunk, err := s.Poll(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.log.Debug().Err(err).Str("method", req.Method).Msg("stream failed mid-response")
			return synthesize(req.ID, codeInternalError, err.Error()), nil
		}
		buf.Write(chunk)
	}
	return buf.Bytes(), nil
}

// Handler produces a raw response envelope for a raw request envelope.
type Handler func(ctx context.Context, request []byte) []byte

// Serve accepts peer-opened streams and answers each with handler. It
// returns when the multiplexer stops accepting.
func (b *Bridge) Serve(ctx context.Context, handler Handler) error {
	for {
		s, err := b.m.Accept(ctx)
		if err != nil {
			return err
		}
		go b.serveStream(ctx, s, handler)
	}
}

func (b *Bridge) serveStream(ctx context.Context, s *mux.Stream, handler Handler) {
	defer s.Close()

	var buf bytes.Buffer
	for {
		chunk, err := s.Poll(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			b.log.Debug().Err(err).Uint32("stream_id", s.ID()).Msg("request aborted")
			return
		}
		buf.Write(chunk)
	}

	resp := handler(ctx, buf.Bytes())
	if resp == nil {
		// Notification: nothing to send back.
		_ = s.EndStream()
		return
	}
	if err := s.Send(resp); err != nil {
		b.log.Debug().Err(err).Uint32("stream_id", s.ID()).Msg("response dropped")
		return
	}
	_ = s.EndStream()
}

// synthesize builds a JSON-RPC error response envelope.
func synthesize(id json.RawMessage, code int, message string) []byte {
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   rpcError        `json:"error"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcError{Code: code, Message: message},
	}
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	out, _ := json.Marshal(resp)
	return out
}

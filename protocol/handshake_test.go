// File: protocol/handshake_test.go

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/fake"
)

func TestExchangeAgreesOnMode(t *testing.T) {
	cases := []struct {
		name        string
		left, right Mode
		want        Mode
	}{
		{"both binary", ModeBinary, ModeBinary, ModeBinary},
		{"both compat", ModeCompat, ModeCompat, ModeCompat},
		{"mixed falls back to binary", ModeBinary, ModeCompat, ModeBinary},
		{"mixed reversed", ModeCompat, ModeBinary, ModeBinary},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := fake.Pipe()
			type result struct {
				mode Mode
				err  error
			}
			done := make(chan result, 1)
			go func() {
				m, err := Exchange(b, tc.right)
				done <- result{m, err}
			}()

			got, err := Exchange(a, tc.left)
			require.NoError(t, err)
			peer := <-done
			require.NoError(t, peer.err)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.want, peer.mode)
		})
	}
}

func TestExchangeRejectsVersionMismatch(t *testing.T) {
	a, b := fake.Pipe()
	go b.Write([]byte{0x9, byte(ModeBinary)})

	_, err := Exchange(a, ModeBinary)
	require.ErrorIs(t, err, api.ErrUnsupportedVersion)
}

func TestExchangeRejectsUnknownMode(t *testing.T) {
	a, b := fake.Pipe()
	go b.Write([]byte{Version, 0x7f})

	_, err := Exchange(a, ModeBinary)
	require.ErrorIs(t, err, ErrUnknownMode)
}

func TestExchangeTruncatedPeer(t *testing.T) {
	a, b := fake.Pipe()
	go func() {
		b.Write([]byte{Version})
		b.Close()
	}()

	_, err := Exchange(a, ModeBinary)
	require.Error(t, err)
}

func TestExchangeInvalidLocalPreference(t *testing.T) {
	a, _ := fake.Pipe()
	_, err := Exchange(a, Mode(0x44))
	require.ErrorIs(t, err, ErrUnknownMode)
}

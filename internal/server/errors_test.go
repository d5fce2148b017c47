package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisconnected_Wraps_Cause(t *testing.T) {
	err := disconnected(io.EOF)
	require.ErrorIs(t, err, ErrDisconnected)
	require.ErrorIs(t, err, io.EOF)

	// no double wrapping
	require.Equal(t, err, disconnected(err))
	require.NoError(t, disconnected(nil))
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: true},
		{name: "bare disconnected", err: ErrDisconnected, want: true},
		{name: "eof", err: disconnected(io.EOF), want: true},
		{name: "net closed", err: fmt.Errorf("write: %w", net.ErrClosed), want: true},
		{name: "closed pipe", err: io.ErrClosedPipe, want: true},
		{name: "broken pipe text", err: errors.New("write tcp: broken pipe"), want: true},
		{name: "frame too large", err: disconnected(ErrFrameTooLarge), want: false},
		{name: "other", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isExpectedCloseError(tt.err))
		})
	}
}

func TestPartialBroadcastError(t *testing.T) {
	err := &PartialBroadcastError{Failed: map[string]error{
		"a": fmt.Errorf("deliver: %w", ErrOutboxFull),
		"b": fmt.Errorf("deliver: %w", ErrDisconnected),
	}}

	require.Contains(t, err.Error(), "2 recipient(s)")
	require.ErrorIs(t, err, ErrOutboxFull)
	require.ErrorIs(t, err, ErrDisconnected)
	require.NotErrorIs(t, err, ErrNameTaken)
}

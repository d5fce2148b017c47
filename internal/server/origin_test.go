package server

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "http://localhost:8080", want: "http://localhost:8080", ok: true},
		{in: "HTTPS://Example.COM", want: "https://example.com", ok: true},
		{in: "localhost:8080", ok: false},
		{in: "/relative", ok: false},
		{in: "://bad", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := normalizeOrigin(tt.in)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"http://a.test", " ", "not an origin"}, zerolog.Nop())

	allowed := httptest.NewRequest("GET", "/ws", nil)
	allowed.Header.Set("Origin", "http://A.test")
	require.True(t, policy.checkOrigin(allowed))

	other := httptest.NewRequest("GET", "/ws", nil)
	other.Header.Set("Origin", "http://b.test")
	require.False(t, policy.checkOrigin(other))

	missing := httptest.NewRequest("GET", "/ws", nil)
	require.False(t, policy.checkOrigin(missing))
}

func TestOriginPolicy_Wildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, zerolog.Nop())
	require.True(t, policy.checkOrigin(httptest.NewRequest("GET", "/ws", nil)))
}

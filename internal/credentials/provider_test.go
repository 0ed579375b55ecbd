package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		provider Provider
		want     string
	}{
		{"nil provider", nil, ""},
		{"static", Static("abc"), "abc"},
		{"empty static", Static(""), ""},
		{"func", Func(func(context.Context) (string, error) { return "fresh", nil }), "fresh"},
		{"func error", Func(func(context.Context) (string, error) { return "", errors.New("signed out") }), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(ctx, tt.provider))
		})
	}
}

func TestRefreshing(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("caches until skew before expiry", func(t *testing.T) {
		calls := 0
		token := signed(t, now.Add(10*time.Minute))
		r := NewRefreshing(Func(func(context.Context) (string, error) {
			calls++
			return token, nil
		}), time.Minute)
		r.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			got, err := r.Token(ctx)
			require.NoError(t, err)
			assert.Equal(t, token, got)
		}
		assert.Equal(t, 1, calls)

		r.now = func() time.Time { return now.Add(9*time.Minute + 30*time.Second) }
		_, err := r.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, calls, "token inside the skew window is refreshed")
	})

	t.Run("opaque tokens are never cached", func(t *testing.T) {
		calls := 0
		r := NewRefreshing(Func(func(context.Context) (string, error) {
			calls++
			return "opaque", nil
		}), 0)

		_, _ = r.Token(ctx)
		_, _ = r.Token(ctx)
		assert.Equal(t, 2, calls)
	})

	t.Run("invalidate forces refresh", func(t *testing.T) {
		calls := 0
		token := signed(t, now.Add(time.Hour))
		r := NewRefreshing(Func(func(context.Context) (string, error) {
			calls++
			return token, nil
		}), time.Minute)

		_, _ = r.Token(ctx)
		r.Invalidate()
		_, _ = r.Token(ctx)
		assert.Equal(t, 2, calls)
	})

	t.Run("source error propagates", func(t *testing.T) {
		r := NewRefreshing(Static(""), time.Minute)
		_, err := r.Token(ctx)
		assert.ErrorIs(t, err, ErrNoToken)
	})
}

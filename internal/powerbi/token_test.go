package powerbi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dWassimeb/Talk4Finance/internal/errors"
)

func newTokenServer(t *testing.T, expiresIn int, requests *atomic.Int32) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "client-1", r.Form.Get("client_id"))
		assert.Equal(t, "secret-1", r.Form.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": "token-%d", "expires_in": %d}`, n, expiresIn)
	}))
	t.Cleanup(server.Close)

	return server
}

func newTestSource(server *httptest.Server, skew time.Duration) *ClientCredentialsSource {
	src := NewClientCredentialsSource(CredentialConfig{
		AuthorityURL: "unused",
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		Scope:        "https://analysis.windows.net/powerbi/api/.default",
		Skew:         skew,
	}, server.Client())
	src.tokenURL = server.URL

	return src
}

func TestTokenCached(t *testing.T) {
	var requests atomic.Int32
	server := newTokenServer(t, 3600, &requests)
	src := newTestSource(server, 2*time.Minute)

	ctx := context.Background()

	first, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", first)

	// Cached token is reused while valid
	second, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), requests.Load())
}

func TestTokenRefreshWithinSkew(t *testing.T) {
	var requests atomic.Int32

	// Token expires in 60s but the skew is 2m, so it is never considered valid
	server := newTokenServer(t, 60, &requests)
	src := newTestSource(server, 2*time.Minute)

	ctx := context.Background()

	_, err := src.Token(ctx)
	require.NoError(t, err)

	_, err = src.Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), requests.Load())
}

func TestTokenInvalidate(t *testing.T) {
	var requests atomic.Int32
	server := newTokenServer(t, 3600, &requests)
	src := newTestSource(server, 2*time.Minute)

	ctx := context.Background()

	first, err := src.Token(ctx)
	require.NoError(t, err)

	src.Invalidate()

	second, err := src.Token(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), requests.Load())
}

func TestTokenConcurrentCallsSingleAcquisition(t *testing.T) {
	var requests atomic.Int32
	server := newTokenServer(t, 3600, &requests)
	src := newTestSource(server, 2*time.Minute)

	ctx := context.Background()

	var wg sync.WaitGroup
	tokens := make([]string, 10)

	for i := range tokens {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			token, err := src.Token(ctx)
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}

	wg.Wait()

	for _, token := range tokens {
		assert.Equal(t, tokens[0], token)
	}

	// Concurrent callers collapse into at most one acquisition each round
	assert.LessOrEqual(t, requests.Load(), int32(2))
}

func TestTokenPermanentErrorOnBadCredentials(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "invalid_client"}`))
	}))
	t.Cleanup(server.Close)

	src := newTestSource(server, time.Minute)

	_, err := src.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))

	// Credential failures are not retried
	assert.Equal(t, int32(1), requests.Load())
}

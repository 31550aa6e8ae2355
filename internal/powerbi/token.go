package powerbi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/dWassimeb/Talk4Finance/internal/errors"
	"github.com/dWassimeb/Talk4Finance/internal/logging"
)

// TokenSource supplies bearer tokens for the PowerBI REST API
type TokenSource interface {
	// Token returns a valid access token, acquiring a new one if the cached
	// token is missing or about to expire.
	Token(ctx context.Context) (string, error)
	// Invalidate discards the cached token so the next Token call acquires
	// a fresh one.
	Invalidate()
}

const (
	tokenMaxRetryInterval = 10 * time.Second
	tokenMaxElapsedTime   = 30 * time.Second
)

// ClientCredentialsSource caches tokens obtained via the OAuth2
// client-credentials flow. Reads of a valid cached token take a read lock
// only; concurrent refreshes collapse into a single acquisition.
type ClientCredentialsSource struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	skew         time.Duration

	mu     sync.RWMutex
	token  string
	expiry time.Time

	group singleflight.Group
}

// CredentialConfig carries the settings for a ClientCredentialsSource
type CredentialConfig struct {
	AuthorityURL string
	TenantID     string
	ClientID     string
	ClientSecret string
	Scope        string
	Skew         time.Duration
}

// NewClientCredentialsSource creates a token source for the given tenant and
// service principal.
func NewClientCredentialsSource(cfg CredentialConfig, httpClient *http.Client) *ClientCredentialsSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &ClientCredentialsSource{
		httpClient:   httpClient,
		tokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimSuffix(cfg.AuthorityURL, "/"), cfg.TenantID),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        cfg.Scope,
		skew:         cfg.Skew,
	}
}

// Token returns the cached token while it remains valid, otherwise acquires
// a new one. Only one acquisition runs at a time regardless of caller count.
func (s *ClientCredentialsSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	token, expiry := s.token, s.expiry
	s.mu.RUnlock()

	if token != "" && time.Now().Before(expiry.Add(-s.skew)) {
		return token, nil
	}

	result, err, _ := s.group.Do("token", func() (interface{}, error) {
		// Another caller may have refreshed while we waited for the group
		s.mu.RLock()
		token, expiry := s.token, s.expiry
		s.mu.RUnlock()

		if token != "" && time.Now().Before(expiry.Add(-s.skew)) {
			return token, nil
		}

		return s.acquire(ctx)
	})
	if err != nil {
		return "", err
	}

	return result.(string), nil
}

// Invalidate forces the next Token call to acquire a fresh token
func (s *ClientCredentialsSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
}

func (s *ClientCredentialsSource) acquire(ctx context.Context) (string, error) {
	var token string
	var expiresIn int

	operation := func() error {
		form := url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {s.clientID},
			"client_secret": {s.clientSecret},
			"scope":         {s.scope},
		}

		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode != http.StatusOK {
			// Credential errors will not heal on retry
			if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(fmt.Errorf(
					"token endpoint returned %d: %s", resp.StatusCode, string(body)))
			}

			return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
		}

		var parsed struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}

		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to parse token response: %w", err))
		}

		if parsed.AccessToken == "" {
			return backoff.Permanent(fmt.Errorf("token response contained no access token"))
		}

		token = parsed.AccessToken
		expiresIn = parsed.ExpiresIn

		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = tokenMaxRetryInterval
	policy.MaxElapsedTime = tokenMaxElapsedTime

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", errors.Wrap(err, errors.ErrTypeAuth, "failed to acquire PowerBI access token")
	}

	s.mu.Lock()
	s.token = token
	s.expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	s.mu.Unlock()

	logging.Debugf("Acquired PowerBI access token, expires in %ds", expiresIn)

	return token, nil
}

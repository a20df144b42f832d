package mpesa

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/campusmart/mpesapay-gobackend/internal/config"
)

// TokenCache holds the OAuth bearer token for the configured environment.
// The cache TTL is deliberately shorter than the provider's 3600s expiry so
// an expired token is never served. Concurrent refreshes on a cold cache are
// coalesced into a single upstream exchange.
type TokenCache struct {
	cfg        *config.Config
	httpClient *http.Client
	group      singleflight.Group

	mu        sync.Mutex
	token     string
	fetchedAt time.Time
}

func NewTokenCache(cfg *config.Config, httpClient *http.Client) *TokenCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenCache{cfg: cfg, httpClient: httpClient}
}

// Token returns the cached bearer token, refreshing it if the safety TTL has
// lapsed. Fails with AuthError if the provider rejects the credentials.
func (tc *TokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	if tc.token != "" && time.Since(tc.fetchedAt) < tc.cfg.TokenTTL {
		token := tc.token
		tc.mu.Unlock()
		return token, nil
	}
	tc.mu.Unlock()

	v, err, _ := tc.group.Do("token", func() (interface{}, error) {
		// Another caller may have refreshed while we waited on the flight.
		tc.mu.Lock()
		if tc.token != "" && time.Since(tc.fetchedAt) < tc.cfg.TokenTTL {
			token := tc.token
			tc.mu.Unlock()
			return token, nil
		}
		tc.mu.Unlock()
		// The flight is shared, so it runs detached from the caller: one
		// cancelled request must not fail every waiter coalesced onto it.
		fetchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return tc.fetch(fetchCtx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tc *TokenCache) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.cfg.AuthURL(), nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(tc.cfg.ConsumerKey, tc.cfg.ConsumerSecret)

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Printf("Token exchange failed with status %d: %s", resp.StatusCode, string(body))
		return "", &AuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.AccessToken == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Body: "empty access_token in response"}
	}

	tc.mu.Lock()
	tc.token = result.AccessToken
	tc.fetchedAt = time.Now()
	tc.mu.Unlock()

	return result.AccessToken, nil
}

package mpesa

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/campusmart/mpesapay-gobackend/internal/config"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Environment:          "sandbox",
		ConsumerKey:          "key",
		ConsumerSecret:       "secret",
		Shortcode:            "174379",
		Passkey:              "passkey",
		InitiatorName:        "testapi",
		SecurityCredential:   "credential",
		BaseURL:              baseURL,
		CallbackBaseURL:      "https://pay.example.com",
		MinAmount:            10,
		MaxAmount:            150000,
		TokenTTL:             50 * time.Minute,
		PollTimeout:          time.Minute,
		MaxReconcileAttempts: 3,
	}
}

func TestTokenCacheReusesToken(t *testing.T) {
	var fetches int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok1","expires_in":"3599"}`))
	}))
	defer server.Close()

	tc := NewTokenCache(testConfig(server.URL), server.Client())

	for i := 0; i < 3; i++ {
		token, err := tc.Token(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, "tok1", token)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
}

func TestTokenCacheCoalescesConcurrentRefresh(t *testing.T) {
	var fetches int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"access_token":"tok1","expires_in":"3599"}`))
	}))
	defer server.Close()

	tc := NewTokenCache(testConfig(server.URL), server.Client())

	var wg sync.WaitGroup
	tokens := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := tc.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	for _, token := range tokens {
		assert.Equal(t, "tok1", token)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
}

func TestTokenCacheRefreshesAfterTTL(t *testing.T) {
	var fetches int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		w.Write([]byte(`{"access_token":"tok1","expires_in":"3599"}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.TokenTTL = time.Millisecond
	tc := NewTokenCache(cfg, server.Client())

	_, err := tc.Token(context.Background())
	assert.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = tc.Token(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&fetches))
}

func TestTokenCacheSurvivesCallerCancellation(t *testing.T) {
	var fetches int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte(`{"access_token":"tok1","expires_in":"3599"}`))
	}))
	defer server.Close()

	tc := NewTokenCache(testConfig(server.URL), server.Client())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	tokens := make([]string, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		tokens[0], errs[0] = tc.Token(ctx)
	}()
	go func() {
		defer wg.Done()
		tokens[1], errs[1] = tc.Token(context.Background())
	}()

	// Cancel one caller mid-flight; the shared fetch must still finish for
	// the other waiter.
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	for i := range tokens {
		assert.NoError(t, errs[i])
		assert.Equal(t, "tok1", tokens[i])
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
}

func TestTokenCacheRejectedCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errorMessage":"Bad credentials"}`))
	}))
	defer server.Close()

	tc := NewTokenCache(testConfig(server.URL), server.Client())

	_, err := tc.Token(context.Background())
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}

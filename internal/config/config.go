package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every runtime option the service needs. It is built once in
// main and passed by reference into constructors; nothing reads the
// environment after startup.
type Config struct {
	Environment string // "sandbox" or "production"

	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string

	// Reversal credentials, provisioned separately from the consumer key.
	InitiatorName      string
	SecurityCredential string

	BaseURL         string
	CallbackBaseURL string

	MinAmount float64
	MaxAmount float64

	TokenTTL             time.Duration
	PollTimeout          time.Duration
	MaxReconcileAttempts int

	JWTSecret []byte
	MongoURI  string
	Port      string
}

// Load reads configuration from the environment. Credentials are required;
// everything else falls back to sandbox defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:          getEnv("MPESA_ENVIRONMENT", "sandbox"),
		ConsumerKey:          os.Getenv("MPESA_CONSUMER_KEY"),
		ConsumerSecret:       os.Getenv("MPESA_CONSUMER_SECRET"),
		Shortcode:            os.Getenv("MPESA_SHORTCODE"),
		Passkey:              os.Getenv("MPESA_PASSKEY"),
		InitiatorName:        os.Getenv("MPESA_INITIATOR_NAME"),
		SecurityCredential:   os.Getenv("MPESA_SECURITY_CREDENTIAL"),
		CallbackBaseURL:      getEnv("PAYMENT_HOST", "http://localhost:8080"),
		MinAmount:            getEnvFloat("MPESA_MIN_AMOUNT", 10),
		MaxAmount:            getEnvFloat("MPESA_MAX_AMOUNT", 150000),
		TokenTTL:             time.Duration(getEnvInt("MPESA_TOKEN_TTL_SECONDS", 3000)) * time.Second,
		PollTimeout:          time.Duration(getEnvInt("MPESA_POLL_TIMEOUT_SECONDS", 60)) * time.Second,
		MaxReconcileAttempts: getEnvInt("MPESA_MAX_RECONCILE_ATTEMPTS", 3),
		JWTSecret:            []byte(os.Getenv("JWT_SECRET")),
		MongoURI:             os.Getenv("MONGOURI"),
		Port:                 getEnv("PORT", "8080"),
	}

	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, fmt.Errorf("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET must be set")
	}
	if cfg.Shortcode == "" || cfg.Passkey == "" {
		return nil, fmt.Errorf("MPESA_SHORTCODE and MPESA_PASSKEY must be set")
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, fmt.Errorf("JWT_SECRET must be set")
	}

	switch cfg.Environment {
	case "production":
		cfg.BaseURL = "https://api.safaricom.co.ke"
	case "sandbox":
		cfg.BaseURL = "https://sandbox.safaricom.co.ke"
	default:
		return nil, fmt.Errorf("invalid MPESA_ENVIRONMENT %q, must be sandbox or production", cfg.Environment)
	}

	return cfg, nil
}

// AuthURL is the OAuth client-credentials endpoint.
func (c *Config) AuthURL() string {
	return c.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
}

// STKPushURL is the push initiation endpoint.
func (c *Config) STKPushURL() string {
	return c.BaseURL + "/mpesa/stkpush/v1/processrequest"
}

// QueryURL is the push status query endpoint.
func (c *Config) QueryURL() string {
	return c.BaseURL + "/mpesa/stkpushquery/v1/query"
}

// ReversalURL is the transaction reversal endpoint.
func (c *Config) ReversalURL() string {
	return c.BaseURL + "/mpesa/reversal/v1/request"
}

// StkCallbackURL is the public webhook the provider invokes with the push result.
func (c *Config) StkCallbackURL() string {
	return c.CallbackBaseURL + "/api/payment/mpesa-callback"
}

// ReversalCallbackURL receives the asynchronous reversal outcome. Reversal
// results use a different payload shape than push results, so they get their
// own sink.
func (c *Config) ReversalCallbackURL() string {
	return c.CallbackBaseURL + "/api/payment/reversal-callback"
}

// TimeoutCallbackURL receives reversal queue timeouts.
func (c *Config) TimeoutCallbackURL() string {
	return c.CallbackBaseURL + "/api/payment/timeout-callback"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

package crm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

const (
	defaultBaseURL       = "https://api.followupboss.com/v1"
	defaultSystem        = "stagetracker"
	defaultTimeout       = 10 * time.Second
	defaultRPS           = 5.0
	defaultBurst         = 10
	defaultMaxRetries    = 3
	defaultBaseDelay     = 100 * time.Millisecond
	defaultMaxDelay      = 2 * time.Second
	defaultCampaignField = "customCampaignID"
	defaultPageSize      = 100
	maxPageSize          = 100
)

var (
	// ErrAPIKeyRequired is returned when no CRM API key is configured.
	ErrAPIKeyRequired = errors.New("CRM API key is required")

	// ErrInvalidBaseURL is returned when the base URL is not an absolute http(s) URL.
	ErrInvalidBaseURL = errors.New("invalid CRM base URL")

	// ErrInvalidConfig is returned for out-of-range numeric settings.
	ErrInvalidConfig = errors.New("invalid CRM client configuration")
)

// Config holds CRM client configuration.
type Config struct {
	BaseURL string
	apiKey  string

	// System and SystemKey identify this integration to the CRM. SystemKey also signs
	// webhook notifications.
	System    string
	systemKey string

	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration

	// CampaignField is the custom field holding the marketing campaign id.
	CampaignField string
	PageSize      int
}

// LoadConfig loads CRM client config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		BaseURL:           config.GetEnvStr("STAGETRACKER_CRM_BASE_URL", defaultBaseURL),
		apiKey:            strings.TrimSpace(config.GetEnvStr("STAGETRACKER_CRM_API_KEY", "")),
		System:            config.GetEnvStr("STAGETRACKER_CRM_SYSTEM", defaultSystem),
		systemKey:         strings.TrimSpace(config.GetEnvStr("STAGETRACKER_CRM_SYSTEM_KEY", "")),
		Timeout:           config.GetEnvDuration("STAGETRACKER_CRM_TIMEOUT", defaultTimeout),
		RequestsPerSecond: config.GetEnvFloat64("STAGETRACKER_CRM_RPS", defaultRPS),
		Burst:             config.GetEnvInt("STAGETRACKER_CRM_BURST", defaultBurst),
		MaxRetries:        config.GetEnvInt("STAGETRACKER_CRM_MAX_RETRIES", defaultMaxRetries),
		BaseDelay:         config.GetEnvDuration("STAGETRACKER_CRM_RETRY_BASE_DELAY", defaultBaseDelay),
		MaxDelay:          config.GetEnvDuration("STAGETRACKER_CRM_RETRY_MAX_DELAY", defaultMaxDelay),
		CampaignField:     config.GetEnvStr("STAGETRACKER_CRM_CAMPAIGN_FIELD", defaultCampaignField),
		PageSize:          config.GetEnvInt("STAGETRACKER_CRM_PAGE_SIZE", defaultPageSize),
	}
}

// NewConfig returns the defaults for an explicit base URL and API key.
func NewConfig(baseURL, apiKey string) *Config {
	return &Config{
		BaseURL:           baseURL,
		apiKey:            apiKey,
		System:            defaultSystem,
		Timeout:           defaultTimeout,
		RequestsPerSecond: defaultRPS,
		Burst:             defaultBurst,
		MaxRetries:        defaultMaxRetries,
		BaseDelay:         defaultBaseDelay,
		MaxDelay:          defaultMaxDelay,
		CampaignField:     defaultCampaignField,
		PageSize:          defaultPageSize,
	}
}

// WithSystemKey sets the system key and returns c.
func (c *Config) WithSystemKey(key string) *Config {
	c.systemKey = strings.TrimSpace(key)

	return c
}

// SystemKey returns the configured system key, used to verify webhook signatures.
func (c *Config) SystemKey() string {
	return c.systemKey
}

// Configured reports whether an API key was provided.
func (c *Config) Configured() bool {
	return c.apiKey != ""
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.apiKey == "" {
		return ErrAPIKeyRequired
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.BaseURL)
	}

	switch {
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	case c.RequestsPerSecond <= 0:
		return fmt.Errorf("%w: requests per second must be positive", ErrInvalidConfig)
	case c.Burst < 1:
		return fmt.Errorf("%w: burst must be at least 1", ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	case c.PageSize < 1 || c.PageSize > maxPageSize:
		return fmt.Errorf("%w: page size must be between 1 and %d", ErrInvalidConfig, maxPageSize)
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice bridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8000"`

	// Public base URL for this service. Twilio dials wss://<host>/outbound-media-stream,
	// so one of PUBLIC_URL or RAILWAY_PUBLIC_DOMAIN must resolve to this process.
	PublicURL           string `envconfig:"PUBLIC_URL" default:""`
	RailwayPublicDomain string `envconfig:"RAILWAY_PUBLIC_DOMAIN" default:""`

	// Environment name (development enables pretty console logging)
	Environment string `envconfig:"NODE_ENV" default:"production"`

	// ElevenLabs conversational agent configuration
	ElevenLabsAPIKey  string `envconfig:"ELEVENLABS_API_KEY" required:"true"`
	ElevenLabsAgentID string `envconfig:"ELEVENLABS_AGENT_ID" required:"true"`

	// Twilio configuration
	TwilioAccountSID  string `envconfig:"TWILIO_ACCOUNT_SID" required:"true"`
	TwilioAuthToken   string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	TwilioPhoneNumber string `envconfig:"TWILIO_PHONE_NUMBER" required:"true"`

	// Cal.com booking backend
	CalComAPIKey  string `envconfig:"CAL_COM_API_KEY" default:""`
	CalComBaseURL string `envconfig:"CAL_COM_BASE_URL" default:"https://api.cal.com"`

	// Signed URL cache configuration
	URLCacheSize     int `envconfig:"URL_CACHE_SIZE" default:"3"`       // Initial number of prewarmed signed URLs
	URLCacheMaxTTL   int `envconfig:"URL_CACHE_MAX_TTL" default:"300"`  // Signed URL lifetime in seconds
	AgentDialTimeout int `envconfig:"AGENT_DIAL_TIMEOUT" default:"3"`   // Agent WebSocket connect timeout in seconds

	// Session bridge configuration
	AudioBufferFrames    int `envconfig:"AUDIO_BUFFER_FRAMES" default:"150"`   // Max buffered audio frames per direction
	AgentOpenTimeout     int `envconfig:"AGENT_OPEN_TIMEOUT" default:"3"`      // Seconds to wait for agent open after telco start
	VoicemailMaxDuration int `envconfig:"VOICEMAIL_MAX_DURATION" default:"30"` // Voicemail session watchdog in seconds
	ToolCallTimeout      int `envconfig:"TOOL_CALL_TIMEOUT" default:"10"`      // Calendar backend timeout in seconds
	AMDFinalizeTimeout   int `envconfig:"AMD_FINALIZE_TIMEOUT" default:"60"`   // Seconds from machine classification to forced finalize

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"2"`             // Attempts for signed URL acquisition
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.ElevenLabsAPIKey == "" {
		missing = append(missing, "ELEVENLABS_API_KEY")
	}
	if c.ElevenLabsAgentID == "" {
		missing = append(missing, "ELEVENLABS_AGENT_ID")
	}
	if c.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if c.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if c.TwilioPhoneNumber == "" {
		missing = append(missing, "TWILIO_PHONE_NUMBER")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PublicHost returns the externally reachable host used in TwiML stream URLs.
// PUBLIC_URL wins over RAILWAY_PUBLIC_DOMAIN; both may carry a scheme prefix.
func (c *Config) PublicHost() string {
	host := c.PublicURL
	if host == "" {
		host = c.RailwayPublicDomain
	}
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimSuffix(host, "/")
}

// IsDevelopment reports whether the process runs in a development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

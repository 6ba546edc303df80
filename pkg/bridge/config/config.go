package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultInstructions = "You are a helpful and upbeat phone agent for a mortgage " +
	"brokerage. Answer questions about rates and products, keep answers short enough " +
	"to speak comfortably, and offer to text a follow-up summary when it would help."

const defaultGreeting = "Greet the caller warmly and ask how you can help them today."

type Config struct {
	Addr string

	// PublicHost is the externally reachable host used when building the
	// media stream URL handed back to the telephony provider.
	PublicHost string

	// AI realtime upstream.
	OpenAIAPIKey     string
	RealtimeBaseURL  string
	RealtimeModel    string
	Voice            string
	Temperature      float64
	TurnThreshold    float64
	TurnSilence      time.Duration
	Instructions     string
	Greeting         string
	HandshakeTimeout time.Duration

	// Session behavior.
	WriteTimeout          time.Duration
	TeardownOnAIClose     bool
	RejectDuplicateCaller bool
	ReplayHistory         bool

	// Transcript persistence. Empty DatabaseURL selects the in-memory store.
	DatabaseURL string

	// SMS follow-up backend. Optional; the SMS tool is registered only when
	// all three credentials are present.
	SMSBaseURL    string
	SMSAccountSID string
	SMSAuthToken  string
	SMSFrom       string

	// Canned rate sheet spoken by the rates tool.
	RatesText string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("CALLBRIDGE_ADDR", ":8080"),
		PublicHost:            envOr("CALLBRIDGE_PUBLIC_HOST", ""),
		OpenAIAPIKey:          strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		RealtimeBaseURL:       envOr("CALLBRIDGE_REALTIME_BASE_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:         envOr("CALLBRIDGE_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		Voice:                 envOr("CALLBRIDGE_VOICE", "alloy"),
		Temperature:           envFloat64Or("CALLBRIDGE_TEMPERATURE", 0.8),
		TurnThreshold:         envFloat64Or("CALLBRIDGE_TURN_THRESHOLD", 0.6),
		TurnSilence:           envDurationOr("CALLBRIDGE_TURN_SILENCE", 800*time.Millisecond),
		Instructions:          envOr("CALLBRIDGE_INSTRUCTIONS", defaultInstructions),
		Greeting:              envOr("CALLBRIDGE_GREETING", defaultGreeting),
		HandshakeTimeout:      envDurationOr("CALLBRIDGE_HANDSHAKE_TIMEOUT", 10*time.Second),
		WriteTimeout:          envDurationOr("CALLBRIDGE_WRITE_TIMEOUT", 5*time.Second),
		TeardownOnAIClose:     envBoolOr("CALLBRIDGE_TEARDOWN_ON_AI_CLOSE", false),
		RejectDuplicateCaller: envBoolOr("CALLBRIDGE_REJECT_DUPLICATE_CALLER", true),
		ReplayHistory:         envBoolOr("CALLBRIDGE_REPLAY_HISTORY", true),
		DatabaseURL:           strings.TrimSpace(os.Getenv("CALLBRIDGE_DATABASE_URL")),
		SMSBaseURL:            envOr("CALLBRIDGE_SMS_BASE_URL", ""),
		SMSAccountSID:         strings.TrimSpace(os.Getenv("CALLBRIDGE_SMS_ACCOUNT_SID")),
		SMSAuthToken:          strings.TrimSpace(os.Getenv("CALLBRIDGE_SMS_AUTH_TOKEN")),
		SMSFrom:               envOr("CALLBRIDGE_SMS_FROM", ""),
		RatesText:             envOr("CALLBRIDGE_RATES_TEXT", "Current rates start at 6.8 percent APR on a 30-year fixed."),
		ReadHeaderTimeout:     envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_REALTIME_MODEL must not be empty")
	}
	if !strings.HasPrefix(cfg.RealtimeBaseURL, "ws://") && !strings.HasPrefix(cfg.RealtimeBaseURL, "wss://") {
		return Config{}, fmt.Errorf("CALLBRIDGE_REALTIME_BASE_URL must be a ws:// or wss:// URL")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("CALLBRIDGE_TEMPERATURE must be in [0, 2]")
	}
	if cfg.TurnThreshold < 0 || cfg.TurnThreshold > 1 {
		return Config{}, fmt.Errorf("CALLBRIDGE_TURN_THRESHOLD must be in [0, 1]")
	}
	if cfg.TurnSilence <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_TURN_SILENCE must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	// SMS credentials are all-or-nothing.
	smsSet := 0
	for _, v := range []string{cfg.SMSBaseURL, cfg.SMSAccountSID, cfg.SMSAuthToken, cfg.SMSFrom} {
		if v != "" {
			smsSet++
		}
	}
	if smsSet != 0 && smsSet != 4 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SMS_BASE_URL, CALLBRIDGE_SMS_ACCOUNT_SID, CALLBRIDGE_SMS_AUTH_TOKEN and CALLBRIDGE_SMS_FROM must all be set together")
	}

	return cfg, nil
}

// SMSEnabled reports whether the follow-up SMS backend is fully configured.
func (c Config) SMSEnabled() bool {
	return c.SMSBaseURL != "" && c.SMSAccountSID != "" && c.SMSAuthToken != "" && c.SMSFrom != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

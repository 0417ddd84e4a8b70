package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// CredentialSlot is the single named slot in local storage that holds
	// the encoded bearer credential.
	CredentialSlot = "userToken"

	// Greeting seeds a freshly created session's transcript.
	Greeting = "Hello! How can I assist you with user management tasks today?"

	// ConfirmText and RejectText are the synthetic user turns appended when
	// the user decides on a pending batch confirmation.
	ConfirmText = "Yes, proceed."
	RejectText  = "No, I need to make changes."

	// SummarizeSentinel is the distinguished message that asks the server
	// for the final summary of a finished batch run.
	SummarizeSentinel = "ACTION:SUMMARIZE_RESULTS"

	// ErrorReply is the assistant-style turn recorded when a rejection
	// exchange fails server-side.
	ErrorReply = "An error occurred. Please try again."
)

// Config holds application configuration
type Config struct {
	APIBaseURL    string        `env:"USERBOT_API_URL" envDefault:"http://localhost:8000"`
	DBPath        string        `env:"USERBOT_DB" envDefault:"userbot.db"`
	HTTPTimeout   time.Duration `env:"USERBOT_HTTP_TIMEOUT" envDefault:"60s"`
	StreamTimeout time.Duration `env:"USERBOT_STREAM_TIMEOUT" envDefault:"5m"`

	// Set from flags, not the environment.
	Email string `env:"-"`
	Debug bool   `env:"-"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

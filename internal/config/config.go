// Package config centralizes tuning knobs for the session coordinator
// and the gateway daemon. Values come from COURTROOM_* environment
// variables (with defaults) and may be overridden by an optional YAML
// file for the timing knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Coordinator holds the timing policy every client of a session must
// agree on.
type Coordinator struct {
	// DefaultTrialDuration is used when the host starts a trial
	// without an explicit duration.
	DefaultTrialDuration time.Duration `yaml:"default_trial_duration"`
	// VoteTimeout bounds how long a consensus vote stays open.
	VoteTimeout time.Duration `yaml:"vote_timeout"`
	// PaymentWatchdog bounds how long a paying host may stay absent
	// before the host-left alarm is allowed to fire.
	PaymentWatchdog time.Duration `yaml:"payment_watchdog"`
	// ReturnGrace delays the presence re-check after a recent
	// payment-completed marker.
	ReturnGrace time.Duration `yaml:"return_grace"`
	// ArrivalGrace delays the presence re-check when this device is
	// itself returning from a payment redirect.
	ArrivalGrace time.Duration `yaml:"arrival_grace"`
	// EvidenceWindow is how far back the transcript is scanned for
	// payment-completed markers.
	EvidenceWindow time.Duration `yaml:"evidence_window"`
}

// Gateway holds settings for the WebSocket bridge daemon.
type Gateway struct {
	Port        string
	NATSURL     string
	KVBucket    string
	DatabaseURL string
}

// Config is the full daemon configuration.
type Config struct {
	Coordinator Coordinator
	Gateway     Gateway
}

// DefaultCoordinator returns the documented default timing policy.
func DefaultCoordinator() Coordinator {
	return Coordinator{
		DefaultTrialDuration: 5 * time.Minute,
		VoteTimeout:          30 * time.Second,
		PaymentWatchdog:      10 * time.Minute,
		ReturnGrace:          30 * time.Second,
		ArrivalGrace:         90 * time.Second,
		EvidenceWindow:       2 * time.Minute,
	}
}

// FromEnv assembles the configuration from environment variables.
func FromEnv() Config {
	coord := DefaultCoordinator()
	coord.DefaultTrialDuration = getEnvDuration("COURTROOM_TRIAL_DURATION", coord.DefaultTrialDuration)
	coord.VoteTimeout = getEnvDuration("COURTROOM_VOTE_TIMEOUT", coord.VoteTimeout)
	coord.PaymentWatchdog = getEnvDuration("COURTROOM_PAYMENT_WATCHDOG", coord.PaymentWatchdog)
	coord.ReturnGrace = getEnvDuration("COURTROOM_RETURN_GRACE", coord.ReturnGrace)
	coord.ArrivalGrace = getEnvDuration("COURTROOM_ARRIVAL_GRACE", coord.ArrivalGrace)
	coord.EvidenceWindow = getEnvDuration("COURTROOM_EVIDENCE_WINDOW", coord.EvidenceWindow)

	return Config{
		Coordinator: coord,
		Gateway: Gateway{
			Port:        getEnv("PORT", "8080"),
			NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
			KVBucket:    getEnv("COURTROOM_KV_BUCKET", "COURTROOM_SESSIONS"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
	}
}

// LoadCoordinatorFile overlays timing knobs from a YAML file onto cfg.
func LoadCoordinatorFile(path string, cfg *Coordinator) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// UnmarshalYAML accepts Go duration strings ("30s", "5m") for the
// timing knobs, which yaml cannot decode into time.Duration natively.
// Knobs absent from the document keep their current values.
func (c *Coordinator) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DefaultTrialDuration string `yaml:"default_trial_duration"`
		VoteTimeout          string `yaml:"vote_timeout"`
		PaymentWatchdog      string `yaml:"payment_watchdog"`
		ReturnGrace          string `yaml:"return_grace"`
		ArrivalGrace         string `yaml:"arrival_grace"`
		EvidenceWindow       string `yaml:"evidence_window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	overlay := func(s string, dst *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*dst = d
		return nil
	}

	if err := overlay(raw.DefaultTrialDuration, &c.DefaultTrialDuration); err != nil {
		return err
	}
	if err := overlay(raw.VoteTimeout, &c.VoteTimeout); err != nil {
		return err
	}
	if err := overlay(raw.PaymentWatchdog, &c.PaymentWatchdog); err != nil {
		return err
	}
	if err := overlay(raw.ReturnGrace, &c.ReturnGrace); err != nil {
		return err
	}
	if err := overlay(raw.ArrivalGrace, &c.ArrivalGrace); err != nil {
		return err
	}
	return overlay(raw.EvidenceWindow, &c.EvidenceWindow)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

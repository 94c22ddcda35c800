package session

import (
	"time"

	"github.com/rs/zerolog"

	"bluetooth-obd/internal/connmgr"
	"bluetooth-obd/internal/metrics"
)

const (
	// DefaultDelimiter is the prompt ELM327-style interfaces print when
	// they are ready for the next command.
	DefaultDelimiter byte = '>'

	DefaultTimeoutBudget  = 500
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultSettleDelay    = 50 * time.Millisecond
	DefaultConnectTimeout = 15 * time.Second
)

// Config holds the protocol tuneables of a Session.
type Config struct {
	// ServiceUUID identifies the remote service. It is the fixed SPP UUID
	// unless the adapter publishes a vendor-specific one.
	ServiceUUID string

	// Delimiter ends a received frame.
	Delimiter byte

	// TimeoutBudget is the number of consecutive empty polls after which a
	// receive gives up.
	TimeoutBudget int

	// PollInterval is the pause after an empty poll.
	PollInterval time.Duration

	// SettleDelay is the pause after a flushed transmit.
	SettleDelay time.Duration

	// ConnectTimeout bounds Connect on top of the caller's context.
	// Zero disables it.
	ConnectTimeout time.Duration
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		ServiceUUID:    connmgr.SPPUUID,
		Delimiter:      DefaultDelimiter,
		TimeoutBudget:  DefaultTimeoutBudget,
		PollInterval:   DefaultPollInterval,
		SettleDelay:    DefaultSettleDelay,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ServiceUUID == "" {
		c.ServiceUUID = d.ServiceUUID
	}
	if c.Delimiter == 0 {
		c.Delimiter = d.Delimiter
	}
	if c.TimeoutBudget <= 0 {
		c.TimeoutBudget = d.TimeoutBudget
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	return c
}

// Option configures a Session.
type Option func(*Session)

// WithConfig replaces the protocol settings. ServiceUUID, Delimiter,
// TimeoutBudget and PollInterval take defaults when zero; a zero
// SettleDelay or ConnectTimeout means none.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger (default: disabled).
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Session) { s.metrics = m }
}

// Package config defines the runtime configuration of obdctl: which device
// to reach, over which link, and how frames are delimited and timed.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bluetooth-obd/internal/session"
)

// Config holds every tuneable for one obdctl run.
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Link    LinkConfig    `mapstructure:"link"`
	Framing FramingConfig `mapstructure:"framing"`
	Adapter AdapterConfig `mapstructure:"adapter"`
	Log     LogConfig     `mapstructure:"log"`
}

// DeviceConfig is the endpoint identity handed over by discovery.
type DeviceConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

type LinkConfig struct {
	Transport      string        `mapstructure:"transport"`
	ServiceUUID    string        `mapstructure:"service_uuid"`
	Channel        int           `mapstructure:"channel"`
	SerialPath     string        `mapstructure:"serial_path"`
	BaudRate       int           `mapstructure:"baud_rate"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type FramingConfig struct {
	Delimiter     string        `mapstructure:"delimiter"`
	TimeoutBudget int           `mapstructure:"timeout_budget"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
}

// AdapterConfig lists commands sent once after connecting.
type AdapterConfig struct {
	Init []string `mapstructure:"init"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FieldError represents an invalid configuration value.
type FieldError struct {
	Field   string      // dotted config key
	Value   interface{} // the invalid value (nil if missing)
	Message string
	Hint    string // optional suggestion
}

func (e *FieldError) Error() string {
	msg := "config: " + e.Field
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// Validate checks that the configuration is internally consistent. The
// device address is not required here; commands that dial check it.
func (c *Config) Validate() error {
	switch c.Link.Transport {
	case TransportProfile, TransportSocket, TransportSerial:
	default:
		return &FieldError{Field: "link.transport", Value: c.Link.Transport,
			Message: "unknown transport", Hint: "use profile, socket or serial"}
	}
	if c.Link.ServiceUUID == "" {
		return &FieldError{Field: "link.service_uuid", Message: "must not be empty"}
	}
	if c.Link.Channel < 1 || c.Link.Channel > 30 {
		return &FieldError{Field: "link.channel", Value: c.Link.Channel, Message: "RFCOMM channel must be 1-30"}
	}
	if c.Link.Transport == TransportSerial && c.Link.SerialPath == "" {
		return &FieldError{Field: "link.serial_path", Message: "required for the serial transport"}
	}
	if c.Link.BaudRate <= 0 {
		return &FieldError{Field: "link.baud_rate", Value: c.Link.BaudRate, Message: "must be positive"}
	}
	if c.Link.ConnectTimeout < 0 {
		return &FieldError{Field: "link.connect_timeout", Value: c.Link.ConnectTimeout, Message: "must not be negative"}
	}
	if len(c.Framing.Delimiter) != 1 {
		return &FieldError{Field: "framing.delimiter", Value: c.Framing.Delimiter,
			Message: "must be exactly one byte", Hint: `">" for ELM327 prompts, "\n" for line mode`}
	}
	if c.Framing.Delimiter == "\r" {
		return &FieldError{Field: "framing.delimiter", Value: `\r`,
			Message: "carriage returns are always stripped and cannot delimit frames"}
	}
	if c.Framing.TimeoutBudget < 1 {
		return &FieldError{Field: "framing.timeout_budget", Value: c.Framing.TimeoutBudget, Message: "must be at least 1"}
	}
	if c.Framing.PollInterval <= 0 {
		return &FieldError{Field: "framing.poll_interval", Value: c.Framing.PollInterval, Message: "must be positive"}
	}
	if c.Framing.SettleDelay < 0 {
		return &FieldError{Field: "framing.settle_delay", Value: c.Framing.SettleDelay, Message: "must not be negative"}
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return &FieldError{Field: "log.level", Value: c.Log.Level, Message: "unknown level",
			Hint: "use trace, debug, info, warn, error or disabled"}
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return &FieldError{Field: "log.format", Value: c.Log.Format, Message: "unknown format", Hint: "use console or json"}
	}
	return nil
}

// Session converts the link and framing settings into session settings.
func (c *Config) Session() session.Config {
	var delim byte
	if c.Framing.Delimiter != "" {
		delim = c.Framing.Delimiter[0]
	}
	return session.Config{
		ServiceUUID:    c.Link.ServiceUUID,
		Delimiter:      delim,
		TimeoutBudget:  c.Framing.TimeoutBudget,
		PollInterval:   c.Framing.PollInterval,
		SettleDelay:    c.Framing.SettleDelay,
		ConnectTimeout: c.Link.ConnectTimeout,
	}
}

package config

import (
	"os"
	"path/filepath"
	"runtime"

	"bluetooth-obd/internal/connmgr"
	"bluetooth-obd/internal/session"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the config file template, and environment loading.

const (
	// EnvPrefix prefixes every environment override, e.g.
	// OBD_DEVICE_ADDRESS or OBD_FRAMING_SETTLE_DELAY.
	EnvPrefix = "OBD"

	// FileName is the config file looked up in DefaultDir.
	FileName = "config.toml"

	TransportProfile = "profile"
	TransportSocket  = "socket"
	TransportSerial  = "serial"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// DefaultInit is sent once after connecting: reset, then echo off so
// replies do not repeat the command.
var DefaultInit = []string{"ATZ", "ATE0"}

// DefaultTransport is the BlueZ profile dialer on Linux and an OS-bound
// serial port elsewhere.
func DefaultTransport() string {
	if runtime.GOOS == "linux" {
		return TransportProfile
	}
	return TransportSerial
}

// DefaultDir is where the config file is looked up when none is given.
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "obdctl")
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	sc := session.DefaultConfig()
	return Config{
		Link: LinkConfig{
			Transport:      DefaultTransport(),
			ServiceUUID:    connmgr.SPPUUID,
			Channel:        int(connmgr.DefaultRFCOMMChannel),
			SerialPath:     connmgr.DefaultSerialPath,
			BaudRate:       connmgr.DefaultBaudRate,
			ConnectTimeout: sc.ConnectTimeout,
		},
		Framing: FramingConfig{
			Delimiter:     string(sc.Delimiter),
			TimeoutBudget: sc.TimeoutBudget,
			PollInterval:  sc.PollInterval,
			SettleDelay:   sc.SettleDelay,
		},
		Adapter: AdapterConfig{Init: append([]string(nil), DefaultInit...)},
		Log:     LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bluetooth-obd/internal/config"
	"bluetooth-obd/internal/connmgr"
	"bluetooth-obd/internal/metrics"
	"bluetooth-obd/internal/session"
)

var errMissingAddress = errors.New("device address required: set --address, OBD_DEVICE_ADDRESS or device.address")

// wireFunc builds the dialer for cfg's transport. release frees whatever the
// dialer holds (D-Bus connection, registered profiles) and may be nil.
type wireFunc func(cfg *config.Config) (d connmgr.Dialer, release func() error, err error)

func wireDialer(cfg *config.Config) (connmgr.Dialer, func() error, error) {
	switch cfg.Link.Transport {
	case config.TransportProfile:
		d := connmgr.NewProfileDialer()
		return d, d.Close, nil
	case config.TransportSocket:
		return connmgr.NewSocketDialer(uint8(cfg.Link.Channel)), nil, nil
	case config.TransportSerial:
		return connmgr.NewSerialDialer(cfg.Link.SerialPath, cfg.Link.BaudRate), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Link.Transport)
	}
}

// run is one wired session plus everything needed to tear it down.
type run struct {
	cfg     *config.Config
	log     zerolog.Logger
	sess    *session.Session
	stats   *metrics.Collector
	release func() error
}

// open loads the configuration and wires a Session for it. The session is
// not connected yet.
func (c *cli) open(cmd *cobra.Command) (*run, error) {
	cfg, err := config.Load(c.v, c.cfgPath)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cmd.ErrOrStderr(), cfg.Log, c.verbose)
	if err != nil {
		return nil, err
	}
	// The serial transport reaches an already-bound port; every other
	// transport needs to know which device to dial.
	if cfg.Device.Address == "" && cfg.Link.Transport != config.TransportSerial {
		return nil, errMissingAddress
	}

	d, release, err := c.wire(cfg)
	if err != nil {
		return nil, err
	}

	ep := connmgr.Endpoint{Name: cfg.Device.Name, Address: cfg.Device.Address}
	stats := metrics.New()
	sess := session.New(ep, d,
		session.WithConfig(cfg.Session()),
		session.WithLogger(log),
		session.WithNotifier(logNotifier(log)),
		session.WithMetrics(stats),
	)
	log.Debug().Str("transport", cfg.Link.Transport).Stringer("endpoint", ep).Msg("session wired")

	return &run{cfg: cfg, log: log, sess: sess, stats: stats, release: release}, nil
}

// close disconnects if still connected and releases the dialer.
func (r *run) close() {
	if r.sess.Connected() {
		if err := r.sess.Disconnect(); err != nil {
			r.log.Warn().Err(err).Msg("disconnect")
		}
	}
	if r.release != nil {
		if err := r.release(); err != nil {
			r.log.Warn().Err(err).Msg("release dialer")
		}
	}
}

func newLogger(w io.Writer, lc config.LogConfig, verbose bool) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	out := w
	if strings.ToLower(lc.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", "obdctl").Logger(), nil
}

// logNotifier reports session events on the logger. Faults are warnings,
// everything else is debug chatter.
func logNotifier(log zerolog.Logger) session.Notifier {
	return session.NotifierFunc(func(e session.Event) {
		ev := log.Debug()
		if e.Kind == session.EventTransportFault {
			ev = log.Warn()
		}
		ev = ev.Str("event", e.Kind.String()).Stringer("endpoint", e.Endpoint)
		if e.Frame != "" {
			ev = ev.Str("frame", e.Frame)
		}
		if e.Err != nil {
			ev = ev.Err(e.Err)
		}
		ev.Msg("session event")
	})
}

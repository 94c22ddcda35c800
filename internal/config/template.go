package config

import (
	toml "github.com/pelletier/go-toml/v2"
)

// Template renders Default() as a TOML document that Load accepts.
// Durations are written in time.ParseDuration form.
func Template() ([]byte, error) {
	d := Default()
	doc := map[string]any{
		"device": map[string]any{
			"name":    d.Device.Name,
			"address": d.Device.Address,
		},
		"link": map[string]any{
			"transport":       d.Link.Transport,
			"service_uuid":    d.Link.ServiceUUID,
			"channel":         d.Link.Channel,
			"serial_path":     d.Link.SerialPath,
			"baud_rate":       d.Link.BaudRate,
			"connect_timeout": d.Link.ConnectTimeout.String(),
		},
		"framing": map[string]any{
			"delimiter":      d.Framing.Delimiter,
			"timeout_budget": d.Framing.TimeoutBudget,
			"poll_interval":  d.Framing.PollInterval.String(),
			"settle_delay":   d.Framing.SettleDelay.String(),
		},
		"adapter": map[string]any{
			"init": d.Adapter.Init,
		},
		"log": map[string]any{
			"level":  d.Log.Level,
			"format": d.Log.Format,
		},
	}
	return toml.Marshal(doc)
}

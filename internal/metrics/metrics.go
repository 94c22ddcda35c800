// Package metrics provides lightweight, lock-free counters for an OBD
// session: link lifecycle, frame traffic and failures.
//
// All methods are safe for concurrent use. A nil *Collector is a valid
// no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one or more sessions.
type Collector struct {
	connects        atomic.Int64
	connectFailures atomic.Int64
	disconnects     atomic.Int64
	framesSent      atomic.Int64
	framesReceived  atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	receiveTimeouts atomic.Int64
	transportFaults atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Link lifecycle ───────────────────────────────────────────────────

// Connected records a successful connect.
func (c *Collector) Connected() {
	if c == nil {
		return
	}
	c.connects.Add(1)
}

// ConnectFailed records a failed connect attempt.
func (c *Collector) ConnectFailed(err error) {
	if c == nil {
		return
	}
	c.connectFailures.Add(1)
	c.recordError(err)
}

// Disconnected records a transition out of the connected state.
func (c *Collector) Disconnected() {
	if c == nil {
		return
	}
	c.disconnects.Add(1)
}

// ── Frame traffic ────────────────────────────────────────────────────

// FrameSent records one transmitted frame of n wire bytes.
func (c *Collector) FrameSent(n int) {
	if c == nil {
		return
	}
	c.framesSent.Add(1)
	c.bytesOut.Add(int64(n))
}

// FrameReceived records one reassembled frame.
func (c *Collector) FrameReceived() {
	if c == nil {
		return
	}
	c.framesReceived.Add(1)
}

// BytesReceived records n raw bytes read from the link.
func (c *Collector) BytesReceived(n int) {
	if c == nil {
		return
	}
	c.bytesIn.Add(int64(n))
}

// ── Failures ─────────────────────────────────────────────────────────

// ReceiveTimeout records a receive that ran out of budget.
func (c *Collector) ReceiveTimeout() {
	if c == nil {
		return
	}
	c.receiveTimeouts.Add(1)
}

// TransportFault records an I/O failure that tore the link down.
func (c *Collector) TransportFault(err error) {
	if c == nil {
		return
	}
	c.transportFaults.Add(1)
	c.recordError(err)
}

func (c *Collector) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = err.Error()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	Connects         int64  `json:"connects"`
	ConnectFailures  int64  `json:"connect_failures"`
	Disconnects      int64  `json:"disconnects"`
	FramesSent       int64  `json:"frames_sent"`
	FramesReceived   int64  `json:"frames_received"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ReceiveTimeouts  int64  `json:"receive_timeouts"`
	TransportFaults  int64  `json:"transport_faults"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		Connects:        c.connects.Load(),
		ConnectFailures: c.connectFailures.Load(),
		Disconnects:     c.disconnects.Load(),
		FramesSent:      c.framesSent.Load(),
		FramesReceived:  c.framesReceived.Load(),
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		ReceiveTimeouts: c.receiveTimeouts.Load(),
		TransportFaults: c.transportFaults.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

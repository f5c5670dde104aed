// Package workerpool implements the Worker Pool: it launches each
// Active plugin as an out-of-process worker, speaks a JSON-framed stdio
// protocol to dispatch lifecycle hooks and mediate the plugin's host
// API calls through the capability package, and enforces resource
// ceilings and idle reclaim.
package workerpool

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/efficientgo/core/errors"
)

// EnvelopeKind discriminates the sum-typed messages exchanged over a
// worker's stdio pipe.
type EnvelopeKind string

const (
	KindHookCall     EnvelopeKind = "hook_call"
	KindHookResult   EnvelopeKind = "hook_result"
	KindHostRequest  EnvelopeKind = "host_request"
	KindHostResponse EnvelopeKind = "host_response"
	// KindHealthPing/KindHealthPong are the liveness probe spec.md §4.4
	// describes as "a liveness endpoint polled every health_check_interval";
	// out-of-process here means a ping/pong frame rather than an HTTP
	// endpoint, but the semantics (missed response -> Unresponsive) match.
	KindHealthPing EnvelopeKind = "health_ping"
	KindHealthPong EnvelopeKind = "health_pong"
)

// HookCall asks the worker to invoke a named manifest hook. State, when
// present, is the snapshot the plugin's previous incarnation returned
// from onUnload (spec.md §4.4's getState()/setState(obj) ctx), handed
// to onLoad so plugin state survives a hot reload.
type HookCall struct {
	Hook    string          `json:"hook"`
	Payload json.RawMessage `json:"payload,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
}

// HookResult is the worker's reply to a HookCall. State is only
// meaningful on an onUnload result: it is the snapshot handed to the
// next incarnation's onLoad (spec.md §8 property 6's round-trip).
type HookResult struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
}

// HostRequestType discriminates the sandboxed host API calls a plugin
// may issue (spec.md §4.3): ReadFile | WriteFile | Fetch | Metric.
type HostRequestType string

const (
	HostReadFile  HostRequestType = "read_file"
	HostWriteFile HostRequestType = "write_file"
	HostFetch     HostRequestType = "fetch"
	HostMetric    HostRequestType = "metric"
)

// HostRequest is a worker-initiated call into the sandboxed host API.
type HostRequest struct {
	Type   HostRequestType `json:"type"`
	Path   string          `json:"path,omitempty"`
	Data   []byte          `json:"data,omitempty"`
	URL    string          `json:"url,omitempty"`
	Method string          `json:"method,omitempty"`
	Body   []byte          `json:"body,omitempty"`
	Metric string          `json:"metric,omitempty"`
	Value  float64         `json:"value,omitempty"`
}

// HostResponse answers a HostRequest.
type HostResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Status int    `json:"status,omitempty"`
}

// Envelope multiplexes every message direction over one newline-delimited
// JSON stream: host -> worker hook calls, worker -> host hook results,
// worker -> host capability requests, and host -> worker capability
// responses, matched by CorrelationID.
type Envelope struct {
	Kind          EnvelopeKind  `json:"kind"`
	CorrelationID string        `json:"correlation_id"`
	Hook          *HookCall     `json:"hook,omitempty"`
	HookResult    *HookResult   `json:"hook_result,omitempty"`
	HostRequest   *HostRequest  `json:"host_request,omitempty"`
	HostResponse  *HostResponse `json:"host_response,omitempty"`
}

// Codec reads and writes Envelopes over a worker's stdio pipes. Writes
// are serialized with a mutex since both the hook-dispatch and
// host-response paths write concurrently.
type Codec struct {
	mu  sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
}

// NewCodec wraps a worker process's stdin (for writing) and stdout (for
// reading) in a line-delimited JSON codec.
func NewCodec(w io.Writer, r io.Reader) *Codec {
	return &Codec{
		enc: json.NewEncoder(w),
		dec: json.NewDecoder(bufio.NewReader(r)),
	}
}

// Write sends an Envelope, safe for concurrent use.
func (c *Codec) Write(e Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(e); err != nil {
		return errors.Wrap(err, "writing ipc envelope")
	}
	return nil
}

// Read blocks for the next Envelope. It is only ever called from the
// worker's single reader goroutine.
func (c *Codec) Read() (Envelope, error) {
	var e Envelope
	if err := c.dec.Decode(&e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

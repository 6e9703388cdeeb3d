package mesh

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidEnvelope = errors.New("mesh: invalid envelope")

// Wire error codes. Lookup and validation failures resolve locally and travel
// as typed responses, never as opaque transport failures.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeUnreachable      = "UNREACHABLE"
	CodeTimeout          = "TIMEOUT"
	CodeNoProtocolMatch  = "NO_PROTOCOL_MATCH"
	CodeHandlerError     = "HANDLER_ERROR"
)

// TraceEntry is one hop in a request's causal narrative.
type TraceEntry struct {
	Cell        string `json:"cell"`
	Msg         string `json:"msg"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func NewTraceEntry(cell, msg string) TraceEntry {
	return TraceEntry{Cell: cell, Msg: msg, TimestampMS: uint64(time.Now().UnixMilli())}
}

// PeerRecord is the wire form of one known cell: its address and advertised
// capabilities. Shared by the registry medium, atlas snapshots, and gossip.
type PeerRecord struct {
	CellID       string           `json:"cell_id"`
	Address      string           `json:"address"`
	Capabilities []CapabilityInfo `json:"capabilities"`
	LastSeen     time.Time        `json:"last_seen"`
	BootTime     time.Time        `json:"boot_time,omitempty"`
}

// Advertises reports whether the record carries the named capability.
func (r PeerRecord) Advertises(capability string) bool {
	for _, c := range r.Capabilities {
		if c.Name == capability {
			return true
		}
	}
	return false
}

// Capability returns the advertised info for a capability name.
func (r PeerRecord) Capability(name string) (CapabilityInfo, bool) {
	for _, c := range r.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return CapabilityInfo{}, false
}

type Payload struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

// Request is the wire envelope for one capability invocation. Trace only
// grows, hop by hop; it is never truncated.
type Request struct {
	ID      string       `json:"id"`
	From    string       `json:"from"`
	Intent  string       `json:"intent"`
	Payload Payload      `json:"payload"`
	Proofs  []string     `json:"proofs,omitempty"`
	Atlas   []PeerRecord `json:"atlas,omitempty"`
	Trace   []TraceEntry `json:"trace"`
}

func NewRequestID() string {
	return "req." + uuid.NewString()
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(r.From) == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidEnvelope)
	}
	if _, _, err := SplitName(r.Payload.Capability); err != nil {
		return fmt.Errorf("%w: payload capability: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// WithHop returns a copy of the request with one appended trace entry.
func (r Request) WithHop(cell, msg string) Request {
	trace := make([]TraceEntry, 0, len(r.Trace)+1)
	trace = append(trace, r.Trace...)
	trace = append(trace, NewTraceEntry(cell, msg))
	r.Trace = trace
	return r
}

// WireError is the failing half of a response. History is append-only: every
// forwarding hop adds to it and nested failures stay visible as a sub-chain.
type WireError struct {
	Code    string       `json:"code"`
	Msg     string       `json:"msg"`
	From    string       `json:"from"`
	History []TraceEntry `json:"history"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s (from %s)", e.Code, e.Msg, e.From)
}

// Append adds one hop of context to the history without disturbing prior
// entries.
func (e *WireError) Append(cell, msg string) {
	e.History = append(e.History, NewTraceEntry(cell, msg))
}

// Response is the wire envelope for one capability outcome. CID echoes the
// request id it answers.
type Response struct {
	OK    bool       `json:"ok"`
	Value any        `json:"value,omitempty"`
	Error *WireError `json:"error,omitempty"`
	CID   string     `json:"cid,omitempty"`
}

func OkResponse(value any, cid string) Response {
	return Response{OK: true, Value: value, CID: cid}
}

// FailResponse builds a failing response whose history starts with the
// originating cell's own entry.
func FailResponse(code, msg, from, cid string) Response {
	return Response{
		OK: false,
		Error: &WireError{
			Code:    code,
			Msg:     msg,
			From:    from,
			History: []TraceEntry{NewTraceEntry(from, msg)},
		},
		CID: cid,
	}
}

func (r Response) Validate() error {
	if r.OK && r.Error != nil {
		return fmt.Errorf("%w: ok response carries error", ErrInvalidEnvelope)
	}
	if !r.OK {
		if r.Error == nil {
			return fmt.Errorf("%w: failing response missing error", ErrInvalidEnvelope)
		}
		if strings.TrimSpace(r.Error.Code) == "" {
			return fmt.Errorf("%w: failing response missing error code", ErrInvalidEnvelope)
		}
	}
	return nil
}

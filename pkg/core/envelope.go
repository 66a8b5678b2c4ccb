package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved envelope header names. Headers carry workflow and routing state
// between processes; no in-memory state crosses a process boundary.
const (
	HeaderTargetQueue   = "target-queue"
	HeaderPriority      = "priority"
	HeaderMaxRetries    = "max-retries"
	HeaderRetryPolicy   = "retry-policy"
	HeaderChain         = "chain"
	HeaderChainPosition = "chain-position"
	HeaderChordID       = "chord-id"
	HeaderChordSize     = "chord-size"
	HeaderChordIndex    = "chord-index"
	HeaderChordCallback = "chord-callback"
	HeaderGroupID       = "group-id"
)

// Envelope is the durable wire record of a single task invocation.
// Envelopes are never mutated in place; a retry produces a new envelope
// via NextAttempt.
type Envelope struct {
	ID            string
	Name          string
	Args          []json.RawMessage
	Kwargs        map[string]json.RawMessage
	Attempts      int
	ETA           *time.Time
	Expires       *time.Time
	CorrelationID string
	ParentID      string
	RootID        string
	Headers       map[string]string

	// extra preserves unknown wire fields across decode/encode so that
	// forwarding never drops information added by newer producers.
	extra map[string]json.RawMessage
}

// NewEnvelope builds a ready envelope for the named task. Arguments are
// serialized to JSON in order.
func NewEnvelope(name string, args ...any) (*Envelope, error) {
	raw, err := MarshalArgs(args...)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:   NewID(),
		Name: name,
		Args: raw,
	}, nil
}

// MarshalArgs serializes positional arguments to their wire form.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("emberq: marshal arg %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}

// IsReady reports whether the envelope may execute at the given instant.
func (e *Envelope) IsReady(now time.Time) bool {
	return e.ETA == nil || !e.ETA.After(now)
}

// IsExpired reports whether the envelope must be dropped with a Rejected
// outcome.
func (e *Envelope) IsExpired(now time.Time) bool {
	return e.Expires != nil && e.Expires.Before(now)
}

// Validate checks the envelope invariants.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return ErrInvalidTaskID
	}
	if e.Name == "" {
		return Configf("envelope %s has no task name", e.ID)
	}
	if e.Attempts < 0 {
		return Configf("envelope %s has negative attempt count", e.ID)
	}
	if e.ETA != nil && e.Expires != nil && !e.ETA.Before(*e.Expires) {
		return Configf("envelope %s: eta %s is not before expiry %s", e.ID, e.ETA, e.Expires)
	}
	return nil
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Args != nil {
		c.Args = make([]json.RawMessage, len(e.Args))
		copy(c.Args, e.Args)
	}
	if e.Kwargs != nil {
		c.Kwargs = make(map[string]json.RawMessage, len(e.Kwargs))
		for k, v := range e.Kwargs {
			c.Kwargs[k] = v
		}
	}
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	if e.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(e.extra))
		for k, v := range e.extra {
			c.extra[k] = v
		}
	}
	if e.ETA != nil {
		eta := *e.ETA
		c.ETA = &eta
	}
	if e.Expires != nil {
		exp := *e.Expires
		c.Expires = &exp
	}
	return &c
}

// WithHeader returns a copy of the envelope with the header set.
func (e *Envelope) WithHeader(key, value string) *Envelope {
	c := e.Clone()
	if c.Headers == nil {
		c.Headers = make(map[string]string, 1)
	}
	c.Headers[key] = value
	return c
}

// Header returns a header value, or "" when unset.
func (e *Envelope) Header(key string) string {
	return e.Headers[key]
}

// NextAttempt returns the retry envelope: attempt count incremented, a
// fresh eta, and id, correlation, parent and root linkage preserved for
// workflow accounting.
func (e *Envelope) NextAttempt(eta time.Time) *Envelope {
	c := e.Clone()
	c.Attempts++
	c.ETA = &eta
	return c
}

// envelope wire field names, per the external interface contract.
const (
	fieldID          = "id"
	fieldName        = "task_name"
	fieldArgs        = "args"
	fieldKwargs      = "kwargs"
	fieldRetries     = "retries"
	fieldETA         = "eta"
	fieldExpires     = "expires"
	fieldCorrelation = "correlation_id"
	fieldParent      = "parent_id"
	fieldRoot        = "root_id"
	fieldHeaders     = "headers"
)

var knownFields = map[string]struct{}{
	fieldID: {}, fieldName: {}, fieldArgs: {}, fieldKwargs: {},
	fieldRetries: {}, fieldETA: {}, fieldExpires: {},
	fieldCorrelation: {}, fieldParent: {}, fieldRoot: {}, fieldHeaders: {},
}

// MarshalJSON renders the self-describing wire format, merging back any
// unknown fields captured during decoding.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.extra)+11)
	for k, v := range e.extra {
		m[k] = v
	}
	m[fieldID] = e.ID
	m[fieldName] = e.Name
	m[fieldArgs] = e.Args
	m[fieldKwargs] = e.Kwargs
	m[fieldRetries] = e.Attempts
	if e.ETA != nil {
		m[fieldETA] = e.ETA.UTC().Format(time.RFC3339Nano)
	}
	if e.Expires != nil {
		m[fieldExpires] = e.Expires.UTC().Format(time.RFC3339Nano)
	}
	if e.CorrelationID != "" {
		m[fieldCorrelation] = e.CorrelationID
	}
	if e.ParentID != "" {
		m[fieldParent] = e.ParentID
	}
	if e.RootID != "" {
		m[fieldRoot] = e.RootID
	}
	if len(e.Headers) > 0 {
		m[fieldHeaders] = e.Headers
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the wire format, keeping unknown fields aside so
// they survive forwarding.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("emberq: decode envelope: %w", err)
	}

	get := func(field string, dst any) error {
		v, ok := raw[field]
		if !ok || string(v) == "null" {
			return nil
		}
		return json.Unmarshal(v, dst)
	}

	if err := get(fieldID, &e.ID); err != nil {
		return fmt.Errorf("emberq: decode envelope id: %w", err)
	}
	if err := get(fieldName, &e.Name); err != nil {
		return fmt.Errorf("emberq: decode envelope task_name: %w", err)
	}
	if err := get(fieldArgs, &e.Args); err != nil {
		return fmt.Errorf("emberq: decode envelope args: %w", err)
	}
	if err := get(fieldKwargs, &e.Kwargs); err != nil {
		return fmt.Errorf("emberq: decode envelope kwargs: %w", err)
	}
	if err := get(fieldRetries, &e.Attempts); err != nil {
		return fmt.Errorf("emberq: decode envelope retries: %w", err)
	}
	if err := get(fieldETA, &e.ETA); err != nil {
		return fmt.Errorf("emberq: decode envelope eta: %w", err)
	}
	if err := get(fieldExpires, &e.Expires); err != nil {
		return fmt.Errorf("emberq: decode envelope expires: %w", err)
	}
	if err := get(fieldCorrelation, &e.CorrelationID); err != nil {
		return fmt.Errorf("emberq: decode envelope correlation_id: %w", err)
	}
	if err := get(fieldParent, &e.ParentID); err != nil {
		return fmt.Errorf("emberq: decode envelope parent_id: %w", err)
	}
	if err := get(fieldRoot, &e.RootID); err != nil {
		return fmt.Errorf("emberq: decode envelope root_id: %w", err)
	}
	if err := get(fieldHeaders, &e.Headers); err != nil {
		return fmt.Errorf("emberq: decode envelope headers: %w", err)
	}

	for k, v := range raw {
		if _, known := knownFields[k]; known {
			continue
		}
		if e.extra == nil {
			e.extra = make(map[string]json.RawMessage)
		}
		e.extra[k] = v
	}
	return nil
}

// Encode serializes the envelope for transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}

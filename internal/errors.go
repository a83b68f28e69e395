package internal

import "fmt"

// FormatError represents an unparseable or unsupported provider encoding.
type FormatError struct {
	Provider string
	Path     string
	Detail   string
	Err      error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error [%s] %s: %s: %v", e.Provider, e.Path, e.Detail, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// PartialReadError represents a truncated or corrupt read where a usable
// prefix was still recovered. Recovered carries the number of messages in
// that prefix so callers can decide whether to keep it.
type PartialReadError struct {
	Path      string
	Recovered int
	Err       error
}

func (e *PartialReadError) Error() string {
	return fmt.Sprintf("partial read %s: recovered %d messages: %v", e.Path, e.Recovered, e.Err)
}

func (e *PartialReadError) Unwrap() error {
	return e.Err
}

// ResolutionError represents an ambiguous or missing workspace mapping.
type ResolutionError struct {
	Path   string
	Detail string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("workspace resolution failed for %s: %s", e.Path, e.Detail)
}

// ConflictError reports divergent independent edits detected during sync.
// Both versions are attached; callers decide, the engine never picks.
type ConflictError struct {
	SessionID string
	Local     *Session
	Remote    *Session
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict on session %s: both canonical and provider copies changed since last baseline", e.SessionID)
}

// SequenceError reports a recording event that references a nonexistent
// message or violates event ordering.
type SequenceError struct {
	SessionID string
	MessageID string
	Event     string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("sequence error [%s] %s: message %s does not exist", e.SessionID, e.Event, e.MessageID)
}

// ConcurrencyError reports contention on a resource already held by
// another writer.
type ConcurrencyError struct {
	Resource string
	Holder   string
}

func (e *ConcurrencyError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("resource %s is held by %s", e.Resource, e.Holder)
	}
	return fmt.Sprintf("resource %s is held by another writer", e.Resource)
}

// PersistenceError represents a failed store write. Only the in-flight
// transaction is affected; previously committed state stands.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a recording session idle timeout.
type TimeoutError struct {
	SessionID string
	IdleFor   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("recording session %s idle for %s", e.SessionID, e.IdleFor)
}

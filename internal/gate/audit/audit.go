// Package audit implements the append-only JSONL audit trail.
//
// Every decision the broker makes — reads, approval requests, resolutions,
// channel failures, daemon lifecycle — is appended as one JSON object per
// line. The log is write-only from the broker's perspective; offline tooling
// reads it. A failed append never fails the caller: the record is mirrored to
// stderr with an AUDIT-LOSS marker instead.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Action values recognised by offline audit tooling.
const (
	ActionDaemonStart  = "daemon_start"
	ActionDaemonStop   = "daemon_stop"
	ActionRead         = "read"
	ActionReadError    = "read_error"
	ActionRequest      = "request"
	ActionApproved     = "approved"
	ActionDenied       = "denied"
	ActionTimeout      = "timeout"
	ActionChannelError = "channel_error"
)

// Result discriminators carried by "read" and "request" records.
const (
	ResultAllowed              = "allowed"
	ResultStandingApproval     = "standing_approval"
	ResultStandingApprovedRead = "standing_approved_read"
	ResultCacheHit             = "cache_hit"
	ResultApprovedRead         = "approved_read"
	ResultPending              = "pending"
)

// lossMarker prefixes records that could not be written to the log file and
// were mirrored to stderr instead.
const lossMarker = "AUDIT-LOSS"

// Record is one audit event. "timestamp" and "action" are mandatory; the
// sink injects the timestamp when absent and treats the rest as opaque.
type Record = map[string]any

// Logger appends Records to a JSONL file. Writes are serialized so each
// line lands atomically; concurrent use is safe.
type Logger struct {
	mu     sync.Mutex
	path   string
	stderr io.Writer
	now    func() time.Time
}

// New creates a Logger appending to the file at path. The file and its
// directory are not created until the first append.
func New(path string) *Logger {
	return &Logger{
		path:   path,
		stderr: os.Stderr,
		now:    time.Now,
	}
}

// Append writes one record to the audit log. A "timestamp" field (RFC3339,
// UTC) is injected when the record does not carry one. Append never returns
// an error: when the file write fails the record is mirrored to stderr with
// the AUDIT-LOSS marker so no event is silently lost.
func (l *Logger) Append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	if _, ok := out["timestamp"]; !ok {
		out["timestamp"] = l.now().UTC().Format(time.RFC3339)
	}

	line, err := json.Marshal(out)
	if err != nil {
		fmt.Fprintf(l.stderr, "%s: unserializable audit record: %v\n", lossMarker, err)
		return
	}

	if err := l.write(line); err != nil {
		fmt.Fprintf(l.stderr, "%s: %s (%v)\n", lossMarker, line, err)
	}
}

// Event is a convenience wrapper that sets the "action" field.
func (l *Logger) Event(action string, fields Record) {
	rec := make(Record, len(fields)+1)
	for k, v := range fields {
		rec[k] = v
	}
	rec["action"] = action
	l.Append(rec)
}

func (l *Logger) write(line []byte) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

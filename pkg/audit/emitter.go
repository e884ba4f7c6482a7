package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/scenerun/scenerun/pkg/engine"
)

// maxLineSize bounds a single audit line when reading the log back.
const maxLineSize = 4 * 1024 * 1024

// Mirror receives a copy of every event after it reached the log file.
type Mirror interface {
	Insert(ctx context.Context, e Event) error
}

// Emitter appends checksummed events to a JSON Lines file. It implements
// engine.AuditSink and is safe for concurrent use.
type Emitter struct {
	mu     sync.Mutex
	path   string
	now    func() time.Time
	mirror Mirror
	logger zerolog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithMirror copies every emitted event to m. Mirror failures are logged.
func WithMirror(m Mirror) Option {
	return func(e *Emitter) { e.mirror = m }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// NewEmitter creates an emitter for the log at path. The file and its parent
// directories are created on the first emit.
func NewEmitter(path string, logger zerolog.Logger, opts ...Option) (*Emitter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	e := &Emitter{
		path:   path,
		now:    time.Now,
		logger: logger.With().Str("component", "audit").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Path returns the log file path.
func (e *Emitter) Path() string {
	return e.path
}

// Emit builds, checksums and appends one event. A missing trace id gets a
// fresh ULID and a missing scene reference is written as null.
func (e *Emitter) Emit(ctx context.Context, eventType engine.AuditEventType, rec engine.AuditRecord) (*Event, error) {
	if err := eventType.Validate(); err != nil {
		return nil, err
	}

	ev := Event{
		EventID:      ulid.Make().String(),
		EventType:    eventType,
		Timestamp:    e.now().UTC(),
		TraceID:      rec.TraceID,
		SceneVersion: rec.SceneVersion,
		RunMode:      string(rec.RunMode),
		Actor:        rec.Actor,
		Payload:      normalizePayload(rec.Payload),
	}
	if ev.TraceID == "" {
		ev.TraceID = ulid.Make().String()
	}
	if rec.SceneRef != "" {
		ref := rec.SceneRef
		ev.SceneRef = &ref
	}

	sum, err := ComputeChecksum(ev)
	if err != nil {
		return nil, err
	}
	ev.Checksum = sum

	line, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	line = append(line, '\n')

	if err := e.append(line); err != nil {
		return nil, err
	}

	if e.mirror != nil {
		if err := e.mirror.Insert(ctx, ev); err != nil {
			e.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("Audit mirror insert failed")
		}
	}

	e.logger.Debug().
		Str("event_id", ev.EventID).
		Str("event_type", string(ev.EventType)).
		Str("trace_id", ev.TraceID).
		Msg("Audit event written")

	return &ev, nil
}

// Record implements engine.AuditSink.
func (e *Emitter) Record(ctx context.Context, eventType engine.AuditEventType, rec engine.AuditRecord) error {
	_, err := e.Emit(ctx, eventType, rec)
	return err
}

// append writes one line with a single write on an O_APPEND descriptor.
func (e *Emitter) append(line []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if dir := filepath.Dir(e.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return f.Close()
}

// ReadAll parses the whole log.
func (e *Emitter) ReadAll() ([]Event, error) {
	return ReadFile(e.path)
}

// Tail returns the last n events.
func (e *Emitter) Tail(n int) ([]Event, error) {
	return TailFile(e.path, n)
}

// VerifyAll checks every line of the log.
func (e *Emitter) VerifyAll() (*VerifyReport, error) {
	return VerifyFile(e.path)
}

// ReadFile parses an audit log. A missing file holds no events.
func ReadFile(path string) ([]Event, error) {
	events := []Event{}
	err := scanLines(path, func(lineNo int, line []byte) error {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("%s:%d: invalid audit event: %w", path, lineNo, err)
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// TailFile returns the last n events of an audit log. n <= 0 returns all.
func TailFile(path string, n int) ([]Event, error) {
	events, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// Problem is one line that failed verification.
type Problem struct {
	Line    int    `json:"line"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason"`
}

// VerifyReport summarises a log verification.
type VerifyReport struct {
	Path     string    `json:"path"`
	Total    int       `json:"total"`
	Valid    int       `json:"valid"`
	Problems []Problem `json:"problems"`
}

// OK reports whether every line verified.
func (r *VerifyReport) OK() bool {
	return len(r.Problems) == 0
}

// VerifyFile checks the checksum of every line. Unparseable lines are
// reported as problems rather than aborting the scan.
func VerifyFile(path string) (*VerifyReport, error) {
	report := &VerifyReport{Path: path, Problems: []Problem{}}
	err := scanLines(path, func(lineNo int, line []byte) error {
		report.Total++
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			report.Problems = append(report.Problems, Problem{Line: lineNo, Reason: "unparseable: " + err.Error()})
			return nil
		}
		if !Verify(ev) {
			report.Problems = append(report.Problems, Problem{Line: lineNo, EventID: ev.EventID, Reason: "checksum mismatch"})
			return nil
		}
		report.Valid++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func scanLines(path string, fn func(lineNo int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := fn(lineNo, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	return nil
}

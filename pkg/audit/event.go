package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/scenerun/scenerun/pkg/engine"
)

// ChecksumPrefix names the digest algorithm in Event.Checksum.
const ChecksumPrefix = "sha256:"

// Event is one line of the audit log. Events are immutable once written.
type Event struct {
	EventID      string                 `json:"event_id"`
	EventType    engine.AuditEventType  `json:"event_type"`
	Timestamp    time.Time              `json:"timestamp"`
	TraceID      string                 `json:"trace_id"`
	SceneRef     *string                `json:"scene_ref"`
	SceneVersion string                 `json:"scene_version"`
	RunMode      string                 `json:"run_mode"`
	Actor        string                 `json:"actor"`
	Payload      map[string]interface{} `json:"payload"`
	Checksum     string                 `json:"checksum,omitempty"`
}

// Ref returns the scene reference or "" when the event has none.
func (e Event) Ref() string {
	if e.SceneRef == nil {
		return ""
	}
	return *e.SceneRef
}

// ComputeChecksum hashes the RFC 8785 canonical JSON of every field except
// the checksum.
func ComputeChecksum(e Event) (string, error) {
	e.Checksum = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return ChecksumPrefix + hex.EncodeToString(sum[:]), nil
}

// Verify reports whether the stored checksum matches the event content.
func Verify(e Event) bool {
	if e.Checksum == "" {
		return false
	}
	sum, err := ComputeChecksum(e)
	if err != nil {
		return false
	}
	return sum == e.Checksum
}

// normalizePayload gives the payload the shape it has after a round trip
// through the log, so checksums computed at emit time survive re-reading.
func normalizePayload(p map[string]interface{}) map[string]interface{} {
	if len(p) == 0 {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return map[string]interface{}{"unserializable_payload": err.Error()}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

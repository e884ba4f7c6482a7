// Package audit records every phase of a scene run in an append-only JSON
// Lines log.
//
// Each line is one Event. Its checksum is "sha256:" followed by the hex
// digest of the RFC 8785 canonical JSON of every other field, so any edit to
// a written line is detected by Verify. Appends are single writes on an
// O_APPEND descriptor under a mutex; existing lines are never rewritten.
//
// An optional SQLiteSink mirrors events into an insert-only table for
// replay by trace id.
package audit

// Package session reads agent transcripts from local disk to decide whether an
// agent is still working, finished, or stuck.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State classifies an agent session.
type State string

const (
	StateUnknown State = "unknown"
	StateActive  State = "active"
	StateDone    State = "done"
	StateStale   State = "stale"
)

// DefaultStaleThreshold applies when callers pass a non-positive threshold.
const DefaultStaleThreshold = 5 * time.Minute

// DefaultTailLines is how many trailing transcript lines are inspected.
const DefaultTailLines = 50

// Snapshot is a point-in-time view of one transcript. It is never cached.
type Snapshot struct {
	Key             string    `json:"key,omitempty"`
	Path            string    `json:"path,omitempty"`
	State           State     `json:"state"`
	ModTime         time.Time `json:"mod_time"`
	StopReason      string    `json:"stop_reason,omitempty"`
	SyntheticError  bool      `json:"synthetic_error,omitempty"`
	Usage           Usage     `json:"usage"`
	Preview         string    `json:"preview,omitempty"`
	LastAssistantAt time.Time `json:"last_assistant_at"`
}

// IsDone reports normal completion or a gateway-injected terminal error.
func (s Snapshot) IsDone() bool {
	return s.State == StateDone
}

// Found reports whether a transcript file was located.
func (s Snapshot) Found() bool {
	return s.State != StateUnknown
}

type indexEntry struct {
	SessionID   string `json:"sessionId"`
	SessionFile string `json:"sessionFile"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Reader resolves session keys to transcripts and classifies them. It has no
// side effects and is safe for concurrent use.
type Reader struct {
	indexPath string
	dir       string
	tailLines int
	now       func() time.Time
}

// NewReader creates a reader. An empty dir defaults to the index file's directory.
func NewReader(indexPath, dir string, tailLines int) *Reader {
	if dir == "" {
		dir = filepath.Dir(indexPath)
	}
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}
	return &Reader{
		indexPath: indexPath,
		dir:       dir,
		tailLines: tailLines,
		now:       time.Now,
	}
}

// WithClock returns a copy of the reader using now as its clock.
func (r *Reader) WithClock(now func() time.Time) *Reader {
	cp := *r
	cp.now = now
	return &cp
}

// Dir returns the transcript directory.
func (r *Reader) Dir() string {
	return r.dir
}

// Resolve maps a session key to its transcript path using the index file.
func (r *Reader) Resolve(key string) (string, bool, error) {
	data, err := os.ReadFile(r.indexPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read session index: %w", err)
	}

	var index map[string]indexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return "", false, fmt.Errorf("parse session index: %w", err)
	}

	entry, ok := index[key]
	if !ok {
		return "", false, nil
	}
	if entry.SessionFile != "" {
		if filepath.IsAbs(entry.SessionFile) {
			return entry.SessionFile, true, nil
		}
		return filepath.Join(r.dir, entry.SessionFile), true, nil
	}
	if entry.SessionID == "" {
		return "", false, nil
	}
	return filepath.Join(r.dir, entry.SessionID+".jsonl"), true, nil
}

// Inspect classifies the session identified by key. A missing index entry or
// transcript file yields StateUnknown with no error.
func (r *Reader) Inspect(key string, staleThreshold time.Duration) (Snapshot, error) {
	path, ok, err := r.Resolve(key)
	if err != nil {
		return Snapshot{Key: key, State: StateUnknown}, err
	}
	if !ok {
		return Snapshot{Key: key, State: StateUnknown}, nil
	}
	snap, err := r.InspectFile(path, staleThreshold)
	snap.Key = key
	return snap, err
}

// InspectFile classifies a transcript file directly.
func (r *Reader) InspectFile(path string, staleThreshold time.Duration) (Snapshot, error) {
	snap := Snapshot{Path: path, State: StateUnknown}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("stat transcript: %w", err)
	}
	snap.ModTime = info.ModTime()

	lines, err := readTail(path, r.tailLines)
	if err != nil {
		return snap, fmt.Errorf("read transcript tail: %w", err)
	}

	summary := summarizeTail(lines)
	snap.StopReason = summary.stopReason
	snap.SyntheticError = summary.syntheticError
	snap.Usage = summary.usage
	snap.Preview = summary.preview
	snap.LastAssistantAt = summary.lastAssistantAt
	snap.State = classify(summary, snap.ModTime, r.now(), staleThreshold)
	return snap, nil
}

func classify(summary tailSummary, modTime, now time.Time, staleThreshold time.Duration) State {
	if summary.done() {
		return StateDone
	}
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if now.Sub(modTime) > staleThreshold {
		return StateStale
	}
	return StateActive
}

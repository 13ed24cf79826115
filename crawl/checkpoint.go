package crawl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FrontierEntry is one (depth, url) pair in a checkpoint's priority
// queue (§6: "frontier: [[depth,url]]").
type FrontierEntry struct {
	Depth int    `json:"depth"`
	URL   string `json:"url"`
}

// Checkpoint is the per-source crawl state persisted to
// state/<source_id>.ckpt (§4.8, §6).
type Checkpoint struct {
	Version         int               `json:"version"`
	Visited         []string          `json:"visited"`
	Frontier        []FrontierEntry   `json:"frontier"`
	DocumentHashes  map[string]string `json:"document_hashes"`
	Counters        Counters          `json:"counters"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Counters tallies one crawl's outcome, written back to the Source
// record at the end of a crawl (§4.8). Failed counts transient failures
// that will be retried next crawl; PermanentSkipped counts URLs recorded
// and skipped for good this run (robots, 4xx) — those do not make the
// crawl "partial" (§7).
type Counters struct {
	Fetched          int `json:"fetched"`
	Skipped          int `json:"skipped"`
	Failed           int `json:"failed"`
	PermanentSkipped int `json:"permanent_skipped"`
	// DroppedLowQuality counts fragments produced but not stored because
	// they scored below min_quality (§4.4: "counted in crawl stats").
	DroppedLowQuality int `json:"dropped_low_quality"`
}

const checkpointVersion = 1

// NewCheckpoint returns an empty checkpoint for a fresh crawl.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		Version:        checkpointVersion,
		DocumentHashes: make(map[string]string),
	}
}

// path returns state/<source_id>.ckpt under stateDir.
func path(stateDir, sourceID string) string {
	return filepath.Join(stateDir, sourceID+".ckpt")
}

// Load reads the checkpoint for sourceID, returning a fresh Checkpoint
// (not an error) if none exists yet.
func Load(stateDir, sourceID string) (*Checkpoint, error) {
	p := path(stateDir, sourceID)
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return NewCheckpoint(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("crawl: read checkpoint %s: %w", p, err)
	}
	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("crawl: parse checkpoint %s: %w", p, err)
	}
	if ck.DocumentHashes == nil {
		ck.DocumentHashes = make(map[string]string)
	}
	return &ck, nil
}

// Save writes ck for sourceID under stateDir using a temp-file-then-rename
// pattern, guarded by an advisory flock so two supervisor processes never
// race on the same file (§4.8, SPEC_FULL.md §C.2).
func Save(stateDir, sourceID string, ck *Checkpoint) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("crawl: create state dir: %w", err)
	}

	lockPath := filepath.Join(stateDir, sourceID+".lock")
	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("crawl: acquire checkpoint lock: %w", err)
	}
	defer lock.Unlock()

	ck.Version = checkpointVersion
	ck.UpdatedAt = time.Now()

	data, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("crawl: marshal checkpoint: %w", err)
	}

	final := path(stateDir, sourceID)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("crawl: create temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("crawl: write temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("crawl: close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("crawl: rename checkpoint into place: %w", err)
	}
	return nil
}

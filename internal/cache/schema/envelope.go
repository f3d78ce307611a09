package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Envelope is one spool file: a batch of backend results that the remote
// client dropped on disk for the cache to mirror.
//
// Detailed tells whether Posts came from a detail fetch (complete records)
// or from a list fetch (skeletons).
type Envelope struct {
	Owner               string          `json:"owner"`
	Detailed            bool            `json:"detailed"`
	FetchedAt           time.Time       `json:"fetched_at"`
	Posts               []PostWire      `json:"posts,omitempty"`
	Characters          []CharacterWire `json:"characters,omitempty"`
	DeletedPostIDs      []int64         `json:"deleted_post_ids,omitempty"`
	DeletedCharacterIDs []int64         `json:"deleted_character_ids,omitempty"`
}

// Validate checks if the Envelope has valid field values.
func (e *Envelope) Validate() error {
	if e.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if len(e.Posts) == 0 && len(e.Characters) == 0 &&
		len(e.DeletedPostIDs) == 0 && len(e.DeletedCharacterIDs) == 0 {
		return fmt.Errorf("envelope is empty")
	}
	return nil
}

// Filename returns a sortable filename for the envelope.
func (e *Envelope) Filename() string {
	return fmt.Sprintf("%s-%s.json", e.FetchedAt.UTC().Format("20060102T150405.000000000"), sanitizeName(e.Owner))
}

// ReadEnvelope reads and parses a spool file.
func ReadEnvelope(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool file %s: %w", path, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse spool file %s: %w", path, err)
	}

	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spool file %s: %w", path, err)
	}

	return &env, nil
}

// WriteEnvelope writes env to dir and returns the file path. The file is
// written under a temporary name and renamed so watchers never observe a
// partial file.
func WriteEnvelope(dir string, env *Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid envelope: %w", err)
	}
	if env.FetchedAt.IsZero() {
		env.FetchedAt = time.Now()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	path := filepath.Join(dir, env.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write spool file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to publish spool file %s: %w", path, err)
	}
	return path, nil
}

// ListEnvelopes returns the *.json files in dir in name order, which is
// fetch order for files written by WriteEnvelope. A missing directory is
// treated as empty.
func ListEnvelopes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

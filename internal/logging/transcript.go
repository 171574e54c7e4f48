package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Transcript records one question round trip (prompt history, raw model output and the
// parsed result) in its own file. A nil *Transcript is valid and discards everything,
// so callers do not need to check whether transcripts are enabled.
type Transcript struct {
	mu        sync.Mutex
	file      *os.File
	startTime time.Time
}

// StartTranscript creates dir/<mapID>_<timestamp>.log. An empty dir disables transcripts
// and returns nil without error.
func StartTranscript(dir, mapID string) (*Transcript, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s.log", sanitize(mapID), time.Now().Format("20060102_150405.000"))
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}

	t := &Transcript{file: f, startTime: time.Now()}
	t.Log("Transcript for map %s started at %s", mapID, t.startTime.Format(time.RFC3339))
	return t, nil
}

// Path returns the transcript file path
func (t *Transcript) Path() string {
	if t == nil {
		return ""
	}
	return t.file.Name()
}

// Log writes one timestamped line
func (t *Transcript) Log(format string, args ...interface{}) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startTime).Round(time.Millisecond)
	fmt.Fprintf(t.file, "[%s] [+%v] %s\n", time.Now().Format("15:04:05.000"), elapsed, fmt.Sprintf(format, args...))
}

// LogBlock writes a titled block of free text, such as the raw model output
func (t *Transcript) LogBlock(title, body string) {
	if t == nil {
		return
	}
	t.Log("%s", strings.Repeat("=", 60))
	t.Log("= %s (%d characters)", title, len(body))
	t.Log("%s", strings.Repeat("=", 60))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.file.WriteString(body + "\n")
}

// Close flushes and closes the file
func (t *Transcript) Close() error {
	if t == nil {
		return nil
	}
	t.Log("Transcript closed after %v", time.Since(t.startTime).Round(time.Millisecond))
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}

func sanitize(s string) string {
	if s == "" {
		return "map"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

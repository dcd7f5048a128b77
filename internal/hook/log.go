package hook

import (
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// LogFiles fans JSON log lines out to a growing set of append-only files.
// Write failures are ignored: a hook must never fail because of its log.
type LogFiles struct {
	mu    sync.Mutex
	paths []string
}

// NewLogFiles returns a LogFiles writing to paths. Empty paths are skipped.
func NewLogFiles(paths ...string) *LogFiles {
	f := &LogFiles{}
	for _, p := range paths {
		f.Add(p)
	}
	return f
}

// Add starts writing to path as well.
func (f *LogFiles) Add(path string) {
	if path == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.paths {
		if p == path {
			return
		}
	}
	f.paths = append(f.paths, path)
}

// Paths returns the current targets.
func (f *LogFiles) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func (f *LogFiles) write(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.paths {
		fh, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			continue
		}
		_, _ = fh.WriteString(line + "\n")
		_ = fh.Close()
	}
}

// NewLogger returns a JSON-lines logr.Logger backed by files.
func NewLogger(files *LogFiles) logr.Logger {
	return funcr.NewJSON(files.write, funcr.Options{LogTimestamp: true})
}

// Package ticket finds and edits the markdown ticket files a session produces.
package ticket

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joescharf/pickle/internal/session"
)

// MaxDepth bounds the fallback directory walk below a session root.
const MaxDepth = 6

// StatusDone is the status that closes a ticket.
const StatusDone = "Done"

// ErrNotFound means no ticket file exists for an id.
var ErrNotFound = errors.New("ticket not found")

var (
	statusLine  = regexp.MustCompile(`(?m)^status:.*$`)
	updatedLine = regexp.MustCompile(`(?m)^updated:.*$`)
	headingLine = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	boldStatus  = regexp.MustCompile(`(?m)\*\*Status\*\*:\s*(.+)$`)
	doneMarker  = regexp.MustCompile(`(?im)(\*\*Status\*\*|status):\s*Done`)
)

// FileName is the markdown file for a ticket id.
func FileName(id string) string {
	return "linear_ticket_" + id + ".md"
}

// Find locates the ticket file for id: directly under root, in root/<id>/,
// then by a depth-bounded walk in lexical order.
func Find(root, id string) (string, error) {
	name := FileName(id)
	for _, p := range []string{filepath.Join(root, name), filepath.Join(root, id, name)} {
		if isFile(p) {
			return p, nil
		}
	}

	var found string
	rootDepth := strings.Count(filepath.Clean(root), string(filepath.Separator))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.Count(path, string(filepath.Separator))-rootDepth >= MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search tickets: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s in %s", ErrNotFound, id, root)
	}
	return found, nil
}

// SetStatus rewrites the status: and updated: front-matter lines.
func SetStatus(content, status string, now time.Time) string {
	content = statusLine.ReplaceAllLiteralString(content, "status: "+status)
	return updatedLine.ReplaceAllLiteralString(content, "updated: "+now.Format("2006-01-02"))
}

// Update is the result of UpdateStatus.
type Update struct {
	Path          string
	ClearedTicket bool
}

// UpdateStatus sets the status of ticket id under sessionRoot. Closing the
// session's current ticket clears it from state.json.
func UpdateStatus(sessionRoot, id, status string, now time.Time) (*Update, error) {
	path, err := Find(sessionRoot, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ticket: %w", err)
	}
	if err := os.WriteFile(path, []byte(SetStatus(string(data), status, now)), 0o644); err != nil {
		return nil, fmt.Errorf("write ticket: %w", err)
	}

	u := &Update{Path: path}
	if status != StatusDone {
		return u, nil
	}
	s, err := session.Load(sessionRoot)
	if errors.Is(err, session.ErrNotFound) {
		return u, nil
	}
	if err != nil {
		return u, err
	}
	if s.Ticket() != id {
		return u, nil
	}
	s.SetTicket("")
	if err := session.Save(sessionRoot, s); err != nil {
		return u, err
	}
	u.ClearedTicket = true
	return u, nil
}

// Summary is the ticket telemetry of one session.
type Summary struct {
	Title  string
	Status string
	Total  int
	Done   int
}

// Summarize reads <sessionDir>/tickets: the parent ticket's heading and
// status, and how many child tickets are done.
func Summarize(sessionDir string) Summary {
	var sum Summary
	dir := filepath.Join(sessionDir, "tickets")
	parent := FileName("parent")

	if data, err := os.ReadFile(filepath.Join(dir, parent)); err == nil {
		if m := headingLine.FindSubmatch(data); m != nil {
			sum.Title = strings.TrimSpace(string(m[1]))
		}
		if m := boldStatus.FindSubmatch(data); m != nil {
			sum.Status = strings.TrimSpace(string(m[1]))
		}
	}

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, "linear_ticket_") || name == parent {
			return nil
		}
		sum.Total++
		if data, err := os.ReadFile(path); err == nil && doneMarker.Match(data) {
			sum.Done++
		}
		return nil
	})
	return sum
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

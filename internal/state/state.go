// Package state owns the single persisted JSON document: the
// orchestrator slot plus the per-team member activation snapshot. The
// file is the only durable state in the orchestrator; everything else is
// in-memory.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Agent activation statuses as persisted in the document.
const (
	StatusInactive   = "inactive"
	StatusActivating = "activating"
	StatusActive     = "active"
)

// Working statuses for team members.
const (
	WorkingIdle    = "idle"
	WorkingWorking = "working"
)

// Orchestrator is the well-known orchestrator slot.
type Orchestrator struct {
	SessionID string    `json:"sessionId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Member is one team member's activation snapshot.
type Member struct {
	ID            string     `json:"id"`
	SessionName   string     `json:"sessionName"`
	Role          string     `json:"role"`
	AgentStatus   string     `json:"agentStatus"`
	WorkingStatus string     `json:"workingStatus"`
	ReadyAt       *time.Time `json:"readyAt,omitempty"`
}

// Team groups members under a team ID.
type Team struct {
	ID      string   `json:"id"`
	Members []Member `json:"members"`
}

// Document is the full persisted state.
type Document struct {
	Orchestrator Orchestrator `json:"orchestrator"`
	Teams        []Team       `json:"teams"`
}

// File reads and writes the state document. All mutations go through a
// single mutex and a write-to-temp-then-rename cycle so readers never
// observe a torn file.
type File struct {
	log  *slog.Logger
	path string
	now  func() time.Time

	mu sync.Mutex
}

// NewFile creates a File rooted at path.
func NewFile(log *slog.Logger, path string) *File {
	return &File{
		log:  log.With("component", "state"),
		path: path,
		now:  time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (f *File) WithClock(now func() time.Time) *File {
	f.now = now
	return f
}

// Load returns the current document. A missing file yields an empty
// document, not an error.
func (f *File) Load() (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File) load() (*Document, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", f.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", f.path, err)
	}
	return &doc, nil
}

// Mutate applies fn to the document under the lock and persists the
// result atomically.
func (f *File) Mutate(fn func(doc *Document)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	fn(doc)
	return f.save(doc)
}

// SetOrchestrator transitions the orchestrator slot and persists it.
// CreatedAt is set on the first transition only; UpdatedAt on every one.
func (f *File) SetOrchestrator(sessionID, status string) error {
	now := f.now().UTC()
	return f.Mutate(func(doc *Document) {
		if doc.Orchestrator.CreatedAt.IsZero() {
			doc.Orchestrator.CreatedAt = now
		}
		doc.Orchestrator.SessionID = sessionID
		doc.Orchestrator.Status = status
		doc.Orchestrator.UpdatedAt = now
	})
}

// SetMember upserts a member's snapshot within its team.
func (f *File) SetMember(teamID string, member Member) error {
	return f.Mutate(func(doc *Document) {
		for ti := range doc.Teams {
			if doc.Teams[ti].ID != teamID {
				continue
			}
			for mi := range doc.Teams[ti].Members {
				if doc.Teams[ti].Members[mi].ID == member.ID {
					doc.Teams[ti].Members[mi] = member
					return
				}
			}
			doc.Teams[ti].Members = append(doc.Teams[ti].Members, member)
			return
		}
		doc.Teams = append(doc.Teams, Team{ID: teamID, Members: []Member{member}})
	})
}

func (f *File) save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".agentmux-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing state file: %w", err)
	}
	f.log.Debug("state persisted", "path", f.path)
	return nil
}

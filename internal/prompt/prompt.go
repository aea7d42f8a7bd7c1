// Package prompt loads role prompt templates and composes the
// project-start prompt.
//
// Templates are plain UTF-8 Markdown. The only recognised placeholders
// are {{SESSION_ID}} and {{MEMBER_ID}}; anything else, including a
// literal "{{", passes through untouched.
package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentmux/agentmux/internal/roster"
)

// Store caches template files under a prompts directory. An fsnotify
// watcher on the directory drops cache entries when files change, so
// edited prompts take effect without a restart.
type Store struct {
	log *slog.Logger
	dir string

	mu    sync.Mutex
	cache map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore creates a Store over dir. If the directory cannot be watched
// the store degrades to caching without invalidation.
func NewStore(log *slog.Logger, dir string) *Store {
	s := &Store{
		log:   log.With("component", "prompt"),
		dir:   dir,
		cache: make(map[string]string),
		done:  make(chan struct{}),
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("prompt watcher init failed, caching without invalidation", "error", err)
		return s
	}
	if err := w.Add(dir); err != nil {
		s.log.Warn("prompt watcher add failed, caching without invalidation", "dir", dir, "error", err)
		w.Close()
		return s
	}
	s.watcher = w
	go s.watchLoop()
	return s
}

// Close stops the watcher.
func (s *Store) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.invalidate(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("prompt watcher error", "error", err)
		}
	}
}

func (s *Store) invalidate(path string) {
	s.mu.Lock()
	if _, ok := s.cache[path]; ok {
		delete(s.cache, path)
		s.log.Debug("prompt template invalidated", "path", path)
	}
	s.mu.Unlock()
}

// RolePrompt renders the template for role, substituting the session and
// member placeholders. promptPath, when non-empty, overrides the default
// <dir>/<role>.md location.
func (s *Store) RolePrompt(role, promptPath, sessionName, memberID string) (string, error) {
	path := promptPath
	if path == "" {
		path = filepath.Join(s.dir, role+".md")
	}
	tmpl, err := s.read(path)
	if err != nil {
		return "", err
	}
	return Render(tmpl, sessionName, memberID), nil
}

func (s *Store) read(path string) (string, error) {
	s.mu.Lock()
	cached, ok := s.cache[path]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading prompt template %s: %w", path, err)
	}
	text := string(data)
	s.mu.Lock()
	s.cache[path] = text
	s.mu.Unlock()
	return text, nil
}

// Render substitutes {{SESSION_ID}} and {{MEMBER_ID}} in tmpl. memberID
// may be empty; the placeholder is then replaced with the empty string.
func Render(tmpl, sessionName, memberID string) string {
	return strings.NewReplacer(
		"{{SESSION_ID}}", sessionName,
		"{{MEMBER_ID}}", memberID,
	).Replace(tmpl)
}

// ProjectStart composes the prompt that kicks off a project, sent to the
// orchestrator session as a single payload. The section order is fixed.
func ProjectStart(project roster.Project, team roster.Team) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Project: %s\n\n", project.Name)
	fmt.Fprintf(&b, "Path: %s\n\n", project.Path)
	fmt.Fprintf(&b, "## Team: %s\n\n", team.Name)
	for _, m := range team.Members {
		if len(m.Skills) > 0 {
			fmt.Fprintf(&b, "- %s (%s): %s\n", m.Name, m.Role, strings.Join(m.Skills, ", "))
		} else {
			fmt.Fprintf(&b, "- %s (%s)\n", m.Name, m.Role)
		}
	}
	b.WriteString("\n## Requirements\n\n")
	b.WriteString(project.Requirements)
	if !strings.HasSuffix(project.Requirements, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

// Package roster loads the YAML document that defines projects and the
// teams available to work on them.
package roster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Project describes one workspace a team can be pointed at.
type Project struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Path         string `yaml:"path"`
	Requirements string `yaml:"requirements"`
}

// Member is one agent seat in a team.
type Member struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Role        string   `yaml:"role"`
	Skills      []string `yaml:"skills"`
	SessionName string   `yaml:"session_name"`
	// PromptPath overrides the role's default template for this member.
	PromptPath string `yaml:"prompt_path"`
}

// Team groups members under a team ID.
type Team struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Members []Member `yaml:"members"`
}

// Roster is the parsed document.
type Roster struct {
	Projects []Project `yaml:"projects"`
	Teams    []Team    `yaml:"teams"`
}

// Load reads and validates the roster file at path.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster %s: %w", path, err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing roster %s: %w", path, err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return &r, nil
}

func (r *Roster) validate() error {
	seenProjects := make(map[string]bool)
	for _, p := range r.Projects {
		if p.ID == "" {
			return fmt.Errorf("project %q missing id", p.Name)
		}
		if seenProjects[p.ID] {
			return fmt.Errorf("duplicate project id %q", p.ID)
		}
		seenProjects[p.ID] = true
	}
	seenTeams := make(map[string]bool)
	seenSessions := make(map[string]string)
	for _, t := range r.Teams {
		if t.ID == "" {
			return fmt.Errorf("team %q missing id", t.Name)
		}
		if seenTeams[t.ID] {
			return fmt.Errorf("duplicate team id %q", t.ID)
		}
		seenTeams[t.ID] = true
		for _, m := range t.Members {
			if m.ID == "" || m.SessionName == "" || m.Role == "" {
				return fmt.Errorf("team %q: member %q needs id, role and session_name", t.ID, m.ID)
			}
			if owner, dup := seenSessions[m.SessionName]; dup {
				return fmt.Errorf("session name %q used by members %q and %q", m.SessionName, owner, m.ID)
			}
			seenSessions[m.SessionName] = m.ID
		}
	}
	return nil
}

// Project returns the project with the given ID.
func (r *Roster) Project(id string) (Project, error) {
	for _, p := range r.Projects {
		if p.ID == id {
			return p, nil
		}
	}
	return Project{}, fmt.Errorf("unknown project %q", id)
}

// Team returns the team with the given ID.
func (r *Roster) Team(id string) (Team, error) {
	for _, t := range r.Teams {
		if t.ID == id {
			return t, nil
		}
	}
	return Team{}, fmt.Errorf("unknown team %q", id)
}

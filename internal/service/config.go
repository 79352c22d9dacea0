package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"ticketforge/server/internal/ticket"
)

// repoConfig is the repository-level ticket configuration stored
// outside the journal. Labels and milestones are definitions; the
// journals only carry their names.
type repoConfig struct {
	Labels     []ticket.Label     `yaml:"labels"`
	Milestones []ticket.Milestone `yaml:"milestones"`
}

func (s *Service) configPath(repository string) string {
	return filepath.Join(s.configDir, repository, "tickets.yaml")
}

// clone copies the definition slices so callers can mutate their view
// without touching the cached entry.
func (c *repoConfig) clone() *repoConfig {
	return &repoConfig{
		Labels:     append([]ticket.Label(nil), c.Labels...),
		Milestones: append([]ticket.Milestone(nil), c.Milestones...),
	}
}

// readConfig loads the repository configuration through its cache. A
// missing file reads as an empty configuration. The returned config is
// the caller's own copy; the cached entry is never handed out.
func (s *Service) readConfig(repository string) (*repoConfig, error) {
	if cached, ok := s.configs.Get(repository); ok {
		return cached.(*repoConfig).clone(), nil
	}

	cfg := &repoConfig{}
	data, err := os.ReadFile(s.configPath(repository))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read ticket config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse ticket config: %w", err)
	}

	s.configs.Set(repository, cfg.clone(), gocache.DefaultExpiration)
	return cfg, nil
}

// writeConfig persists the configuration atomically and refreshes the
// cache. Callers hold the repository lock.
func (s *Service) writeConfig(repository string, cfg *repoConfig) error {
	path := s.configPath(repository)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode ticket config: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("write ticket config: %w", err)
	}
	s.configs.Set(repository, cfg.clone(), gocache.DefaultExpiration)
	return nil
}

// Labels lists the repository's label definitions.
func (s *Service) Labels(repository string) ([]ticket.Label, error) {
	cfg, err := s.readConfig(repository)
	if err != nil {
		return nil, err
	}
	return append([]ticket.Label(nil), cfg.Labels...), nil
}

// CreateLabel adds a label definition. Duplicate names are rejected.
func (s *Service) CreateLabel(repository string, label ticket.Label) error {
	if strings.TrimSpace(label.Name) == "" {
		return validationError("label", "name is required")
	}

	lock := s.repositoryLock(repository)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := s.readConfig(repository)
	if err != nil {
		return err
	}
	for _, existing := range cfg.Labels {
		if existing.Name == label.Name {
			return validationError("label", "already exists")
		}
	}
	cfg.Labels = append(cfg.Labels, label)
	return s.writeConfig(repository, cfg)
}

// UpdateLabel replaces a label definition in place, keyed by name.
func (s *Service) UpdateLabel(repository string, label ticket.Label) error {
	lock := s.repositoryLock(repository)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := s.readConfig(repository)
	if err != nil {
		return err
	}
	for i, existing := range cfg.Labels {
		if existing.Name == label.Name {
			cfg.Labels[i] = label
			return s.writeConfig(repository, cfg)
		}
	}
	return validationError("label", "does not exist")
}

// RenameLabel renames a label definition and rewrites every ticket
// currently carrying the old name with exactly one corrective change.
func (s *Service) RenameLabel(ctx context.Context, repository, oldName, newName, author string) error {
	if strings.TrimSpace(newName) == "" {
		return validationError("label", "name is required")
	}

	lock := s.repositoryLock(repository)
	lock.Lock()
	found := false
	cfg, err := s.readConfig(repository)
	if err != nil {
		lock.Unlock()
		return err
	}
	for i, existing := range cfg.Labels {
		if existing.Name == oldName {
			cfg.Labels[i].Name = newName
			found = true
			break
		}
	}
	if !found {
		lock.Unlock()
		return validationError("label", "does not exist")
	}
	if err := s.writeConfig(repository, cfg); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	return s.retagLabel(ctx, repository, oldName, newName, author)
}

// DeleteLabel removes a label definition and strips the label from
// every tagged ticket.
func (s *Service) DeleteLabel(ctx context.Context, repository, name, author string) error {
	lock := s.repositoryLock(repository)
	lock.Lock()
	cfg, err := s.readConfig(repository)
	if err != nil {
		lock.Unlock()
		return err
	}
	kept := cfg.Labels[:0]
	found := false
	for _, existing := range cfg.Labels {
		if existing.Name == name {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		lock.Unlock()
		return validationError("label", "does not exist")
	}
	cfg.Labels = kept
	if err := s.writeConfig(repository, cfg); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	return s.retagLabel(ctx, repository, name, "", author)
}

// retagLabel issues one corrective change per ticket carrying oldName:
// a removal token plus, on rename, the new name.
func (s *Service) retagLabel(ctx context.Context, repository, oldName, newName, author string) error {
	tickets, err := s.taggedTickets(ctx, repository, func(t *ticket.Ticket) bool {
		return t.HasLabel(oldName)
	})
	if err != nil {
		return err
	}
	for _, t := range tickets {
		change := ticket.NewChange(author)
		change.RemoveLabel(oldName)
		if newName != "" {
			change.AddLabel(newName)
		}
		if _, err := s.UpdateTicket(ctx, repository, t.Number, change); err != nil {
			return fmt.Errorf("retag ticket %s#%d: %w", repository, t.Number, err)
		}
	}
	return nil
}

// Milestones lists the repository's milestone definitions.
func (s *Service) Milestones(repository string) ([]ticket.Milestone, error) {
	cfg, err := s.readConfig(repository)
	if err != nil {
		return nil, err
	}
	return append([]ticket.Milestone(nil), cfg.Milestones...), nil
}

// Milestone returns a single definition by name, or nil.
func (s *Service) Milestone(repository, name string) (*ticket.Milestone, error) {
	cfg, err := s.readConfig(repository)
	if err != nil {
		return nil, err
	}
	for i := range cfg.Milestones {
		if cfg.Milestones[i].Name == name {
			m := cfg.Milestones[i]
			return &m, nil
		}
	}
	return nil, nil
}

// CreateMilestone adds a milestone definition.
func (s *Service) CreateMilestone(repository string, milestone ticket.Milestone) error {
	if strings.TrimSpace(milestone.Name) == "" {
		return validationError("milestone", "name is required")
	}

	lock := s.repositoryLock(repository)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := s.readConfig(repository)
	if err != nil {
		return err
	}
	for _, existing := range cfg.Milestones {
		if existing.Name == milestone.Name {
			return validationError("milestone", "already exists")
		}
	}
	if milestone.Status == "" {
		milestone.Status = ticket.MilestoneOpen
	}
	cfg.Milestones = append(cfg.Milestones, milestone)
	return s.writeConfig(repository, cfg)
}

// UpdateMilestone replaces a milestone definition in place, keyed by
// name.
func (s *Service) UpdateMilestone(repository string, milestone ticket.Milestone) error {
	lock := s.repositoryLock(repository)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := s.readConfig(repository)
	if err != nil {
		return err
	}
	for i, existing := range cfg.Milestones {
		if existing.Name == milestone.Name {
			cfg.Milestones[i] = milestone
			return s.writeConfig(repository, cfg)
		}
	}
	return validationError("milestone", "does not exist")
}

// RenameMilestone renames a milestone definition and points every
// referencing ticket at the new name with one corrective change each.
func (s *Service) RenameMilestone(ctx context.Context, repository, oldName, newName, author string) error {
	if strings.TrimSpace(newName) == "" {
		return validationError("milestone", "name is required")
	}

	lock := s.repositoryLock(repository)
	lock.Lock()
	cfg, err := s.readConfig(repository)
	if err != nil {
		lock.Unlock()
		return err
	}
	found := false
	for i, existing := range cfg.Milestones {
		if existing.Name == oldName {
			cfg.Milestones[i].Name = newName
			found = true
			break
		}
	}
	if !found {
		lock.Unlock()
		return validationError("milestone", "does not exist")
	}
	if err := s.writeConfig(repository, cfg); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	return s.remilestone(ctx, repository, oldName, newName, author)
}

// DeleteMilestone removes a milestone definition and clears the field
// on every referencing ticket.
func (s *Service) DeleteMilestone(ctx context.Context, repository, name, author string) error {
	lock := s.repositoryLock(repository)
	lock.Lock()
	cfg, err := s.readConfig(repository)
	if err != nil {
		lock.Unlock()
		return err
	}
	kept := cfg.Milestones[:0]
	found := false
	for _, existing := range cfg.Milestones {
		if existing.Name == name {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		lock.Unlock()
		return validationError("milestone", "does not exist")
	}
	cfg.Milestones = kept
	if err := s.writeConfig(repository, cfg); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	return s.remilestone(ctx, repository, name, "", author)
}

func (s *Service) remilestone(ctx context.Context, repository, oldName, newName, author string) error {
	tickets, err := s.taggedTickets(ctx, repository, func(t *ticket.Ticket) bool {
		return t.Milestone == oldName
	})
	if err != nil {
		return err
	}
	for _, t := range tickets {
		change := ticket.NewChange(author)
		change.SetField(ticket.FieldMilestone, newName)
		if _, err := s.UpdateTicket(ctx, repository, t.Number, change); err != nil {
			return fmt.Errorf("move ticket %s#%d: %w", repository, t.Number, err)
		}
	}
	return nil
}

// taggedTickets scans the repository for tickets matching the
// predicate. The full scan keeps corrective updates correct even when
// the index is stale or absent.
func (s *Service) taggedTickets(ctx context.Context, repository string, match func(*ticket.Ticket) bool) ([]*ticket.Ticket, error) {
	all, err := s.GetTickets(ctx, repository)
	if err != nil {
		return nil, err
	}
	tagged := make([]*ticket.Ticket, 0, len(all))
	for _, t := range all {
		if match(t) {
			tagged = append(tagged, t)
		}
	}
	return tagged, nil
}

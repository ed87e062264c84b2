// Package memory provides an in-memory implementation of the entitle.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Storage implements entitle.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	projects map[string]*entitle.Project
	usage    map[string]*entitle.UsageStats
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		projects: make(map[string]*entitle.Project),
		usage:    make(map[string]*entitle.UsageStats),
	}
}

// GetProject implements entitle.Storage
func (s *Storage) GetProject(_ context.Context, projectID string) (*entitle.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	project, ok := s.projects[projectID]
	if !ok {
		return nil, entitle.ErrProjectNotFound
	}

	// Return a copy to prevent external mutations
	projectCopy := *project
	return &projectCopy, nil
}

// SaveProject implements entitle.Storage
func (s *Storage) SaveProject(_ context.Context, project *entitle.Project) error {
	if project == nil || project.ID == "" {
		return entitle.ErrInvalidProject
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	projectCopy := *project
	s.projects[project.ID] = &projectCopy
	return nil
}

// GetUsage implements entitle.Storage
func (s *Storage) GetUsage(_ context.Context, projectID string) (*entitle.UsageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usage, ok := s.usage[projectID]
	if !ok {
		return nil, nil // No usage yet is not an error
	}

	usageCopy := *usage
	return &usageCopy, nil
}

// IncrementUsage implements entitle.Storage
func (s *Storage) IncrementUsage(
	_ context.Context, projectID string, kind entitle.ResourceKind, amount int,
) (*entitle.UsageStats, error) {
	if !kind.Valid() {
		return nil, entitle.ErrUnknownResource
	}
	if amount <= 0 {
		return nil, entitle.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.usage[projectID]
	if !ok {
		usage = &entitle.UsageStats{}
		s.usage[projectID] = usage
	}
	*usage = usage.Add(kind, amount)

	usageCopy := *usage
	return &usageCopy, nil
}

// ResetUsage implements entitle.Storage
func (s *Storage) ResetUsage(
	_ context.Context, projectID string, cycleStart time.Time,
) (*entitle.UsageStats, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.usage[projectID]
	if ok && !usage.CycleStart.Before(cycleStart) {
		usageCopy := *usage
		return &usageCopy, false, nil
	}

	usage = &entitle.UsageStats{CycleStart: cycleStart.UTC()}
	s.usage[projectID] = usage

	usageCopy := *usage
	return &usageCopy, true, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.projects = make(map[string]*entitle.Project)
	s.usage = make(map[string]*entitle.UsageStats)
}

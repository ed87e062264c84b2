// Package firestore provides a Firestore implementation of the entitle.Storage interface.
// Usage documents are updated inside Firestore transactions.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// usageFields maps resource kinds to document fields
var usageFields = map[entitle.ResourceKind]string{
	entitle.ResourceProject:       "projectsCreated",
	entitle.ResourceProCall:       "proCallsUsed",
	entitle.ResourceMediaCredit:   "mediaCreditsUsed",
	entitle.ResourceStrategyBrief: "totalStrategyBriefs",
	entitle.ResourceSearchQuery:   "searchQueriesUsed",
}

// Storage implements entitle.Storage using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	projectsCollection string
	usageCollection    string
}

// Config holds Firestore storage configuration
type Config struct {
	// ProjectsCollection is the Firestore collection for project records
	// Default: "entitle_projects"
	ProjectsCollection string

	// UsageCollection is the Firestore collection for usage counters
	// Default: "entitle_usage"
	UsageCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.ProjectsCollection == "" {
		config.ProjectsCollection = "entitle_projects"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "entitle_usage"
	}

	return &Storage{
		client:             client,
		projectsCollection: config.ProjectsCollection,
		usageCollection:    config.UsageCollection,
	}, nil
}

// GetProject implements entitle.Storage
func (s *Storage) GetProject(ctx context.Context, projectID string) (*entitle.Project, error) {
	snap, err := s.client.Collection(s.projectsCollection).Doc(projectID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitle.ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if !snap.Exists() {
		return nil, entitle.ErrProjectNotFound
	}

	data := snap.Data()
	return &entitle.Project{
		ID:                projectID,
		SubscriptionTier:  entitle.Tier(getString(data, "subscriptionTier")),
		SubscriptionStart: getTime(data, "subscriptionStart"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}, nil
}

// SaveProject implements entitle.Storage
func (s *Storage) SaveProject(ctx context.Context, project *entitle.Project) error {
	if project == nil || project.ID == "" {
		return entitle.ErrInvalidProject
	}

	data := map[string]interface{}{
		"subscriptionTier":  string(project.SubscriptionTier),
		"subscriptionStart": project.SubscriptionStart,
		"createdAt":         project.CreatedAt,
		"updatedAt":         project.UpdatedAt,
	}

	_, err := s.client.Collection(s.projectsCollection).Doc(project.ID).Set(ctx, data, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// GetUsage implements entitle.Storage
func (s *Storage) GetUsage(ctx context.Context, projectID string) (*entitle.UsageStats, error) {
	snap, err := s.usageDoc(projectID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No usage yet is not an error
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	usage := usageFromData(snap.Data())
	return &usage, nil
}

// IncrementUsage implements entitle.Storage with a transaction
func (s *Storage) IncrementUsage(
	ctx context.Context, projectID string, kind entitle.ResourceKind, amount int,
) (*entitle.UsageStats, error) {
	if !kind.Valid() {
		return nil, entitle.ErrUnknownResource
	}
	if amount <= 0 {
		return nil, entitle.ErrInvalidAmount
	}

	doc := s.usageDoc(projectID)
	var usage entitle.UsageStats

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current, err := readUsage(tx, doc)
		if err != nil {
			return err
		}

		usage = current.Add(kind, amount)
		return tx.Set(doc, map[string]interface{}{
			usageFields[kind]: usage.Count(kind),
			"updatedAt":       time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	return &usage, nil
}

// ResetUsage implements entitle.Storage with a transaction
func (s *Storage) ResetUsage(
	ctx context.Context, projectID string, cycleStart time.Time,
) (*entitle.UsageStats, bool, error) {
	doc := s.usageDoc(projectID)
	var usage entitle.UsageStats
	var reset bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		reset = false
		if snap != nil && snap.Exists() {
			usage = usageFromData(snap.Data())
			if !usage.CycleStart.Before(cycleStart) {
				return nil
			}
		}

		usage = entitle.UsageStats{CycleStart: cycleStart.UTC()}
		reset = true

		data := map[string]interface{}{
			"cycleStart": usage.CycleStart,
			"updatedAt":  time.Now().UTC(),
		}
		for _, field := range usageFields {
			data[field] = 0
		}
		return tx.Set(doc, data)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to reset usage: %w", err)
	}
	return &usage, reset, nil
}

// readUsage loads the usage document inside a transaction; a missing document is all zeros
func readUsage(tx *firestore.Transaction, doc *firestore.DocumentRef) (entitle.UsageStats, error) {
	snap, err := tx.Get(doc)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return entitle.UsageStats{}, nil
		}
		return entitle.UsageStats{}, err
	}
	if !snap.Exists() {
		return entitle.UsageStats{}, nil
	}
	return usageFromData(snap.Data()), nil
}

// usageDoc returns the Firestore document reference for a project's counters
func (s *Storage) usageDoc(projectID string) *firestore.DocumentRef {
	return s.client.Collection(s.usageCollection).Doc(projectID)
}

func usageFromData(data map[string]interface{}) entitle.UsageStats {
	var usage entitle.UsageStats
	for kind, field := range usageFields {
		usage = usage.Add(kind, getInt(data, field))
	}
	usage.CycleStart = getTime(data, "cycleStart")
	return usage
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

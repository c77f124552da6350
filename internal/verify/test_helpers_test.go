package verify

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustProviderID(t *testing.T, value string) ProviderID {
	t.Helper()
	id, err := NewProviderID(value)
	if err != nil {
		t.Fatalf("unexpected provider id error: %v", err)
	}
	return id
}

func mustPlanID(t *testing.T, value string) PlanID {
	t.Helper()
	id, err := NewPlanID(value)
	if err != nil {
		t.Fatalf("unexpected plan id error: %v", err)
	}
	return id
}

func mustFingerprint(t *testing.T, value string) Fingerprint {
	t.Helper()
	fingerprint, err := NewFingerprint(value)
	if err != nil {
		t.Fatalf("unexpected fingerprint error: %v", err)
	}
	return fingerprint
}

// fakeDirectory answers catalog questions from fixed sets, so service tests
// exercise the consensus path with synthetic providers and plans.
type fakeDirectory struct {
	providers  map[string]bool
	plans      map[string]bool
	categories map[string]PlanCategory
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		providers:  map[string]bool{"prov-1": true, "prov-2": true},
		plans:      map[string]bool{"plan-1": true, "plan-2": true},
		categories: map[string]PlanCategory{},
	}
}

func (d *fakeDirectory) ProviderExists(_ context.Context, providerID string) (bool, error) {
	return d.providers[providerID], nil
}

func (d *fakeDirectory) PlanExists(_ context.Context, planID string) (bool, error) {
	return d.plans[planID], nil
}

func (d *fakeDirectory) PlanCategory(_ context.Context, planID string) (PlanCategory, error) {
	if category, ok := d.categories[planID]; ok {
		return category, nil
	}
	return CategoryStandard, nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:coveragecheck_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&Submission{}, &Vote{}, &Aggregate{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

// manualClock lets tests march time forward deterministically.
type manualClock struct {
	current time.Time
}

func (c *manualClock) Now() time.Time {
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *manualClock) {
	t.Helper()
	db := openTestDatabase(t)
	clock := &manualClock{current: time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Directory:  newFakeDirectory(),
		Clock:      clock.Now,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("unexpected service construction error: %v", err)
	}
	return service, db, clock
}

func submissionRequest(t *testing.T, fingerprint string) SubmissionRequest {
	t.Helper()
	return SubmissionRequest{
		ProviderID:  mustProviderID(t, "prov-1"),
		PlanID:      mustPlanID(t, "plan-1"),
		Accepted:    true,
		Source:      SourceCrowd,
		Fingerprint: mustFingerprint(t, fingerprint),
	}
}

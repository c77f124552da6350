package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/coveragecheck/internal/verify"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("catalog: database handle is required")

// Provider is a reference row for a healthcare provider known to the catalog.
type Provider struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	Name      string    `gorm:"column:name;size:255;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Provider) TableName() string {
	return "providers"
}

// Plan is a reference row for an insurance plan known to the catalog. The
// category drives how quickly verifications of the plan go stale.
type Plan struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	Name      string    `gorm:"column:name;size:255;not null"`
	Category  string    `gorm:"column:category;size:32;not null;default:'standard'"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Plan) TableName() string {
	return "plans"
}

// Directory answers existence and category questions about providers and
// plans from the local reference tables. It implements verify.Directory.
type Directory struct {
	db *gorm.DB
}

// NewDirectory constructs a table-backed directory.
func NewDirectory(db *gorm.DB) (*Directory, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Directory{db: db}, nil
}

// ProviderExists reports whether the provider id is known.
func (d *Directory) ProviderExists(ctx context.Context, providerID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Provider{}).Where("id = ?", providerID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("catalog: provider lookup: %w", err)
	}
	return count > 0, nil
}

// PlanExists reports whether the plan id is known.
func (d *Directory) PlanExists(ctx context.Context, planID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Plan{}).Where("id = ?", planID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("catalog: plan lookup: %w", err)
	}
	return count > 0, nil
}

// PlanCategory resolves the plan's freshness category. Unknown plans and
// unrecognised categories map to the standard category; the scorer stays
// total over its inputs.
func (d *Directory) PlanCategory(ctx context.Context, planID string) (verify.PlanCategory, error) {
	var plan Plan
	err := d.db.WithContext(ctx).Where("id = ?", planID).Take(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return verify.CategoryStandard, nil
	}
	if err != nil {
		return verify.CategoryStandard, fmt.Errorf("catalog: plan category lookup: %w", err)
	}

	switch verify.PlanCategory(plan.Category) {
	case verify.CategoryFast:
		return verify.CategoryFast, nil
	case verify.CategorySlow:
		return verify.CategorySlow, nil
	default:
		return verify.CategoryStandard, nil
	}
}

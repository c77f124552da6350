package verify

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	maxNoteLength       = 1000
	maxEvidenceLength   = 500
)

var (
	// ErrInvalidProviderID indicates that a provider identifier is empty or exceeds storage bounds.
	ErrInvalidProviderID = errors.New("verify: invalid provider id")
	// ErrInvalidPlanID indicates that a plan identifier is empty or exceeds storage bounds.
	ErrInvalidPlanID = errors.New("verify: invalid plan id")
	// ErrInvalidFingerprint indicates that an origin fingerprint is empty or exceeds storage bounds.
	ErrInvalidFingerprint = errors.New("verify: invalid origin fingerprint")
	// ErrInvalidNote indicates that the free-text note exceeds its length bound.
	ErrInvalidNote = errors.New("verify: note too long")
	// ErrInvalidEvidenceURL indicates that the evidence reference is not URL-shaped.
	ErrInvalidEvidenceURL = errors.New("verify: invalid evidence url")
	// ErrInvalidSubmitterEmail indicates that the submitter identifier is not email-shaped.
	ErrInvalidSubmitterEmail = errors.New("verify: invalid submitter email")
	// ErrInvalidVoteDirection indicates an unrecognised vote direction.
	ErrInvalidVoteDirection = errors.New("verify: invalid vote direction")
)

// ProviderID represents a validated provider identifier.
type ProviderID string

// NewProviderID validates raw input and returns a ProviderID.
func NewProviderID(rawInput string) (ProviderID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProviderID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProviderID, maxIdentifierLength)
	}
	return ProviderID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProviderID) String() string {
	return string(id)
}

// PlanID represents a validated insurance plan identifier.
type PlanID string

// NewPlanID validates raw input and returns a PlanID.
func NewPlanID(rawInput string) (PlanID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPlanID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPlanID, maxIdentifierLength)
	}
	return PlanID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PlanID) String() string {
	return string(id)
}

// Fingerprint is the opaque network-origin identifier derived once at the
// transport boundary and threaded through as a parameter.
type Fingerprint string

// NewFingerprint validates raw input and returns a Fingerprint.
func NewFingerprint(rawInput string) (Fingerprint, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFingerprint)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFingerprint, maxIdentifierLength)
	}
	return Fingerprint(trimmed), nil
}

// String returns the underlying string identifier.
func (f Fingerprint) String() string {
	return string(f)
}

// DataSource categorises where a submission's information came from.
type DataSource string

const (
	SourceRegistry DataSource = "registry"
	SourceCarrier  DataSource = "carrier"
	SourceCrowd    DataSource = "crowd"
	SourceInferred DataSource = "inferred"
	SourceUnknown  DataSource = "unknown"
)

// ParseDataSource normalises raw input into a known category, defaulting to
// SourceUnknown rather than failing; the scorer is total over its inputs.
func ParseDataSource(rawInput string) DataSource {
	switch DataSource(strings.ToLower(strings.TrimSpace(rawInput))) {
	case SourceRegistry:
		return SourceRegistry
	case SourceCarrier:
		return SourceCarrier
	case SourceCrowd:
		return SourceCrowd
	case SourceInferred:
		return SourceInferred
	default:
		return SourceUnknown
	}
}

// Points returns the data-source component value for this category.
func (s DataSource) Points() int {
	switch s {
	case SourceRegistry:
		return 25
	case SourceCarrier:
		return 20
	case SourceCrowd:
		return 15
	case SourceInferred:
		return 10
	default:
		return 10
	}
}

// Status enumerates aggregate consensus states.
type Status string

const (
	StatusUnknown  Status = "UNKNOWN"
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
)

// VoteDirection enumerates vote polarities.
type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

// ParseVoteDirection validates raw input into a VoteDirection.
func ParseVoteDirection(rawInput string) (VoteDirection, error) {
	switch VoteDirection(strings.ToLower(strings.TrimSpace(rawInput))) {
	case VoteUp:
		return VoteUp, nil
	case VoteDown:
		return VoteDown, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVoteDirection, rawInput)
	}
}

// Submission models one origin's claim about one (provider, plan) pair.
// Rows are immutable after creation except for vote-count increments; the
// sweeper removes them past ExpiresAt.
type Submission struct {
	ID             string     `gorm:"column:id;primaryKey;size:190;not null"`
	ProviderID     string     `gorm:"column:provider_id;size:190;not null;index:idx_submissions_pair,priority:1"`
	PlanID         string     `gorm:"column:plan_id;size:190;not null;index:idx_submissions_pair,priority:2"`
	Accepted       bool       `gorm:"column:accepted;not null"`
	Source         DataSource `gorm:"column:source;size:32;not null;default:'unknown'"`
	Note           string     `gorm:"column:note;type:text;not null;default:''"`
	EvidenceURL    string     `gorm:"column:evidence_url;size:500;not null;default:''"`
	Fingerprint    string     `gorm:"column:fingerprint;size:190;not null;index:idx_submissions_origin,priority:1"`
	SubmitterEmail string     `gorm:"column:submitter_email;size:190;not null;default:''"`
	Upvotes        int        `gorm:"column:upvotes;not null;default:0"`
	Downvotes      int        `gorm:"column:downvotes;not null;default:0"`
	Approved       bool       `gorm:"column:approved;not null;default:true"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;index:idx_submissions_origin,priority:2"`
	ExpiresAt      time.Time  `gorm:"column:expires_at;not null;index:idx_submissions_expiry"`
}

// TableName provides the explicit table binding for GORM.
func (Submission) TableName() string {
	return "submissions"
}

// Vote models one origin's up/down opinion on one Submission. The composite
// unique index is the sole mechanism preventing one origin from voting twice.
type Vote struct {
	SubmissionID string        `gorm:"column:submission_id;primaryKey;size:190;not null;uniqueIndex:idx_votes_origin,priority:1"`
	Fingerprint  string        `gorm:"column:fingerprint;primaryKey;size:190;not null;uniqueIndex:idx_votes_origin,priority:2"`
	Direction    VoteDirection `gorm:"column:direction;size:8;not null"`
	CreatedAt    time.Time     `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// Aggregate is the externally visible trust record for one (provider, plan)
// pair. Score and Status are a transaction-scoped cache: they are recomputed
// from the submission and vote sets inside every write touching the pair and
// are never accepted from the outside.
type Aggregate struct {
	ProviderID        string     `gorm:"column:provider_id;primaryKey;size:190;not null;uniqueIndex:idx_aggregates_pair,priority:1"`
	PlanID            string     `gorm:"column:plan_id;primaryKey;size:190;not null;uniqueIndex:idx_aggregates_pair,priority:2"`
	Status            Status     `gorm:"column:status;size:16;not null;default:'UNKNOWN'"`
	Score             int        `gorm:"column:score;not null;default:0"`
	VerificationCount int        `gorm:"column:verification_count;not null;default:0"`
	LastVerifiedAt    *time.Time `gorm:"column:last_verified_at"`
	ExpiresAt         time.Time  `gorm:"column:expires_at;not null;index:idx_aggregates_expiry"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Aggregate) TableName() string {
	return "aggregates"
}

// SubmissionRequest describes the input supplied by a client when submitting
// a verification. Fingerprint is derived server-side, never client-supplied.
type SubmissionRequest struct {
	ProviderID     ProviderID
	PlanID         PlanID
	Accepted       bool
	Source         DataSource
	Note           string
	EvidenceURL    string
	SubmitterEmail string
	Fingerprint    Fingerprint
}

// Validate checks the optional free-form fields against their documented bounds.
func (r SubmissionRequest) Validate() error {
	if len(r.Note) > maxNoteLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidNote, maxNoteLength)
	}
	if r.EvidenceURL != "" {
		if len(r.EvidenceURL) > maxEvidenceLength {
			return fmt.Errorf("%w: exceeds %d characters", ErrInvalidEvidenceURL, maxEvidenceLength)
		}
		parsed, err := url.Parse(r.EvidenceURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidEvidenceURL, r.EvidenceURL)
		}
	}
	if r.SubmitterEmail != "" {
		if len(r.SubmitterEmail) > maxIdentifierLength {
			return fmt.Errorf("%w: exceeds %d characters", ErrInvalidSubmitterEmail, maxIdentifierLength)
		}
		if _, err := mail.ParseAddress(r.SubmitterEmail); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidSubmitterEmail, r.SubmitterEmail)
		}
	}
	return nil
}

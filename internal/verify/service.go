package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDirectory  = errors.New("catalog directory is required")
	noOpLogger           = zap.NewNop()

	// ErrProviderNotFound indicates that the catalog does not know the provider.
	ErrProviderNotFound = errors.New("verify: provider not found")
	// ErrPlanNotFound indicates that the catalog does not know the plan.
	ErrPlanNotFound = errors.New("verify: plan not found")
	// ErrSubmissionNotFound indicates a vote against a missing or expired submission.
	ErrSubmissionNotFound = errors.New("verify: submission not found")
	// ErrDuplicateSubmission indicates a repeat claim from the same actor
	// inside the dedup lookback window.
	ErrDuplicateSubmission = errors.New("verify: duplicate submission")
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "verify.service.new"
	opSubmit     = "verify.submit"
	opVote       = "verify.vote"
	opRead       = "verify.read"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	defaultDedupWindow   = 30 * 24 * time.Hour
	defaultSubmissionTTL = 180 * 24 * time.Hour
)

// PlanCategory controls how quickly verifications of a plan go stale.
type PlanCategory string

const (
	CategoryFast     PlanCategory = "fast"
	CategorySlow     PlanCategory = "slow"
	CategoryStandard PlanCategory = "standard"
)

// ThresholdDays returns the freshness threshold for the category.
func (c PlanCategory) ThresholdDays() int {
	switch c {
	case CategoryFast:
		return ThresholdFastDays
	case CategorySlow:
		return ThresholdSlowDays
	default:
		return ThresholdStandardDays
	}
}

// Directory is the catalog collaborator consumed before any submission is
// persisted. Implementations may be local tables or a remote service.
type Directory interface {
	ProviderExists(ctx context.Context, providerID string) (bool, error)
	PlanExists(ctx context.Context, planID string) (bool, error)
	PlanCategory(ctx context.Context, planID string) (PlanCategory, error)
}

// IDProvider issues sortable submission identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the verification service.
type ServiceConfig struct {
	Database      *gorm.DB
	Directory     Directory
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	DedupWindow   time.Duration
	SubmissionTTL time.Duration
}

// Service owns the submission, vote and aggregate records and keeps the
// cached score and status consistent with them on every write.
type Service struct {
	db            *gorm.DB
	directory     Directory
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	dedupWindow   time.Duration
	submissionTTL time.Duration
}

// NewService validates configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	dedupWindow := cfg.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	submissionTTL := cfg.SubmissionTTL
	if submissionTTL <= 0 {
		submissionTTL = defaultSubmissionTTL
	}

	return &Service{
		db:            cfg.Database,
		directory:     cfg.Directory,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		dedupWindow:   dedupWindow,
		submissionTTL: submissionTTL,
	}, nil
}

// AggregateView is the externally visible trust record. Origin fingerprints
// and submitter identifiers never appear here.
type AggregateView struct {
	ProviderID        string
	PlanID            string
	Status            Status
	Score             int
	Level             Level
	VerificationCount int
	LastVerifiedAt    *time.Time
	ThresholdDays     int
	DaysUntilStale    int
	IsStale           bool
	RecommendReverify bool
	Explanation       []string
}

// SubmissionSummary is the stripped per-submission view exposed alongside an
// aggregate.
type SubmissionSummary struct {
	ID          string
	Accepted    bool
	Source      DataSource
	Note        string
	EvidenceURL string
	Upvotes     int
	Downvotes   int
	CreatedAt   time.Time
}

// SubmitResult reports the created submission and the recomputed aggregate.
type SubmitResult struct {
	SubmissionID string
	Aggregate    AggregateView
}

// VoteResult reports the updated tally and the recomputed aggregate.
type VoteResult struct {
	SubmissionID string
	Upvotes      int
	Downvotes    int
	Aggregate    AggregateView
}

// VerificationView bundles the aggregate with recent stripped submissions.
type VerificationView struct {
	Aggregate   AggregateView
	Submissions []SubmissionSummary
}

// Submit persists a new submission after the duplicate guard and catalog
// checks pass, then recomputes the pair's aggregate in the same transaction.
func (s *Service) Submit(ctx context.Context, request SubmissionRequest) (SubmitResult, error) {
	if err := request.Validate(); err != nil {
		return SubmitResult{}, newServiceError(opSubmit, "invalid_request", err)
	}

	thresholdDays, err := s.resolvePair(ctx, opSubmit, request.ProviderID.String(), request.PlanID.String())
	if err != nil {
		return SubmitResult{}, err
	}

	submissionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmit, "id_generation_failed", err)
		return SubmitResult{}, newServiceError(opSubmit, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	submission := Submission{
		ID:             submissionID,
		ProviderID:     request.ProviderID.String(),
		PlanID:         request.PlanID.String(),
		Accepted:       request.Accepted,
		Source:         request.Source,
		Note:           request.Note,
		EvidenceURL:    request.EvidenceURL,
		Fingerprint:    request.Fingerprint.String(),
		SubmitterEmail: request.SubmitterEmail,
		Approved:       true,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.submissionTTL),
	}

	var view AggregateView
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		aggregate, err := s.lockAggregate(tx, submission.ProviderID, submission.PlanID)
		if err != nil {
			s.logError(opSubmit, "aggregate_lock_failed", err,
				zap.String("provider_id", submission.ProviderID),
				zap.String("plan_id", submission.PlanID))
			return newServiceError(opSubmit, "aggregate_lock_failed", err)
		}

		duplicate, err := s.findDuplicate(tx, submission, now)
		if err != nil {
			s.logError(opSubmit, "duplicate_lookup_failed", err,
				zap.String("provider_id", submission.ProviderID),
				zap.String("plan_id", submission.PlanID))
			return newServiceError(opSubmit, "duplicate_lookup_failed", err)
		}
		if duplicate {
			return newServiceError(opSubmit, "duplicate_submission", ErrDuplicateSubmission)
		}

		if err := tx.Create(&submission).Error; err != nil {
			s.logError(opSubmit, "submission_insert_failed", err,
				zap.String("submission_id", submission.ID))
			return newServiceError(opSubmit, "submission_insert_failed", err)
		}

		updated, result, err := s.recomputeAggregate(tx, aggregate, thresholdDays, now)
		if err != nil {
			s.logError(opSubmit, "aggregate_recompute_failed", err,
				zap.String("provider_id", submission.ProviderID),
				zap.String("plan_id", submission.PlanID))
			return newServiceError(opSubmit, "aggregate_recompute_failed", err)
		}
		view = buildAggregateView(updated, result)
		return nil
	})
	if txErr != nil {
		return SubmitResult{}, txErr
	}

	s.logger.Info("submission accepted",
		zap.String("submission_id", submission.ID),
		zap.String("provider_id", submission.ProviderID),
		zap.String("plan_id", submission.PlanID),
		zap.String("status", string(view.Status)),
		zap.Int("score", view.Score))

	return SubmitResult{SubmissionID: submission.ID, Aggregate: view}, nil
}

// CastVote records or flips one origin's vote on a submission and recomputes
// the owning pair's aggregate in the same transaction. A repeat vote in the
// same direction is a no-op.
func (s *Service) CastVote(ctx context.Context, submissionID string, fingerprint Fingerprint, direction VoteDirection) (VoteResult, error) {
	var probe Submission
	err := s.db.WithContext(ctx).Where("id = ?", submissionID).Take(&probe).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VoteResult{}, newServiceError(opVote, "submission_not_found", ErrSubmissionNotFound)
	}
	if err != nil {
		s.logError(opVote, "submission_lookup_failed", err, zap.String("submission_id", submissionID))
		return VoteResult{}, newServiceError(opVote, "submission_lookup_failed", err)
	}

	// Resolved before the transaction opens: the directory call may leave
	// process and must not hold a transaction while it does.
	category, err := s.directory.PlanCategory(ctx, probe.PlanID)
	if err != nil {
		s.logError(opVote, "plan_category_failed", err, zap.String("plan_id", probe.PlanID))
		return VoteResult{}, newServiceError(opVote, "plan_category_failed", err)
	}
	thresholdDays := category.ThresholdDays()

	now := s.clock().UTC()
	var outcome VoteResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var submission Submission
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND expires_at > ?", submissionID, now).
			Take(&submission).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opVote, "submission_not_found", ErrSubmissionNotFound)
		}
		if err != nil {
			s.logError(opVote, "submission_lock_failed", err, zap.String("submission_id", submissionID))
			return newServiceError(opVote, "submission_lock_failed", err)
		}

		aggregate, err := s.lockAggregate(tx, submission.ProviderID, submission.PlanID)
		if err != nil {
			s.logError(opVote, "aggregate_lock_failed", err,
				zap.String("provider_id", submission.ProviderID),
				zap.String("plan_id", submission.PlanID))
			return newServiceError(opVote, "aggregate_lock_failed", err)
		}

		var existing Vote
		err = tx.Where("submission_id = ? AND fingerprint = ?", submissionID, fingerprint.String()).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			vote := Vote{
				SubmissionID: submissionID,
				Fingerprint:  fingerprint.String(),
				Direction:    direction,
				CreatedAt:    now,
			}
			if err := tx.Create(&vote).Error; err != nil {
				s.logError(opVote, "vote_insert_failed", err, zap.String("submission_id", submissionID))
				return newServiceError(opVote, "vote_insert_failed", err)
			}
			if direction == VoteUp {
				submission.Upvotes++
			} else {
				submission.Downvotes++
			}
		case err != nil:
			s.logError(opVote, "vote_lookup_failed", err, zap.String("submission_id", submissionID))
			return newServiceError(opVote, "vote_lookup_failed", err)
		case existing.Direction == direction:
			// Same origin, same direction: nothing changes.
		default:
			if err := tx.Model(&Vote{}).
				Where("submission_id = ? AND fingerprint = ?", submissionID, fingerprint.String()).
				Update("direction", direction).Error; err != nil {
				s.logError(opVote, "vote_update_failed", err, zap.String("submission_id", submissionID))
				return newServiceError(opVote, "vote_update_failed", err)
			}
			if direction == VoteUp {
				submission.Upvotes++
				submission.Downvotes--
			} else {
				submission.Upvotes--
				submission.Downvotes++
			}
			if submission.Upvotes < 0 {
				submission.Upvotes = 0
			}
			if submission.Downvotes < 0 {
				submission.Downvotes = 0
			}
		}

		if err := tx.Model(&Submission{}).Where("id = ?", submissionID).
			Updates(map[string]interface{}{
				"upvotes":   submission.Upvotes,
				"downvotes": submission.Downvotes,
			}).Error; err != nil {
			s.logError(opVote, "tally_update_failed", err, zap.String("submission_id", submissionID))
			return newServiceError(opVote, "tally_update_failed", err)
		}

		updated, result, err := s.recomputeAggregate(tx, aggregate, thresholdDays, now)
		if err != nil {
			s.logError(opVote, "aggregate_recompute_failed", err,
				zap.String("provider_id", submission.ProviderID),
				zap.String("plan_id", submission.PlanID))
			return newServiceError(opVote, "aggregate_recompute_failed", err)
		}

		outcome = VoteResult{
			SubmissionID: submissionID,
			Upvotes:      submission.Upvotes,
			Downvotes:    submission.Downvotes,
			Aggregate:    buildAggregateView(updated, result),
		}
		return nil
	})
	if txErr != nil {
		return VoteResult{}, txErr
	}

	return outcome, nil
}

// GetVerification returns the stored aggregate for a pair together with
// freshly derived staleness metadata and stripped submission summaries. A
// pair with no history reads as UNKNOWN.
func (s *Service) GetVerification(ctx context.Context, providerID ProviderID, planID PlanID) (VerificationView, error) {
	category, err := s.directory.PlanCategory(ctx, planID.String())
	if err != nil {
		s.logError(opRead, "plan_category_failed", err, zap.String("plan_id", planID.String()))
		return VerificationView{}, newServiceError(opRead, "plan_category_failed", err)
	}
	thresholdDays := category.ThresholdDays()
	now := s.clock().UTC()

	var aggregate Aggregate
	err = s.db.WithContext(ctx).
		Where("provider_id = ? AND plan_id = ?", providerID.String(), planID.String()).
		Take(&aggregate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		aggregate = Aggregate{
			ProviderID: providerID.String(),
			PlanID:     planID.String(),
			Status:     StatusUnknown,
		}
	} else if err != nil {
		s.logError(opRead, "aggregate_lookup_failed", err,
			zap.String("provider_id", providerID.String()),
			zap.String("plan_id", planID.String()))
		return VerificationView{}, newServiceError(opRead, "aggregate_lookup_failed", err)
	}

	submissions, err := s.activeSubmissions(s.db.WithContext(ctx), providerID.String(), planID.String(), now)
	if err != nil {
		s.logError(opRead, "submission_query_failed", err,
			zap.String("provider_id", providerID.String()),
			zap.String("plan_id", planID.String()))
		return VerificationView{}, newServiceError(opRead, "submission_query_failed", err)
	}

	// The stored score is the cache of record; the scorer run here only
	// refreshes the time-derived metadata and explanation.
	result := ComputeScore(ScoreInput{Submissions: submissions, ThresholdDays: thresholdDays, Now: now})

	view := buildAggregateView(aggregate, result)
	view.Score = aggregate.Score
	view.Level = levelFor(aggregate.Score, aggregate.VerificationCount)
	if aggregate.Score != result.Score {
		view.Explanation = append(view.Explanation,
			fmt.Sprintf("served score %d stored at last write; components above recompute to %d at read time", aggregate.Score, result.Score))
	}

	summaries := make([]SubmissionSummary, 0, len(submissions))
	for _, submission := range submissions {
		summaries = append(summaries, SubmissionSummary{
			ID:          submission.ID,
			Accepted:    submission.Accepted,
			Source:      submission.Source,
			Note:        submission.Note,
			EvidenceURL: submission.EvidenceURL,
			Upvotes:     submission.Upvotes,
			Downvotes:   submission.Downvotes,
			CreatedAt:   submission.CreatedAt,
		})
	}

	return VerificationView{Aggregate: view, Submissions: summaries}, nil
}

// resolvePair runs the catalog existence checks and resolves the freshness
// threshold. Runs before any transaction opens.
func (s *Service) resolvePair(ctx context.Context, operation string, providerID string, planID string) (int, error) {
	providerKnown, err := s.directory.ProviderExists(ctx, providerID)
	if err != nil {
		s.logError(operation, "provider_lookup_failed", err, zap.String("provider_id", providerID))
		return 0, newServiceError(operation, "provider_lookup_failed", err)
	}
	if !providerKnown {
		return 0, newServiceError(operation, "provider_not_found", ErrProviderNotFound)
	}

	planKnown, err := s.directory.PlanExists(ctx, planID)
	if err != nil {
		s.logError(operation, "plan_lookup_failed", err, zap.String("plan_id", planID))
		return 0, newServiceError(operation, "plan_lookup_failed", err)
	}
	if !planKnown {
		return 0, newServiceError(operation, "plan_not_found", ErrPlanNotFound)
	}

	category, err := s.directory.PlanCategory(ctx, planID)
	if err != nil {
		s.logError(operation, "plan_category_failed", err, zap.String("plan_id", planID))
		return 0, newServiceError(operation, "plan_category_failed", err)
	}
	return category.ThresholdDays(), nil
}

// findDuplicate applies the duplicate-submission guard: a non-expired
// submission for the same pair from the same fingerprint or the same
// submitter email inside the lookback window blocks the write.
func (s *Service) findDuplicate(tx *gorm.DB, submission Submission, now time.Time) (bool, error) {
	windowStart := now.Add(-s.dedupWindow)
	query := tx.Model(&Submission{}).
		Where("provider_id = ? AND plan_id = ?", submission.ProviderID, submission.PlanID).
		Where("created_at > ? AND expires_at > ?", windowStart, now)
	if submission.SubmitterEmail != "" {
		query = query.Where("fingerprint = ? OR submitter_email = ?", submission.Fingerprint, submission.SubmitterEmail)
	} else {
		query = query.Where("fingerprint = ?", submission.Fingerprint)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// lockAggregate takes the row lock that serializes concurrent writers to one
// pair, creating the row lazily on first submission.
func (s *Service) lockAggregate(tx *gorm.DB, providerID string, planID string) (Aggregate, error) {
	var aggregate Aggregate
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_id = ? AND plan_id = ?", providerID, planID).
		Take(&aggregate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Aggregate{ProviderID: providerID, PlanID: planID, Status: StatusUnknown}, nil
	}
	if err != nil {
		return Aggregate{}, err
	}
	return aggregate, nil
}

// recomputeAggregate re-derives score and status from the committed
// non-expired submission set and persists the refreshed cache. Must run
// inside the same transaction as the triggering write.
func (s *Service) recomputeAggregate(tx *gorm.DB, aggregate Aggregate, thresholdDays int, now time.Time) (Aggregate, ScoreResult, error) {
	submissions, err := s.activeSubmissions(tx, aggregate.ProviderID, aggregate.PlanID, now)
	if err != nil {
		return Aggregate{}, ScoreResult{}, err
	}

	result := ComputeScore(ScoreInput{Submissions: submissions, ThresholdDays: thresholdDays, Now: now})
	decision := DecideStatus(submissions, result.Score)

	aggregate.Status = decision.Status
	aggregate.Score = result.Score
	aggregate.VerificationCount = result.VerificationCount
	aggregate.LastVerifiedAt = result.LastVerifiedAt
	aggregate.ExpiresAt = now.Add(s.submissionTTL)
	aggregate.UpdatedAt = now

	if err := tx.Save(&aggregate).Error; err != nil {
		return Aggregate{}, ScoreResult{}, err
	}
	return aggregate, result, nil
}

func (s *Service) activeSubmissions(tx *gorm.DB, providerID string, planID string, now time.Time) ([]Submission, error) {
	var submissions []Submission
	err := tx.
		Where("provider_id = ? AND plan_id = ? AND expires_at > ?", providerID, planID, now).
		Order("created_at DESC").
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

func buildAggregateView(aggregate Aggregate, result ScoreResult) AggregateView {
	return AggregateView{
		ProviderID:        aggregate.ProviderID,
		PlanID:            aggregate.PlanID,
		Status:            aggregate.Status,
		Score:             result.Score,
		Level:             result.Level,
		VerificationCount: aggregate.VerificationCount,
		LastVerifiedAt:    aggregate.LastVerifiedAt,
		ThresholdDays:     result.ThresholdDays,
		DaysUntilStale:    result.DaysUntilStale,
		IsStale:           result.IsStale,
		RecommendReverify: result.RecommendReverify,
		Explanation:       result.Explanation,
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("verification service error", attrs...)
}

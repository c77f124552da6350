package verify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	defaultSweepInterval  = 15 * time.Minute
	defaultSweepBatchSize = 200
	defaultSweepBatchRate = 2.0
)

var errMissingService = errors.New("verification service is required")

// SweeperConfig describes the dependencies of the expiration sweeper.
type SweeperConfig struct {
	Service          *Service
	Logger           *zap.Logger
	Interval         time.Duration
	BatchSize        int
	BatchesPerSecond float64
}

// Sweeper removes submissions and votes past their TTL in bounded batches and
// recomputes the aggregates they contributed to. Each batch commits on its
// own, so an interrupted sweep leaves consistent state and a re-run finishes
// the job.
type Sweeper struct {
	service   *Service
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
	pacer     *rate.Limiter
}

// SweepReport summarises one sweep pass.
type SweepReport struct {
	SubmissionsRemoved   int
	VotesRemoved         int
	AggregatesRecomputed int
}

// NewSweeper validates configuration and constructs the sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Service == nil {
		return nil, newServiceError("verify.sweeper.new", "missing_service", errMissingService)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	batchRate := cfg.BatchesPerSecond
	if batchRate <= 0 {
		batchRate = defaultSweepBatchRate
	}

	return &Sweeper{
		service:   cfg.Service,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		pacer:     rate.NewLimiter(rate.Limit(batchRate), 1),
	}, nil
}

// Run sweeps immediately and then on every interval tick until the context is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	report, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if report.SubmissionsRemoved > 0 || report.AggregatesRecomputed > 0 {
		s.logger.Info("sweep completed",
			zap.Int("submissions_removed", report.SubmissionsRemoved),
			zap.Int("votes_removed", report.VotesRemoved),
			zap.Int("aggregates_recomputed", report.AggregatesRecomputed))
	}
}

// SweepOnce performs a full sweep pass: expired submissions go first, then
// every touched or expired aggregate is recomputed from what remains.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	now := s.service.clock().UTC()
	report := SweepReport{}
	touched := map[[2]string]struct{}{}

	for {
		if err := s.pacer.Wait(ctx); err != nil {
			return report, err
		}

		var batch []Submission
		err := s.service.db.WithContext(ctx).
			Select("id", "provider_id", "plan_id").
			Where("expires_at <= ?", now).
			Order("expires_at").
			Limit(s.batchSize).
			Find(&batch).Error
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		identifiers := make([]string, 0, len(batch))
		for _, submission := range batch {
			identifiers = append(identifiers, submission.ID)
			touched[[2]string{submission.ProviderID, submission.PlanID}] = struct{}{}
		}

		txErr := s.service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			votes := tx.Where("submission_id IN ?", identifiers).Delete(&Vote{})
			if votes.Error != nil {
				return votes.Error
			}
			report.VotesRemoved += int(votes.RowsAffected)

			removed := tx.Where("id IN ?", identifiers).Delete(&Submission{})
			if removed.Error != nil {
				return removed.Error
			}
			report.SubmissionsRemoved += int(removed.RowsAffected)
			return nil
		})
		if txErr != nil {
			return report, txErr
		}
	}

	var expired []Aggregate
	err := s.service.db.WithContext(ctx).
		Select("provider_id", "plan_id").
		Where("expires_at <= ?", now).
		Find(&expired).Error
	if err != nil {
		return report, err
	}
	for _, aggregate := range expired {
		touched[[2]string{aggregate.ProviderID, aggregate.PlanID}] = struct{}{}
	}

	for pair := range touched {
		providerID, planID := pair[0], pair[1]

		category, err := s.service.directory.PlanCategory(ctx, planID)
		if err != nil {
			return report, err
		}

		txErr := s.service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			aggregate, err := s.service.lockAggregate(tx, providerID, planID)
			if err != nil {
				return err
			}
			_, _, err = s.service.recomputeAggregate(tx, aggregate, category.ThresholdDays(), now)
			return err
		})
		if txErr != nil {
			return report, txErr
		}
		report.AggregatesRecomputed++
	}

	return report, nil
}

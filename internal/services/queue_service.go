/**
 * @description
 * Job queue over the price_check_jobs table.
 * Claims a bounded batch of due jobs with a conditional update (safe across
 * concurrent workers) and reports per-job outcomes: done, retry with
 * backoff, or terminal failure.
 *
 * @dependencies
 * - gorm.io/gorm
 * - github.com/google/uuid
 * - backend/internal/models
 */

package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vigia-project/backend/internal/config"
	"github.com/vigia-project/backend/internal/models"
	"gorm.io/gorm"
)

type QueueService struct {
	DB  *gorm.DB
	cfg config.RunConfig

	Now func() time.Time
}

func NewQueueService(db *gorm.DB, cfg *config.Config) *QueueService {
	return &QueueService{
		DB:  db,
		cfg: cfg.Run,
		Now: time.Now,
	}
}

// ClaimDue atomically claims up to batchSize due jobs. The claim is a
// conditional update keyed on the QUEUED status, so two workers scanning the
// same rows cannot both win one.
func (q *QueueService) ClaimDue(ctx context.Context, batchSize int) ([]models.PriceCheckJob, error) {
	now := q.Now()

	var candidates []models.PriceCheckJob
	err := q.DB.WithContext(ctx).
		Where("status = ? AND available_at <= ?", models.JobStatusQueued, now).
		Order("available_at").
		Limit(batchSize).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]models.PriceCheckJob, 0, len(candidates))
	for i := range candidates {
		job := candidates[i]
		res := q.DB.WithContext(ctx).
			Model(&models.PriceCheckJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusQueued).
			Updates(map[string]interface{}{
				"status":     models.JobStatusClaimed,
				"claimed_at": now,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker won the race for this row.
			continue
		}
		job.Status = models.JobStatusClaimed
		job.ClaimedAt = &now
		claimed = append(claimed, job)
	}

	return claimed, nil
}

// Complete marks a job done; no further action will be taken on it
func (q *QueueService) Complete(ctx context.Context, job *models.PriceCheckJob) error {
	return q.DB.WithContext(ctx).
		Model(job).
		Updates(map[string]interface{}{
			"status": models.JobStatusDone,
		}).Error
}

// Retry requeues a job with an availability delay and an incremented attempt
// counter.
func (q *QueueService) Retry(ctx context.Context, job *models.PriceCheckJob, code models.ErrorCode) error {
	availableAt := q.Now().Add(time.Duration(q.cfg.RetrySeconds) * time.Second)
	return q.DB.WithContext(ctx).
		Model(job).
		Updates(map[string]interface{}{
			"status":          models.JobStatusQueued,
			"attempts":        gorm.Expr("attempts + 1"),
			"available_at":    availableAt,
			"last_error_code": code,
			"claimed_at":      nil,
		}).Error
}

// Release returns a claimed-but-unprocessed job to the queue without
// touching its attempt counter. Used when the run budget expires mid-batch.
func (q *QueueService) Release(ctx context.Context, job *models.PriceCheckJob) error {
	return q.DB.WithContext(ctx).
		Model(job).
		Updates(map[string]interface{}{
			"status":     models.JobStatusQueued,
			"claimed_at": nil,
		}).Error
}

// Fail marks a job terminally failed with its error code
func (q *QueueService) Fail(ctx context.Context, job *models.PriceCheckJob, code models.ErrorCode) error {
	return q.DB.WithContext(ctx).
		Model(job).
		Updates(map[string]interface{}{
			"status":          models.JobStatusFailed,
			"last_error_code": code,
		}).Error
}

// Enqueue creates a plain product-check job
func (q *QueueService) Enqueue(ctx context.Context, productID uint64, availableAt time.Time) (*models.PriceCheckJob, error) {
	job := &models.PriceCheckJob{
		ID:          uuid.New(),
		ProductID:   productID,
		Status:      models.JobStatusQueued,
		AvailableAt: availableAt,
	}
	if err := q.DB.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// DueCount reports how many queued jobs are ready to be claimed
func (q *QueueService) DueCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.DB.WithContext(ctx).
		Model(&models.PriceCheckJob{}).
		Where("status = ? AND available_at <= ?", models.JobStatusQueued, q.Now()).
		Count(&n).Error
	return n, err
}

// DueContinuation peeks at the oldest due continuation message without
// claiming it. Continuation rows are the only ones without a product id.
// Returns nil metadata when none is due.
func (q *QueueService) DueContinuation(ctx context.Context) (*models.JobMetadata, error) {
	var job models.PriceCheckJob
	err := q.DB.WithContext(ctx).
		Where("status = ? AND product_id = 0 AND available_at <= ?", models.JobStatusQueued, q.Now()).
		Order("available_at").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	meta, err := job.DecodeMetadata()
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// EnqueueContinuation creates the single follow-up run message carrying its
// depth counter. The worker loop picks it up; the orchestrator never runs
// the next batch inline past its budget.
func (q *QueueService) EnqueueContinuation(ctx context.Context, depth int, force bool) (*models.PriceCheckJob, error) {
	job := &models.PriceCheckJob{
		ID:          uuid.New(),
		Status:      models.JobStatusQueued,
		AvailableAt: q.Now(),
	}
	if err := job.EncodeMetadata(models.JobMetadata{Continuation: true, Depth: depth, Force: force}); err != nil {
		return nil, err
	}
	if err := q.DB.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

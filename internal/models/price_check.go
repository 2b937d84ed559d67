/**
 * @description
 * Price-check queue and scheduling-state models.
 * PriceCheckJob maps to 'price_check_jobs'; PriceCheckState maps to
 * 'price_check_states'. Jobs are created by an external enqueuing process and
 * claimed atomically by the queue service; the state row is per-product
 * scheduling memory upserted after every check.
 *
 * @dependencies
 * - gorm.io/gorm
 * - github.com/google/uuid
 */

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a queued price check
type JobStatus string

const (
	JobStatusQueued  JobStatus = "QUEUED"
	JobStatusClaimed JobStatus = "CLAIMED"
	JobStatusDone    JobStatus = "DONE"
	JobStatusFailed  JobStatus = "FAILED"
)

// CheckPriority is the scheduling priority computed by the policy
type CheckPriority string

const (
	PriorityHigh CheckPriority = "HIGH"
	PriorityMed  CheckPriority = "MED"
	PriorityLow  CheckPriority = "LOW"
)

// ErrorCode is the scheduling-relevant classification of a check outcome
type ErrorCode string

const (
	ErrAuthFailed           ErrorCode = "auth_failed"
	ErrRateLimited          ErrorCode = "rate_limited"
	ErrPolicyBlocked        ErrorCode = "policy_blocked"
	ErrNotFound             ErrorCode = "not_found"
	ErrTimeout              ErrorCode = "timeout"
	ErrSuspectOutlier       ErrorCode = "suspect_outlier"
	ErrSuspectUntrustedDrop ErrorCode = "suspect_untrusted_drop"
	ErrSuspectOfferBinding  ErrorCode = "suspect_offer_binding"
	ErrSuspectFreeze        ErrorCode = "suspect_freeze_window"
	ErrUnknown              ErrorCode = "unknown_error"
)

// JobMetadata is the free-form payload carried by a queue entry.
// Continuation jobs use it to carry their depth counter.
type JobMetadata struct {
	Continuation bool `json:"continuation,omitempty"`
	Depth        int  `json:"depth,omitempty"`
	Force        bool `json:"force,omitempty"`
}

// PriceCheckJob is one queued "check this product" unit of work
type PriceCheckJob struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProductID     uint64     `gorm:"column:product_id;index" json:"product_id"` // zero for continuation jobs
	Status        JobStatus  `gorm:"column:status;type:varchar(8);default:'QUEUED';index:idx_jobs_status_available" json:"status"`
	Attempts      int        `gorm:"column:attempts;default:0" json:"attempts"`
	AvailableAt   time.Time  `gorm:"column:available_at;index:idx_jobs_status_available" json:"available_at"`
	LastErrorCode ErrorCode  `gorm:"column:last_error_code;type:varchar(32)" json:"last_error_code"`
	Metadata      string     `gorm:"column:metadata;type:text" json:"metadata"`
	ClaimedAt     *time.Time `gorm:"column:claimed_at" json:"claimed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name used by PriceCheckJob to `price_check_jobs`
func (PriceCheckJob) TableName() string {
	return "price_check_jobs"
}

// DecodeMetadata parses the metadata payload; an empty payload yields the zero value
func (j *PriceCheckJob) DecodeMetadata() (JobMetadata, error) {
	var meta JobMetadata
	if j.Metadata == "" {
		return meta, nil
	}
	err := json.Unmarshal([]byte(j.Metadata), &meta)
	return meta, err
}

// EncodeMetadata serializes the metadata payload onto the job
func (j *PriceCheckJob) EncodeMetadata(meta JobMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	j.Metadata = string(data)
	return nil
}

// PriceCheckState is per-product scheduling memory, never read by the UI layer
type PriceCheckState struct {
	ProductID     uint64        `gorm:"column:product_id;primaryKey" json:"product_id"`
	LastPrice     *float64      `gorm:"column:last_price;type:decimal(12,2)" json:"last_price"`
	LastSource    PriceSource   `gorm:"column:last_source;type:varchar(16)" json:"last_source"`
	Priority      CheckPriority `gorm:"column:priority;type:varchar(8)" json:"priority"`
	TTLMinutes    int           `gorm:"column:ttl_minutes;default:0" json:"ttl_minutes"`
	FailCount     int           `gorm:"column:fail_count;default:0" json:"fail_count"`
	LastErrorCode ErrorCode     `gorm:"column:last_error_code;type:varchar(32)" json:"last_error_code"`
	BackoffUntil  *time.Time    `gorm:"column:backoff_until" json:"backoff_until"`
	SuspectPrice  *float64      `gorm:"column:suspect_price;type:decimal(12,2)" json:"suspect_price"`
	SuspectReason ErrorCode     `gorm:"column:suspect_reason;type:varchar(32)" json:"suspect_reason"`
	SuspectAt     *time.Time    `gorm:"column:suspect_at" json:"suspect_at"`
	CheckedAt     *time.Time    `gorm:"column:checked_at" json:"checked_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name used by PriceCheckState to `price_check_states`
func (PriceCheckState) TableName() string {
	return "price_check_states"
}

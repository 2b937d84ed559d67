/**
 * @description
 * CheckRun database model.
 * One row per orchestrator invocation, upserted at start, updated
 * incrementally, finalized at end.
 *
 * @dependencies
 * - gorm.io/gorm
 * - github.com/google/uuid
 */

package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an orchestrator run
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusDone     RunStatus = "DONE"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusDeadline RunStatus = "DEADLINE" // budget reached, continuation enqueued
)

// RunTrigger records what started the run
type RunTrigger string

const (
	TriggerCron         RunTrigger = "CRON"
	TriggerManual       RunTrigger = "MANUAL"
	TriggerContinuation RunTrigger = "CONTINUATION"
)

// CheckRun is one orchestrator invocation with its aggregate counters
type CheckRun struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Trigger     RunTrigger `gorm:"column:trigger;type:varchar(16)" json:"trigger"`
	Depth       int        `gorm:"column:depth;default:0" json:"depth"`
	Status      RunStatus  `gorm:"column:status;type:varchar(16);default:'RUNNING'" json:"status"`
	Checked     int        `gorm:"column:checked;default:0" json:"checked"`
	Updated     int        `gorm:"column:updated;default:0" json:"updated"`
	Deferred    int        `gorm:"column:deferred;default:0" json:"deferred"`
	Failed      int        `gorm:"column:failed;default:0" json:"failed"`
	NotModified int        `gorm:"column:not_modified;default:0" json:"not_modified"`
	Skipped     int        `gorm:"column:skipped;default:0" json:"skipped"`
	Error       string     `gorm:"column:error" json:"error"`
	StartedAt   time.Time  `gorm:"column:started_at" json:"started_at"`
	FinishedAt  *time.Time `gorm:"column:finished_at" json:"finished_at"`
}

// TableName overrides the table name used by CheckRun to `check_runs`
func (CheckRun) TableName() string {
	return "check_runs"
}

// Package progressstore implements the Progress Store (spec.md §4.5): a
// GORM-backed durable record of an execution's live state, readable
// concurrently with the writes the owning engine instance performs.
// Model shape follows internal/notifications.NotificationTemplate's
// gorm struct-tag conventions (uuid primary key, autoCreateTime /
// autoUpdateTime, jsonb for open-ended payloads).
package progressstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ExecutionProgress is the durable row tracking one execution's current
// status. One row per execution, updated in place as phases advance.
type ExecutionProgress struct {
	ID              uuid.UUID `gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	ExecutionID     string    `gorm:"uniqueIndex;not null"`
	AutomationID    string    `gorm:"index;not null"`
	AutomationName  string    `gorm:"not null"`
	InstanceID      string    `gorm:""`
	Status          string    `gorm:"not null"`
	Phase           string    `gorm:"not null"`
	Message         string    `gorm:""`
	ProgressCurrent int       `gorm:"default:0"`
	ProgressTotal   int       `gorm:"default:0"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// ExecutionLog is one append-only log line belonging to an execution,
// ordered by Sequence within ExecutionID.
type ExecutionLog struct {
	ID           uuid.UUID `gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	ExecutionID  string    `gorm:"index;not null"`
	AutomationID string    `gorm:"index;not null"`
	Sequence     int       `gorm:"not null"`
	Level        string    `gorm:"not null"`
	Phase        string    `gorm:""`
	Message      string    `gorm:""`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (ExecutionProgress) TableName() string { return "automation_execution_progress" }
func (ExecutionLog) TableName() string      { return "automation_execution_logs" }

// Store is the GORM-backed Progress Store. The owning Engine instance
// is the exclusive writer for a given executionId; reads are safe from
// any number of concurrent goroutines (spec.md §4.5).
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New wraps an established *gorm.DB connection.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates/updates the backing tables. Called once at startup,
// mirroring the teacher's AutoMigrate usage in cmd/workers.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&ExecutionProgress{}, &ExecutionLog{})
}

// StartExecution inserts the initial progress row for a new execution.
func (s *Store) StartExecution(executionID, automationID, automationName, instanceID string) error {
	row := ExecutionProgress{
		ExecutionID:    executionID,
		AutomationID:   automationID,
		AutomationName: automationName,
		InstanceID:     instanceID,
		Status:         "running",
		Phase:          "audience_generation",
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to start progress row for execution %s: %w", executionID, err)
	}
	return nil
}

// UpdateProgress reflects the current phase/status/message and optional
// {current,total} counters onto the execution's row.
func (s *Store) UpdateProgress(executionID, status, phase, message string, current, total int) error {
	updates := map[string]any{
		"status":           status,
		"phase":            phase,
		"message":          message,
		"progress_current": current,
		"progress_total":   total,
	}
	res := s.db.Model(&ExecutionProgress{}).Where("execution_id = ?", executionID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update progress for execution %s: %w", executionID, res.Error)
	}
	return nil
}

// AppendLog appends one ordered log line. Sequence is derived from the
// current row count for the execution so readers can order cheaply
// without relying on CreatedAt granularity.
func (s *Store) AppendLog(executionID, automationID, level, phase, message string) error {
	var count int64
	if err := s.db.Model(&ExecutionLog{}).Where("execution_id = ?", executionID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count existing logs for execution %s: %w", executionID, err)
	}
	row := ExecutionLog{
		ExecutionID:  executionID,
		AutomationID: automationID,
		Sequence:     int(count) + 1,
		Level:        level,
		Phase:        phase,
		Message:      message,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append log for execution %s: %w", executionID, err)
	}
	return nil
}

// CompleteExecution marks the row with its terminal status/phase/message.
func (s *Store) CompleteExecution(executionID, finalStatus, finalPhase, finalMessage string) error {
	updates := map[string]any{
		"status":  finalStatus,
		"phase":   finalPhase,
		"message": finalMessage,
	}
	res := s.db.Model(&ExecutionProgress{}).Where("execution_id = ?", executionID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to complete progress row for execution %s: %w", executionID, res.Error)
	}
	return nil
}

// Get reads the current progress row for an execution. The
// progress-stream SSE endpoint does not call it.
func (s *Store) Get(executionID string) (ExecutionProgress, error) {
	var row ExecutionProgress
	if err := s.db.Where("execution_id = ?", executionID).First(&row).Error; err != nil {
		return ExecutionProgress{}, fmt.Errorf("failed to load progress for execution %s: %w", executionID, err)
	}
	return row, nil
}

// Logs returns every log line for an execution in sequence order,
// starting after afterSequence (0 to fetch from the beginning).
func (s *Store) Logs(executionID string, afterSequence int) ([]ExecutionLog, error) {
	var rows []ExecutionLog
	err := s.db.Where("execution_id = ? AND sequence > ?", executionID, afterSequence).
		Order("sequence asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load logs for execution %s: %w", executionID, err)
	}
	return rows, nil
}

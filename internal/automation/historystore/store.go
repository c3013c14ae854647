// Package historystore implements the History Store (spec.md §4.6): a
// writer-only GORM repository of completed/failed execution records.
// All three operations are non-fatal by contract — a write failure is
// logged and swallowed, never propagated to the Timeline Executor,
// matching the teacher's liberal use of logged-but-ignored side-effect
// failures in internal/reports/scheduler.Executor.
package historystore

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ExecutionRecord is one row per execution attempt, retained after the
// Progress Store row stops being actively written.
type ExecutionRecord struct {
	ID             uuid.UUID      `gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	AutomationID   string         `gorm:"index;not null"`
	AutomationName string         `gorm:"not null"`
	InstanceID     string         `gorm:""`
	Status         string         `gorm:"not null"`
	CurrentPhase   string         `gorm:"not null"`
	Metrics        datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage   string         `gorm:""`
	ErrorStack     string         `gorm:""`
	StartedAt      time.Time      `gorm:"not null"`
	CompletedAt    *time.Time     `gorm:""`
	DurationMS     int64          `gorm:"default:0"`
	CreatedAt      time.Time      `gorm:"autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime"`
}

func (ExecutionRecord) TableName() string { return "automation_execution_history" }

// Metrics bundles the terminal counters recorded on completion.
type Metrics struct {
	AudienceSize int `json:"audienceSize"`
	PushesSent   int `json:"pushesSent"`
	PushesFailed int `json:"pushesFailed"`
	TestsSent    int `json:"testsSent"`
}

// Store is the GORM-backed History Store.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New wraps an established *gorm.DB connection.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates/updates the backing table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&ExecutionRecord{})
}

// TrackExecutionStart inserts a new running record and returns its id.
// Failure is logged and an empty recordId is returned; callers must
// tolerate a missing recordId on subsequent calls (spec.md §4.6).
func (s *Store) TrackExecutionStart(automationID, automationName, instanceID string) string {
	row := ExecutionRecord{
		AutomationID:   automationID,
		AutomationName: automationName,
		InstanceID:     instanceID,
		Status:         "running",
		CurrentPhase:   "audience_generation",
		StartedAt:      time.Now(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Error("failed to record execution start in history store",
			zap.String("automation_id", automationID), zap.Error(err))
		return ""
	}
	return row.ID.String()
}

// TrackExecutionPhase updates the current phase for an in-flight record.
func (s *Store) TrackExecutionPhase(recordID, phase string) {
	if recordID == "" {
		return
	}
	if err := s.db.Model(&ExecutionRecord{}).Where("id = ?", recordID).
		Update("current_phase", phase).Error; err != nil {
		s.logger.Error("failed to record execution phase in history store",
			zap.String("record_id", recordID), zap.String("phase", phase), zap.Error(err))
	}
}

// TrackExecutionComplete closes out a record with its terminal status,
// metrics, duration (derived from startTime) and optional error detail.
func (s *Store) TrackExecutionComplete(recordID, status string, metrics Metrics, startTime time.Time, errMessage, errStack string) {
	if recordID == "" {
		return
	}
	now := time.Now()
	metricsJSON, err := datatypes.NewJSONType(metrics).MarshalJSON()
	if err != nil {
		s.logger.Error("failed to marshal execution metrics", zap.String("record_id", recordID), zap.Error(err))
		metricsJSON = []byte("{}")
	}
	updates := map[string]any{
		"status":        status,
		"metrics":       datatypes.JSON(metricsJSON),
		"completed_at":  now,
		"duration_ms":   now.Sub(startTime).Milliseconds(),
		"error_message": errMessage,
		"error_stack":   errStack,
	}
	if err := s.db.Model(&ExecutionRecord{}).Where("id = ?", recordID).Updates(updates).Error; err != nil {
		s.logger.Error("failed to record execution completion in history store",
			zap.String("record_id", recordID), zap.String("status", status), zap.Error(err))
	}
}

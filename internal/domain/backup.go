package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type BackupType string

const (
	BackupTypeManual    BackupType = "MANUAL"
	BackupTypeScheduled BackupType = "SCHEDULED"
)

type BackupStatus string

const (
	BackupStatusPending    BackupStatus = "PENDING"
	BackupStatusInProgress BackupStatus = "IN_PROGRESS"
	BackupStatusCompleted  BackupStatus = "COMPLETED"
	BackupStatusFailed     BackupStatus = "FAILED"
)

// SystemActor is recorded as CreatedBy for scheduled runs.
const SystemActor = "system"

type Backup struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	FilePath      string       `json:"file_path,omitempty"`
	FileSizeBytes int64        `json:"file_size_bytes"`
	Checksum      string       `json:"checksum,omitempty"`
	Type          BackupType   `json:"type"`
	Status        BackupStatus `json:"status"`
	Tables        []string     `json:"tables"`
	CreatedBy     string       `json:"created_by"`
	ErrorMessage  string       `json:"error_message,omitempty"`
}

// NewBackup creates a PENDING backup record.
func NewBackup(req BackupRequest, now time.Time) *Backup {
	id := uuid.NewString()
	name := req.Name
	if name == "" {
		name = string(req.Type) + " backup " + now.Format("2006-01-02 15:04")
	}
	actor := req.Actor
	if actor == "" {
		actor = SystemActor
	}
	return &Backup{
		ID:          id,
		Name:        name,
		Description: req.Description,
		CreatedAt:   now,
		Type:        req.Type,
		Status:      BackupStatusPending,
		Tables:      append([]string(nil), req.Tables...),
		CreatedBy:   actor,
	}
}

func (b *Backup) Start(now time.Time) {
	b.Status = BackupStatusInProgress
	b.StartedAt = &now
}

func (b *Backup) Complete(filePath string, size int64, checksum string, now time.Time) {
	b.Status = BackupStatusCompleted
	b.FilePath = filePath
	b.FileSizeBytes = size
	b.Checksum = checksum
	b.CompletedAt = &now
	b.ErrorMessage = ""
}

// Fail marks the backup FAILED. The archive path is cleared because a failed
// backup never owns a file.
func (b *Backup) Fail(reason string, now time.Time) {
	b.Status = BackupStatusFailed
	b.FilePath = ""
	b.FileSizeBytes = 0
	b.Checksum = ""
	b.CompletedAt = &now
	b.ErrorMessage = reason
}

func (b *Backup) IsActive() bool {
	return b.Status == BackupStatusPending || b.Status == BackupStatusInProgress
}

type BackupRequest struct {
	Tables      []string
	Type        BackupType
	Actor       string
	Name        string
	Description string
}

type RestoreStatus string

const (
	RestoreStatusRunning   RestoreStatus = "RUNNING"
	RestoreStatusSucceeded RestoreStatus = "SUCCEEDED"
	RestoreStatusFailed    RestoreStatus = "FAILED"
)

type RestoreRecord struct {
	ID           string        `json:"id"`
	BackupID     string        `json:"backup_id"`
	Status       RestoreStatus `json:"status"`
	RequestedBy  string        `json:"requested_by"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

type BackupExecutor interface {
	Run(ctx context.Context, req BackupRequest) (*Backup, error)
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/semmidev/sitekeeper/internal/domain"
)

type createBackupRequest struct {
	Name        string   `json:"name" validate:"max=200"`
	Description string   `json:"description" validate:"max=2000"`
	Tables      []string `json:"tables" validate:"omitempty,dive,required"`
}

type retentionRequest struct {
	// RetentionDays overrides the schedule's retention window when set.
	RetentionDays *int `json:"retention_days" validate:"omitempty,gte=0"`
}

type retentionResponse struct {
	Deleted []string `json:"deleted"`
}

// backupFailure carries the FAILED record back to the caller.
type backupFailure struct {
	Backup *domain.Backup `json:"backup"`
}

func (s *Server) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

// POST /api/backups
func (s *Server) createBackup(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.check(&req); err != nil {
		s.fail(w, r, err)
		return
	}

	// The backup owns its record until it finishes; a dropped client
	// must not leave it half written.
	ctx := context.WithoutCancel(r.Context())
	b, err := s.deps.Executor.Run(ctx, domain.BackupRequest{
		Tables:      req.Tables,
		Type:        domain.BackupTypeManual,
		Actor:       actorFrom(r.Context()),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
	})
	if err != nil {
		if b != nil {
			s.deps.Logger.Errorf("Backup %s failed: %v", b.ID, err)
			writeEnvelope(w, http.StatusInternalServerError, envelope{
				Status: "error",
				Data:   backupFailure{Backup: b},
				Error:  &errorBody{Code: "backup_failed", Message: err.Error()},
			})
			return
		}
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, b)
}

// GET /api/backups?status=COMPLETED&limit=20
func (s *Server) listBackups(w http.ResponseWriter, r *http.Request) {
	filter := domain.BackupFilter{Limit: queryLimit(r, 100)}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = domain.BackupStatus(strings.ToUpper(status))
		switch filter.Status {
		case domain.BackupStatusPending, domain.BackupStatusInProgress,
			domain.BackupStatusCompleted, domain.BackupStatusFailed:
		default:
			s.fail(w, r, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status))
			return
		}
	}

	backups, err := s.deps.Records.ListBackups(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if backups == nil {
		backups = []*domain.Backup{}
	}
	respondJSON(w, http.StatusOK, backups)
}

// GET /api/backups/{id}
func (s *Server) getBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Records.GetBackup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// DELETE /api/backups/{id}
func (s *Server) deleteBackup(w http.ResponseWriter, r *http.Request) {
	// Detached so a client hanging up cannot leave the archive gone but the
	// record still listed.
	if err := s.deps.Retention.Delete(context.WithoutCancel(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/backups/{id}/download
func (s *Server) downloadBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Records.GetBackup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if b.Status != domain.BackupStatusCompleted {
		respondError(w, http.StatusConflict, "backup_not_completed",
			fmt.Sprintf("backup %s is %s", b.ID, b.Status))
		return
	}

	rc, size, err := s.deps.Archives.Open(r.Context(), b.FilePath)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()

	if size != b.FileSizeBytes {
		s.fail(w, r, fmt.Errorf("%w: %s is %d bytes, recorded %d",
			domain.ErrCorruptArchive, b.FilePath, size, b.FileSizeBytes))
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", strconv.FormatInt(b.FileSizeBytes, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", b.FilePath))
	if b.Checksum != "" {
		w.Header().Set("X-Checksum", b.Checksum)
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.CopyN(w, rc, b.FileSizeBytes); err != nil {
		s.deps.Logger.Warnf("Download of %s interrupted: %v", b.ID, err)
	}
}

// POST /api/backups/{id}/restore
func (s *Server) restoreBackup(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	rec, err := s.deps.Restorer.Restore(ctx, chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		if rec == nil {
			s.fail(w, r, err)
			return
		}
		status, code := http.StatusInternalServerError, "restore_failed"
		if errors.Is(err, domain.ErrCorruptArchive) {
			status, code = http.StatusUnprocessableEntity, "corrupt_archive"
		}
		s.deps.Logger.Errorf("Restore %s failed: %v", rec.ID, err)
		writeEnvelope(w, status, envelope{
			Status: "error",
			Data:   rec,
			Error:  &errorBody{Code: code, Message: err.Error()},
		})
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// GET /api/restores
func (s *Server) listRestores(w http.ResponseWriter, r *http.Request) {
	restores, err := s.deps.Records.ListRestores(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if restores == nil {
		restores = []*domain.RestoreRecord{}
	}
	respondJSON(w, http.StatusOK, restores)
}

// GET /api/schedule
func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.deps.Schedules.Get(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondError(w, http.StatusNotFound, "schedule_not_found", "no schedule configured")
			return
		}
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sched)
}

// PUT /api/schedule
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var in domain.BackupSchedule
	if err := decodeBody(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	in.Frequency = domain.Frequency(strings.ToUpper(string(in.Frequency)))

	sched, err := s.deps.Schedules.Update(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Logger.Infof("Schedule updated by %s: %s at %s, enabled=%t",
		actorFrom(r.Context()), sched.Frequency, sched.TimeOfDay, sched.Enabled)
	respondJSON(w, http.StatusOK, sched)
}

// POST /api/retention
func (s *Server) enforceRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.check(&req); err != nil {
		s.fail(w, r, err)
		return
	}

	days := 0
	if req.RetentionDays != nil {
		days = *req.RetentionDays
	} else {
		sched, err := s.deps.Schedules.Get(r.Context())
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				err = fmt.Errorf("%w: retention_days is required when no schedule is configured", domain.ErrValidation)
			}
			s.fail(w, r, err)
			return
		}
		days = sched.RetentionDays
	}

	deleted, err := s.deps.Retention.Enforce(context.WithoutCancel(r.Context()), days)
	if deleted == nil {
		deleted = []string{}
	}
	if err != nil {
		status, code := errorStatus(err)
		if status == http.StatusInternalServerError {
			code = "retention_incomplete"
		}
		s.deps.Logger.Warnf("Retention pass incomplete: %v", err)
		writeEnvelope(w, status, envelope{
			Status: "error",
			Data:   retentionResponse{Deleted: deleted},
			Error:  &errorBody{Code: code, Message: err.Error()},
		})
		return
	}
	respondJSON(w, http.StatusOK, retentionResponse{Deleted: deleted})
}

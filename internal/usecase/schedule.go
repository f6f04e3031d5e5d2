package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/semmidev/sitekeeper/internal/domain"
)

// ScheduleService is the configuration action for the singleton schedule.
type ScheduleService struct {
	store  domain.ScheduleRepository
	logger Logger
	now    Clock
}

func NewScheduleService(store domain.ScheduleRepository, logger Logger, clock Clock) *ScheduleService {
	if clock == nil {
		clock = time.Now
	}
	return &ScheduleService{store: store, logger: logger, now: clock}
}

func (uc *ScheduleService) Get(ctx context.Context) (*domain.BackupSchedule, error) {
	return uc.store.GetSchedule(ctx)
}

// Update validates and stores the editable fields, recomputing nextRun from
// now. lastRun stays with the scheduler loop.
func (uc *ScheduleService) Update(ctx context.Context, in domain.BackupSchedule) (*domain.BackupSchedule, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := uc.now()
	sched := &domain.BackupSchedule{
		Enabled:       in.Enabled,
		Frequency:     in.Frequency,
		TimeOfDay:     in.TimeOfDay,
		RetentionDays: in.RetentionDays,
		UpdatedAt:     now,
	}
	if sched.Enabled {
		next, err := domain.NextRun(sched.Frequency, sched.TimeOfDay, now)
		if err != nil {
			return nil, err
		}
		sched.NextRun = &next
	}

	if err := uc.store.SaveSchedule(ctx, sched); err != nil {
		return nil, err
	}

	saved, err := uc.store.GetSchedule(ctx)
	if err != nil {
		return nil, err
	}
	uc.logger.Infof("Schedule updated: enabled=%t frequency=%s time=%s retention=%dd",
		saved.Enabled, saved.Frequency, saved.TimeOfDay, saved.RetentionDays)
	return saved, nil
}

// SeedIfMissing stores seed when no schedule exists yet. An existing
// schedule is never overwritten by configuration.
func (uc *ScheduleService) SeedIfMissing(ctx context.Context, seed *domain.BackupSchedule) (*domain.BackupSchedule, error) {
	sched, err := uc.store.GetSchedule(ctx)
	if err == nil {
		return sched, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if seed == nil {
		return nil, fmt.Errorf("%w: no schedule to seed", domain.ErrValidation)
	}

	uc.logger.Infof("No schedule found, seeding from configuration")
	return uc.Update(ctx, *seed)
}

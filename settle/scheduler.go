package settle

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	facilitator "github.com/x402-upl/facilitator"
	"github.com/x402-upl/facilitator/store"
)

// Scheduler runs recurring settlements from persisted schedules. Each
// schedule maps to one cron entry; a tick below the schedule's minimum
// amount is skipped silently.
type Scheduler struct {
	coordinator *Coordinator
	store       store.ScheduleStore
	cron        *cron.Cron
	log         *logrus.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a stopped Scheduler. Call Initialize to load
// persisted schedules and start ticking.
func NewScheduler(coordinator *Coordinator, st store.ScheduleStore, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		coordinator: coordinator,
		store:       st,
		cron:        cron.New(),
		log:         log,
		entries:     make(map[string]cron.EntryID),
	}
}

// Initialize loads enabled schedules from the store, registers them, and
// starts the cron runner.
func (s *Scheduler) Initialize(ctx context.Context) error {
	schedules, err := s.store.FindEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settlement schedules: %w", err)
	}
	for _, schedule := range schedules {
		if err := s.register(schedule); err != nil {
			s.log.WithError(err).WithField("scheduleId", schedule.ID).
				Warn("skipping invalid settlement schedule")
		}
	}
	s.cron.Start()
	s.log.WithField("schedules", len(schedules)).Info("settlement scheduler started")
	return nil
}

// Add persists a new schedule and registers it with the runner.
func (s *Scheduler) Add(ctx context.Context, schedule *store.SettlementSchedule) error {
	schedule.Enabled = true
	if err := s.store.CreateSettlementSchedule(ctx, schedule); err != nil {
		return fmt.Errorf("failed to persist settlement schedule: %w", err)
	}
	return s.register(schedule)
}

func (s *Scheduler) register(schedule *store.SettlementSchedule) error {
	sc := *schedule
	id, err := s.cron.AddFunc(sc.CronExpression, func() { s.run(sc) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sc.CronExpression, err)
	}

	s.mu.Lock()
	s.entries[sc.ID] = id
	s.mu.Unlock()
	return nil
}

// Remove deletes a schedule and stops its cron entry.
func (s *Scheduler) Remove(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	if id, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(id)
		delete(s.entries, scheduleID)
	}
	s.mu.Unlock()

	return s.store.DeleteSettlementSchedule(ctx, scheduleID)
}

// run executes one scheduled settlement tick.
func (s *Scheduler) run(schedule store.SettlementSchedule) {
	ctx := context.Background()

	if schedule.MinimumAmount > 0 {
		pending, err := s.coordinator.pendingTotal(ctx, schedule.MerchantWallet, schedule.ServiceID)
		if err != nil {
			s.log.WithError(err).WithField("scheduleId", schedule.ID).
				Warn("scheduled settlement pre-check failed")
			return
		}
		if pending < schedule.MinimumAmount {
			return
		}
	}

	_, err := s.coordinator.Settle(ctx, facilitator.SettlementRequest{
		MerchantWallet: schedule.MerchantWallet,
		ServiceID:      schedule.ServiceID,
		SettlementType: "scheduled",
	})
	if err != nil {
		if pe, ok := err.(*facilitator.PaymentError); ok && pe.Code == facilitator.ErrCodeNoUnsettledTransactions {
			return
		}
		s.log.WithError(err).WithFields(logrus.Fields{
			"scheduleId":     schedule.ID,
			"merchantWallet": schedule.MerchantWallet,
			"serviceId":      schedule.ServiceID,
		}).Error("scheduled settlement failed")
	}
}

// Stop halts the cron runner. Running jobs finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

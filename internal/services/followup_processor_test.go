package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpcarreira/condoflow/internal/models"
	"github.com/jpcarreira/condoflow/internal/notify"
)

func TestProcessorSendsDueSchedule(t *testing.T) {
	h := newServiceHarness(t)
	schedule := h.createSchedule(t, nil)

	summary, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Success)
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 1, summary.Processed)
	require.Zero(t, summary.Errors)

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.Equal(t, models.FollowUpSent, reloaded.Status)
	require.NotNil(t, reloaded.SentAt)
	require.Equal(t, 1, reloaded.AttemptCount)
	require.Nil(t, reloaded.NextAttemptAt)

	require.Equal(t, 1, h.notifier.sentCount())
	sent := h.notifier.lastSent()
	require.Equal(t, notify.TemplateQuotationReminder, sent.Template)
	require.Equal(t, "Edifício Aurora", sent.Data["BuildingName"])
	require.NotEmpty(t, sent.Data["PortalURL"])
}

func TestProcessorIgnoresFutureAndTerminalSchedules(t *testing.T) {
	h := newServiceHarness(t)
	h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.ScheduledFor = h.clock.Now().Add(time.Hour)
	})
	h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpCancelled
	})
	sentAt := h.clock.Now().Add(-time.Hour)
	h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpSent
		s.SentAt = &sentAt
	})
	// Terminally failed: no next attempt scheduled.
	h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpFailed
		s.AttemptCount = 3
	})

	summary, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Total)
	require.Zero(t, h.notifier.sentCount())
}

func TestProcessorSchedulesRetryOnFailure(t *testing.T) {
	h := newServiceHarness(t)
	schedule := h.createSchedule(t, nil)
	h.notifier.sendFn = func(notify.Notification) error {
		return errors.New("smtp unreachable")
	}

	summary, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Success)
	require.Equal(t, 1, summary.Errors)
	require.Zero(t, summary.Processed)

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.Equal(t, models.FollowUpFailed, reloaded.Status)
	require.Equal(t, 1, reloaded.AttemptCount)
	require.NotNil(t, reloaded.NextAttemptAt)
	require.True(t, reloaded.NextAttemptAt.Equal(h.clock.Now().Add(DefaultRetryBackoff)))
}

func TestProcessorRetriesAfterBackoff(t *testing.T) {
	h := newServiceHarness(t)
	schedule := h.createSchedule(t, nil)
	h.notifier.sendFn = func(notify.Notification) error {
		return errors.New("smtp unreachable")
	}

	_, err := h.processor.Run(context.Background())
	require.NoError(t, err)

	// Before the backoff elapses the failed row is not reselected.
	h.clock.Advance(time.Hour)
	summary, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Total)

	// After the backoff it is retried, and this time delivery works.
	h.notifier.sendFn = nil
	h.clock.Advance(DefaultRetryBackoff)
	summary, err = h.processor.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.Equal(t, models.FollowUpSent, reloaded.Status)
	require.Equal(t, 2, reloaded.AttemptCount)
}

func TestProcessorStopsRetryingAtMaxAttempts(t *testing.T) {
	h := newServiceHarness(t)
	schedule := h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.MaxAttempts = 2
	})
	h.notifier.sendFn = func(notify.Notification) error {
		return errors.New("smtp unreachable")
	}

	_, err := h.processor.Run(context.Background())
	require.NoError(t, err)

	h.clock.Advance(DefaultRetryBackoff + time.Minute)
	_, err = h.processor.Run(context.Background())
	require.NoError(t, err)

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.Equal(t, models.FollowUpFailed, reloaded.Status)
	require.Equal(t, 2, reloaded.AttemptCount)
	require.Nil(t, reloaded.NextAttemptAt)

	// The exhausted schedule never comes back.
	h.clock.Advance(24 * time.Hour)
	summary, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Total)
}

func TestProcessorTerminalFailureOnLastAttempt(t *testing.T) {
	h := newServiceHarness(t)
	schedule := h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.AttemptCount = 2
		s.MaxAttempts = 3
	})
	h.notifier.sendFn = func(notify.Notification) error {
		return errors.New("smtp unreachable")
	}

	_, err := h.processor.Run(context.Background())
	require.NoError(t, err)

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.Equal(t, models.FollowUpFailed, reloaded.Status)
	require.Equal(t, 3, reloaded.AttemptCount)
	require.Nil(t, reloaded.NextAttemptAt)
}

func TestProcessorNeverExceedsMaxAttemptsAfterReschedule(t *testing.T) {
	h := newServiceHarness(t)
	schedule := h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpFailed
		s.AttemptCount = 3
		s.MaxAttempts = 3
	})
	h.notifier.sendFn = func(notify.Notification) error {
		return errors.New("smtp unreachable")
	}

	_, err := h.followups.Reschedule(context.Background(), schedule.ID, h.clock.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = h.processor.Run(context.Background())
	require.NoError(t, err)

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.LessOrEqual(t, reloaded.AttemptCount, reloaded.MaxAttempts)
	// The reschedule granted a fresh budget, so this failure counts as the
	// first attempt and a retry is still on the table.
	require.Equal(t, models.FollowUpFailed, reloaded.Status)
	require.Equal(t, 1, reloaded.AttemptCount)
	require.NotNil(t, reloaded.NextAttemptAt)
}

func TestProcessorSkipsPendingScheduleWithExhaustedBudget(t *testing.T) {
	h := newServiceHarness(t)
	// A row forced into this state outside the reschedule path must never be
	// claimed, let alone incremented past its cap.
	schedule := h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpPending
		s.AttemptCount = 3
		s.MaxAttempts = 3
	})

	summary, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Total)

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.Equal(t, 3, reloaded.AttemptCount)
	require.Zero(t, h.notifier.sentCount())
}

func TestProcessorIsolatesPerScheduleFailures(t *testing.T) {
	h := newServiceHarness(t)
	h.createSchedule(t, nil)
	h.createSchedule(t, nil)
	h.createSchedule(t, nil)

	var calls int
	h.notifier.sendFn = func(notify.Notification) error {
		calls++
		if calls == 2 {
			return errors.New("smtp unreachable")
		}
		return nil
	}

	summary, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Success)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Errors)
}

func TestProcessorHonoursBatchLimit(t *testing.T) {
	h := newServiceHarness(t)
	for i := 0; i < 5; i++ {
		h.createSchedule(t, nil)
	}

	processor, err := NewFollowUpProcessor(h.db, h.notifier, h.codes, h.activity,
		WithProcessorClock(h.clock.Now), WithBatchSize(2))
	require.NoError(t, err)

	summary, err := processor.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 2, summary.Processed)

	var pending int64
	require.NoError(t, h.db.Model(&models.FollowUpSchedule{}).
		Where("status = ?", models.FollowUpPending).Count(&pending).Error)
	require.EqualValues(t, 3, pending)
}

func TestProcessorProcessesOldestFirst(t *testing.T) {
	h := newServiceHarness(t)
	older := h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.ScheduledFor = h.clock.Now().Add(-48 * time.Hour)
	})
	h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.ScheduledFor = h.clock.Now().Add(-time.Hour)
	})

	processor, err := NewFollowUpProcessor(h.db, h.notifier, h.codes, h.activity,
		WithProcessorClock(h.clock.Now), WithBatchSize(1))
	require.NoError(t, err)

	_, err = processor.Run(context.Background())
	require.NoError(t, err)

	reloaded := h.reloadSchedule(t, older.ID)
	require.Equal(t, models.FollowUpSent, reloaded.Status)
}

func TestProcessorSkipsAlreadyClaimedSchedule(t *testing.T) {
	h := newServiceHarness(t)
	schedule := h.createSchedule(t, nil)

	// A second instance claimed the row between this run's select and claim.
	selected := []models.FollowUpSchedule{*schedule}
	require.NoError(t, h.db.Model(&models.FollowUpSchedule{}).
		Where("id = ?", schedule.ID).
		Update("status", models.FollowUpProcessing).Error)

	claimed, err := h.processor.claim(context.Background(), &selected[0])
	require.NoError(t, err)
	require.False(t, claimed)
	require.Zero(t, h.notifier.sentCount())
}

func TestProcessorEmbedsMetadataDates(t *testing.T) {
	h := newServiceHarness(t)
	workDate := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	meta, err := models.EncodeMetadata(models.FollowUpMetadata{WorkDate: &workDate})
	require.NoError(t, err)
	h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.FollowUpType = models.FollowUpWorkReminder
		s.Metadata = meta
	})

	summary, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)

	sent := h.notifier.lastSent()
	require.Equal(t, notify.TemplateWorkReminder, sent.Template)
	require.Equal(t, "Monday, 9 June 2025", sent.Data["WorkDate"])
}

func TestProcessorReusesReminderCodes(t *testing.T) {
	h := newServiceHarness(t)
	supplier := h.createSupplier(t)
	assistance := h.createAssistance(t, supplier.ID)

	for i := 0; i < 2; i++ {
		schedule := &models.FollowUpSchedule{
			AssistanceID: assistance.ID,
			SupplierID:   supplier.ID,
			FollowUpType: models.FollowUpQuotationReminder,
			Priority:     models.PriorityNormal,
			ScheduledFor: h.clock.Now().Add(-time.Hour),
			Status:       models.FollowUpPending,
			MaxAttempts:  3,
		}
		require.NoError(t, h.db.Create(schedule).Error)
	}

	summary, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)

	// Both reminders to the same supplier and assistance share one code.
	var codes int64
	require.NoError(t, h.db.Model(&models.AccessCode{}).Count(&codes).Error)
	require.EqualValues(t, 1, codes)
}

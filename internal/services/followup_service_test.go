package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpcarreira/condoflow/internal/models"
)

func TestCreateFollowUp(t *testing.T) {
	h := newServiceHarness(t)
	supplier := h.createSupplier(t)
	assistance := h.createAssistance(t, supplier.ID)

	schedule, err := h.followups.Create(context.Background(), CreateFollowUpRequest{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpQuotationReminder,
		ScheduledFor: h.clock.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)

	require.Equal(t, models.FollowUpPending, schedule.Status)
	require.Equal(t, models.PriorityNormal, schedule.Priority)
	require.Equal(t, 3, schedule.MaxAttempts)
	require.Zero(t, schedule.AttemptCount)
	require.Nil(t, schedule.NextAttemptAt)
}

func TestCreateFollowUpUsesConfiguredMaxAttempts(t *testing.T) {
	h := newServiceHarness(t)
	service, err := NewFollowUpService(h.db, h.activity,
		WithFollowUpClock(h.clock.Now),
		WithDefaultMaxAttempts(5))
	require.NoError(t, err)

	supplier := h.createSupplier(t)
	assistance := h.createAssistance(t, supplier.ID)

	schedule, err := service.Create(context.Background(), CreateFollowUpRequest{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpQuotationReminder,
		ScheduledFor: h.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, 5, schedule.MaxAttempts)

	// An explicit budget on the request still wins.
	schedule, err = service.Create(context.Background(), CreateFollowUpRequest{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpQuotationReminder,
		ScheduledFor: h.clock.Now().Add(time.Hour),
		MaxAttempts:  1,
	})
	require.NoError(t, err)
	require.Equal(t, 1, schedule.MaxAttempts)
}

func TestCreateFollowUpAllowsPastSchedule(t *testing.T) {
	h := newServiceHarness(t)
	supplier := h.createSupplier(t)
	assistance := h.createAssistance(t, supplier.ID)

	// Backdated schedules are legal; they become due immediately.
	schedule, err := h.followups.Create(context.Background(), CreateFollowUpRequest{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpDateConfirmation,
		ScheduledFor: h.clock.Now().Add(-72 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, models.FollowUpPending, schedule.Status)
}

func TestCreateFollowUpRejectsUnknownType(t *testing.T) {
	h := newServiceHarness(t)
	supplier := h.createSupplier(t)
	assistance := h.createAssistance(t, supplier.ID)

	_, err := h.followups.Create(context.Background(), CreateFollowUpRequest{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: "invoice_reminder",
		ScheduledFor: h.clock.Now(),
	})
	require.Error(t, err)
}

func TestCreateFollowUpValidatesMetadata(t *testing.T) {
	h := newServiceHarness(t)
	supplier := h.createSupplier(t)
	assistance := h.createAssistance(t, supplier.ID)
	workDate := h.clock.Now().Add(7 * 24 * time.Hour)

	// A work reminder without its work date is rejected.
	_, err := h.followups.Create(context.Background(), CreateFollowUpRequest{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpWorkReminder,
		ScheduledFor: h.clock.Now(),
	})
	require.Error(t, err)

	schedule, err := h.followups.Create(context.Background(), CreateFollowUpRequest{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpWorkReminder,
		ScheduledFor: h.clock.Now(),
		Metadata:     models.FollowUpMetadata{WorkDate: &workDate},
	})
	require.NoError(t, err)

	meta, err := schedule.DecodeMetadata()
	require.NoError(t, err)
	require.NotNil(t, meta.WorkDate)
	require.True(t, meta.WorkDate.Equal(workDate))
}

func TestCreateFollowUpRejectsUnknownAssistance(t *testing.T) {
	h := newServiceHarness(t)
	supplier := h.createSupplier(t)

	_, err := h.followups.Create(context.Background(), CreateFollowUpRequest{
		AssistanceID: "00000000-0000-0000-0000-000000000000",
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpQuotationReminder,
		ScheduledFor: h.clock.Now(),
	})
	require.ErrorIs(t, err, ErrAssistanceNotFound)
}

func TestCancelPendingFollowUp(t *testing.T) {
	h := newServiceHarness(t)
	schedule := h.createSchedule(t, nil)

	require.NoError(t, h.followups.Cancel(context.Background(), schedule.ID))

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.Equal(t, models.FollowUpCancelled, reloaded.Status)
	require.Nil(t, reloaded.NextAttemptAt)
}

func TestCancelFailedFollowUpAwaitingRetry(t *testing.T) {
	h := newServiceHarness(t)
	next := h.clock.Now().Add(4 * time.Hour)
	schedule := h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpFailed
		s.AttemptCount = 1
		s.NextAttemptAt = &next
	})

	require.NoError(t, h.followups.Cancel(context.Background(), schedule.ID))

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.Equal(t, models.FollowUpCancelled, reloaded.Status)
	require.Nil(t, reloaded.NextAttemptAt)
}

func TestCancelSentFollowUpRejected(t *testing.T) {
	h := newServiceHarness(t)
	sentAt := h.clock.Now().Add(-time.Hour)
	schedule := h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpSent
		s.SentAt = &sentAt
	})

	err := h.followups.Cancel(context.Background(), schedule.ID)
	require.ErrorIs(t, err, ErrScheduleTerminal)
}

func TestCancelMissingFollowUp(t *testing.T) {
	h := newServiceHarness(t)

	err := h.followups.Cancel(context.Background(), "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestRescheduleResetsToPending(t *testing.T) {
	h := newServiceHarness(t)
	next := h.clock.Now().Add(4 * time.Hour)
	schedule := h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpFailed
		s.AttemptCount = 2
		s.NextAttemptAt = &next
	})

	newTime := h.clock.Now().Add(24 * time.Hour)
	updated, err := h.followups.Reschedule(context.Background(), schedule.ID, newTime)
	require.NoError(t, err)
	require.Equal(t, models.FollowUpPending, updated.Status)

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.Equal(t, models.FollowUpPending, reloaded.Status)
	require.True(t, reloaded.ScheduledFor.Equal(newTime))
	require.Nil(t, reloaded.NextAttemptAt)
	// Rescheduling re-arms the delivery budget.
	require.Zero(t, reloaded.AttemptCount)
}

func TestRescheduleExhaustedFollowUpGetsFreshBudget(t *testing.T) {
	h := newServiceHarness(t)
	schedule := h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpFailed
		s.AttemptCount = 3
		s.MaxAttempts = 3
	})

	updated, err := h.followups.Reschedule(context.Background(), schedule.ID, h.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, models.FollowUpPending, updated.Status)
	require.Zero(t, updated.AttemptCount)

	reloaded := h.reloadSchedule(t, schedule.ID)
	require.Zero(t, reloaded.AttemptCount)
	require.Equal(t, 3, reloaded.MaxAttempts)
}

func TestRescheduleSentRejected(t *testing.T) {
	h := newServiceHarness(t)
	sentAt := h.clock.Now()
	schedule := h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpSent
		s.SentAt = &sentAt
	})

	_, err := h.followups.Reschedule(context.Background(), schedule.ID, h.clock.Now().Add(time.Hour))
	require.ErrorIs(t, err, ErrScheduleTerminal)
}

func TestListFollowUpsFilters(t *testing.T) {
	h := newServiceHarness(t)
	pending := h.createSchedule(t, nil)
	h.createSchedule(t, func(s *models.FollowUpSchedule) {
		s.Status = models.FollowUpCancelled
	})

	schedules, total, err := h.followups.List(context.Background(), FollowUpListOptions{
		Filters: FollowUpFilters{Status: models.FollowUpPending},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, schedules, 1)
	require.Equal(t, pending.ID, schedules[0].ID)
}

func TestGetFollowUpPreloadsRelations(t *testing.T) {
	h := newServiceHarness(t)
	schedule := h.createSchedule(t, nil)

	loaded, err := h.followups.Get(context.Background(), schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Assistance)
	require.NotNil(t, loaded.Supplier)
}

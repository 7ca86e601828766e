package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jpcarreira/condoflow/internal/cache"
	"github.com/jpcarreira/condoflow/internal/database/testutil"
	"github.com/jpcarreira/condoflow/internal/models"
	"github.com/jpcarreira/condoflow/internal/notify"
	"github.com/jpcarreira/condoflow/internal/ratelimit"
)

// fakeNotifier records dispatched notifications and can be told to fail.
type fakeNotifier struct {
	mu     sync.Mutex
	sent   []notify.Notification
	sendFn func(notify.Notification) error
}

func (f *fakeNotifier) Send(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFn != nil {
		if err := f.sendFn(n); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeNotifier) lastSent() notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type serviceHarness struct {
	db        *gorm.DB
	clock     *testClock
	notifier  *fakeNotifier
	activity  *ActivityService
	sessions  *SessionTokenService
	codes     *AccessCodeService
	followups *FollowUpService
	processor *FollowUpProcessor
}

func newServiceHarness(t *testing.T, opts ...AccessCodeOption) *serviceHarness {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	notifier := &fakeNotifier{}

	activity, err := NewActivityService(db)
	require.NoError(t, err)

	sessions, err := NewSessionTokenService(SessionTokenConfig{
		Secret: "test-secret",
		Issuer: "condoflow-test",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	limiter, err := ratelimit.New(cache.NewMemoryStore().WithClock(clock.Now))
	require.NoError(t, err)

	codeOpts := append([]AccessCodeOption{
		WithAccessCodeClock(clock.Now),
		WithPortalBaseURL("https://portal.example.com"),
	}, opts...)
	codes, err := NewAccessCodeService(db, limiter, activity, sessions, notifier, codeOpts...)
	require.NoError(t, err)

	followups, err := NewFollowUpService(db, activity, WithFollowUpClock(clock.Now))
	require.NoError(t, err)

	processor, err := NewFollowUpProcessor(db, notifier, codes, activity, WithProcessorClock(clock.Now))
	require.NoError(t, err)

	return &serviceHarness{
		db:        db,
		clock:     clock,
		notifier:  notifier,
		activity:  activity,
		sessions:  sessions,
		codes:     codes,
		followups: followups,
		processor: processor,
	}
}

func (h *serviceHarness) createSupplier(t *testing.T) *models.Supplier {
	t.Helper()
	supplier := &models.Supplier{
		Name:           "Canalizações Silva",
		Email:          "silva@example.com",
		Specialization: "plumbing",
	}
	require.NoError(t, h.db.Create(supplier).Error)
	return supplier
}

func (h *serviceHarness) createAssistance(t *testing.T, supplierID string) *models.Assistance {
	t.Helper()
	assistance := &models.Assistance{
		BuildingName: "Edifício Aurora",
		Description:  "Leak in the garage ceiling",
		SupplierID:   &supplierID,
	}
	require.NoError(t, h.db.Create(assistance).Error)
	return assistance
}

func (h *serviceHarness) createSchedule(t *testing.T, mutate func(*models.FollowUpSchedule)) *models.FollowUpSchedule {
	t.Helper()
	supplier := h.createSupplier(t)
	assistance := h.createAssistance(t, supplier.ID)

	schedule := &models.FollowUpSchedule{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpQuotationReminder,
		Priority:     models.PriorityNormal,
		ScheduledFor: h.clock.Now().Add(-time.Hour),
		Status:       models.FollowUpPending,
		MaxAttempts:  3,
	}
	if mutate != nil {
		mutate(schedule)
	}
	require.NoError(t, h.db.Create(schedule).Error)
	return schedule
}

func (h *serviceHarness) reloadSchedule(t *testing.T, id string) *models.FollowUpSchedule {
	t.Helper()
	var schedule models.FollowUpSchedule
	require.NoError(t, h.db.First(&schedule, "id = ?", id).Error)
	return &schedule
}

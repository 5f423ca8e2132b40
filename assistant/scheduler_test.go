package assistant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSink records delivered notifications.
type stubSink struct {
	mu       sync.Mutex
	err      error
	messages []string
	userIDs  []string
}

func (s *stubSink) NotifyUser(_ context.Context, userID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.userIDs = append(s.userIDs, userID)
	s.messages = append(s.messages, message)
	return nil
}

func (s *stubSink) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.messages...)
}

func newTestScheduler(
	t testing.TB,
	source TaskSource,
	sink NotificationSink,
) (*ReminderScheduler, DBI) {
	t.Helper()
	cfg := DefaultTestConfig(t)

	gormDB, err := CreateDB(context.Background(), cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := gormDB.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	db := NewDatabase(gormDB, nil, false)

	scheduler := NewReminderScheduler(
		db, source, sink, cfg.ClickUp, cfg.Scheduler, nil,
	)
	return scheduler, db
}

func TestQuotaPassFinalReminder(t *testing.T) {
	t.Parallel()
	profile := testProfile(t)

	source := &stubTaskSource{
		listTasks: func(_ context.Context, _ TaskQuery) ([]Task, error) {
			return nil, nil
		},
	}
	sink := &stubSink{}
	scheduler, db := newTestScheduler(t, source, sink)

	_, err := db.Create(context.Background(), profile)
	require.NoError(t, err)

	// 7 full days left in the month
	now := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, scheduler.RunQuotaPass(context.Background(), now))

	messages := sink.sent()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "Only 7 days left")
	assert.Contains(t, messages[0], "Driving")
	assert.Equal(t, []string{profile.ID}, sink.userIDs)

	var recorded []SentNotification
	require.NoError(t, db.DB().Find(&recorded).Error)
	require.Len(t, recorded, 1)
	assert.Equal(t, NotificationQuota, recorded[0].Kind)
	assert.Equal(
		t,
		QuotaDedupKey(profile.ID, DepartmentDriving, now),
		recorded[0].DedupKey,
	)

	// a repeat pass on the same day is deduplicated
	require.NoError(t, scheduler.RunQuotaPass(context.Background(), now))
	assert.Len(t, sink.sent(), 1)

	status := scheduler.Status()
	assert.Equal(t, int64(2), status.QuotaPassesRun)
	assert.Equal(t, int64(1), status.NotificationsSent)
}

func TestQuotaPassEarlyReminder(t *testing.T) {
	t.Parallel()
	profile := testProfile(t)

	var tasks []Task
	source := &stubTaskSource{
		listTasks: func(_ context.Context, query TaskQuery) ([]Task, error) {
			if query.Statuses[0] == TaskStatusConcluded {
				return tasks, nil
			}
			return nil, nil
		},
	}
	sink := &stubSink{}
	scheduler, db := newTestScheduler(t, source, sink)

	_, err := db.Create(context.Background(), profile)
	require.NoError(t, err)

	now := time.Date(2026, time.August, 7, 12, 0, 0, 0, time.UTC)
	require.NoError(t, scheduler.RunQuotaPass(context.Background(), now))

	messages := sink.sent()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "haven't completed any")

	// a supervisor with at least one training isn't nudged early
	start, _ := MonthWindow(now)
	tasks = []Task{
		taskFor(
			"c1", "05/08/2026 - Wednesday - 19:00 BST - Sam",
			profile.ClickUpEmail, start.Add(4*24*time.Hour),
		),
	}
	later := time.Date(2026, time.August, 11, 12, 0, 0, 0, time.UTC)
	require.NoError(t, scheduler.RunQuotaPass(context.Background(), later))
	assert.Len(t, sink.sent(), 1)
}

func TestQuotaPassSkipsOffDays(t *testing.T) {
	t.Parallel()
	source := &stubTaskSource{
		listTasks: func(_ context.Context, _ TaskQuery) ([]Task, error) {
			t.Error("task source should not be queried on a non-reminder day")
			return nil, nil
		},
	}
	sink := &stubSink{}
	scheduler, db := newTestScheduler(t, source, sink)

	profile := testProfile(t)
	_, err := db.Create(context.Background(), profile)
	require.NoError(t, err)

	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	require.NoError(t, scheduler.RunQuotaPass(context.Background(), now))
	assert.Empty(t, sink.sent())
}

func TestQuotaPassHonorsPreferenceAndEnabledGate(t *testing.T) {
	t.Parallel()
	source := &stubTaskSource{}
	sink := &stubSink{}
	scheduler, db := newTestScheduler(t, source, sink)

	profile := testProfile(t)
	profile.ReminderPreference = string(RemindersTraining)
	_, err := db.Create(context.Background(), profile)
	require.NoError(t, err)

	now := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, scheduler.RunQuotaPass(context.Background(), now))
	assert.Empty(t, sink.sent())

	scheduler.enabled = func() (bool, bool) { return false, true }
	require.NoError(t, scheduler.RunQuotaPass(context.Background(), now))
	assert.Equal(t, int64(1), scheduler.Status().QuotaPassesRun)
}

func TestTrainingPassCheckpoints(t *testing.T) {
	t.Parallel()
	profile := testProfile(t)
	now := time.Date(2026, time.August, 14, 12, 0, 0, 0, time.UTC)
	task := taskFor(
		"t1", "14/08/2026 - Friday - 13:30 BST - Sam",
		profile.ClickUpEmail, now.Add(90*time.Minute),
	)
	task.URL = "https://app.clickup.com/t/t1"

	source := &stubTaskSource{
		listTasks: func(_ context.Context, _ TaskQuery) ([]Task, error) {
			return []Task{task}, nil
		},
	}
	sink := &stubSink{}
	scheduler, db := newTestScheduler(t, source, sink)

	_, err := db.Create(context.Background(), profile)
	require.NoError(t, err)

	require.NoError(t, scheduler.RunTrainingPass(context.Background(), now))

	// 90 minutes out, the most urgent reached checkpoint is 2h; the 24h
	// and 10h checkpoints passed while nothing was running and are marked
	// sent without a message
	messages := sink.sent()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "hosting")
	assert.Contains(t, messages[0], "about 2h")
	assert.Contains(t, messages[0], task.URL)

	var recorded []SentNotification
	require.NoError(t, db.DB().Find(&recorded).Error)
	assert.Len(t, recorded, 3)

	// nothing new until the next checkpoint
	require.NoError(
		t,
		scheduler.RunTrainingPass(context.Background(), now.Add(10*time.Minute)),
	)
	assert.Len(t, sink.sent(), 1)

	// 20 minutes before the start, the host 30m checkpoint fires
	require.NoError(
		t,
		scheduler.RunTrainingPass(context.Background(), now.Add(70*time.Minute)),
	)
	messages = sink.sent()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[1], "about 30m")
}

func TestTrainingPassCohostCheckpoint(t *testing.T) {
	t.Parallel()
	profile := testProfile(t)
	now := time.Date(2026, time.August, 14, 12, 0, 0, 0, time.UTC)

	// hosted by someone else: the supervisor co-hosts, so the final
	// checkpoint is 15m rather than 30m
	task := taskFor(
		"t2", "14/08/2026 - Friday - 13:30 BST - Alex",
		profile.ClickUpEmail, now.Add(20*time.Minute),
	)

	source := &stubTaskSource{
		listTasks: func(_ context.Context, _ TaskQuery) ([]Task, error) {
			return []Task{task}, nil
		},
	}
	sink := &stubSink{}
	scheduler, db := newTestScheduler(t, source, sink)

	_, err := db.Create(context.Background(), profile)
	require.NoError(t, err)

	require.NoError(t, scheduler.RunTrainingPass(context.Background(), now))
	messages := sink.sent()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "co-hosting")
	assert.Contains(t, messages[0], "about 2h")

	require.NoError(
		t,
		scheduler.RunTrainingPass(context.Background(), now.Add(6*time.Minute)),
	)
	messages = sink.sent()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[1], "about 15m")
}

package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// NotificationSink delivers a reminder to a user. [Discord] implements
// this with direct messages.
type NotificationSink interface {
	NotifyUser(ctx context.Context, userID string, message string) error
}

// Days of the month (UTC) on which the quota timer nudges supervisors
// who haven't completed a single training yet.
var quotaEarlyReminderDays = []int{7, 11}

// Full days remaining in the month at which the quota timer reminds
// supervisors who aren't going to meet quota.
var quotaFinalReminderDays = []int{7, 3}

// trainingCheckpoint is one reminder threshold before a training starts.
type trainingCheckpoint struct {
	Threshold time.Duration
	Label     string
}

// Checkpoints ordered largest-first; the last qualifying entry is the
// most urgent.
var (
	hostCheckpoints = []trainingCheckpoint{
		{24 * time.Hour, "24h"},
		{10 * time.Hour, "10h"},
		{2 * time.Hour, "2h"},
		{30 * time.Minute, "30m"},
	}
	cohostCheckpoints = []trainingCheckpoint{
		{24 * time.Hour, "24h"},
		{10 * time.Hour, "10h"},
		{2 * time.Hour, "2h"},
		{15 * time.Minute, "15m"},
	}
)

// ReminderScheduler runs the two background reminder timers: a daily
// quota check and a frequent upcoming-training check.
//
// Both timers are single-flight: a tick that arrives while the previous
// pass is still running is skipped. Delivery is recorded in the
// [SentNotification] ledger before the pass moves on, so reminders are
// sent at most once per dedup key even across restarts.
type ReminderScheduler struct {
	db         DBI
	calculator *QuotaCalculator
	source     TaskSource
	sink       NotificationSink
	clickup    *ClickUpConfig
	config     *SchedulerConfig
	logger     *slog.Logger

	// enabled, if set, is consulted at the top of each pass. It reports
	// whether the quota and training timers are currently switched on.
	enabled func() (quota bool, training bool)

	quotaRunning    atomic.Bool
	trainingRunning atomic.Bool

	// counters for the API status endpoint
	quotaPassesRun    atomic.Int64
	trainingPassesRun atomic.Int64
	notificationsSent atomic.Int64
}

func NewReminderScheduler(
	db DBI,
	source TaskSource,
	sink NotificationSink,
	clickup *ClickUpConfig,
	config *SchedulerConfig,
	logger *slog.Logger,
) *ReminderScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderScheduler{
		db:         db,
		calculator: NewQuotaCalculator(source, logger),
		source:     source,
		sink:       sink,
		clickup:    clickup,
		config:     config,
		logger:     logger.With(loggerNameKey, "scheduler"),
	}
}

// Run blocks, firing the quota and training timers at their configured
// intervals until ctx is canceled.
func (s *ReminderScheduler) Run(ctx context.Context) {
	quotaTicker := time.NewTicker(s.config.QuotaCheckInterval)
	defer quotaTicker.Stop()
	trainingTicker := time.NewTicker(s.config.TrainingCheckInterval)
	defer trainingTicker.Stop()

	s.logger.InfoContext(
		ctx,
		"reminder scheduler started",
		"quota_check_interval", s.config.QuotaCheckInterval,
		"training_check_interval", s.config.TrainingCheckInterval,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopping")
			return
		case <-quotaTicker.C:
			if err := s.RunQuotaPass(ctx, time.Now()); err != nil {
				s.logger.ErrorContext(ctx, "quota pass failed", tint.Err(err))
			}
		case <-trainingTicker.C:
			if err := s.RunTrainingPass(ctx, time.Now()); err != nil {
				s.logger.ErrorContext(ctx, "training pass failed", tint.Err(err))
			}
		}
	}
}

// eligibleProfiles returns complete profiles matching the filter,
// grouped by department.
func (s *ReminderScheduler) eligibleProfiles(
	filter func(*UserProfile) bool,
) map[Department][]*UserProfile {
	byDepartment := map[Department][]*UserProfile{}
	for _, profile := range s.db.LoadProfiles() {
		p := profile
		if !p.Complete() || !filter(&p) {
			continue
		}
		for _, dept := range p.Departments() {
			byDepartment[dept] = append(byDepartment[dept], &p)
		}
	}
	return byDepartment
}

func (s *ReminderScheduler) alreadySent(dedupKey string) bool {
	var existing SentNotification
	err := s.db.DB().Where("dedup_key = ?", dedupKey).First(&existing).Error
	return !errors.Is(err, gorm.ErrRecordNotFound) || existing.ID != 0
}

func (s *ReminderScheduler) record(ctx context.Context, n *SentNotification) {
	n.SentAt = time.Now().UTC().UnixMilli()
	if _, err := s.db.Create(ctx, n); err != nil {
		s.logger.ErrorContext(
			ctx,
			"failed to record sent notification",
			"dedup_key", n.DedupKey,
			tint.Err(err),
		)
	}
}

// RunQuotaPass evaluates every eligible supervisor's quota standing and
// sends reminders, if today is a reminder day. Department fetches fan
// out concurrently; a department whose task source is unavailable is
// skipped for this pass rather than failing the others.
func (s *ReminderScheduler) RunQuotaPass(ctx context.Context, now time.Time) error {
	if s.enabled != nil {
		if quota, _ := s.enabled(); !quota {
			s.logger.Debug("quota reminders disabled, skipping pass")
			return nil
		}
	}
	if !s.quotaRunning.CompareAndSwap(false, true) {
		s.logger.Warn("quota pass already running, skipping tick")
		return nil
	}
	defer s.quotaRunning.Store(false)
	s.quotaPassesRun.Add(1)

	now = now.UTC()
	_, end := MonthWindow(now)
	daysRemaining := int(end.Sub(now).Hours() / 24)

	earlyDay := false
	for _, day := range quotaEarlyReminderDays {
		if now.Day() == day {
			earlyDay = true
		}
	}
	finalDay := false
	for _, days := range quotaFinalReminderDays {
		if daysRemaining == days {
			finalDay = true
		}
	}
	if !earlyDay && !finalDay {
		s.logger.DebugContext(
			ctx,
			"not a quota reminder day",
			"day_of_month", now.Day(),
			"days_remaining", daysRemaining,
		)
		return nil
	}

	byDepartment := s.eligibleProfiles(
		func(p *UserProfile) bool {
			return p.Reminders().QuotaEnabled()
		},
	)

	g, gctx := errgroup.WithContext(ctx)
	for dept, profiles := range byDepartment {
		dept := dept
		profiles := profiles
		deptConfig, ok := s.clickup.Departments[dept.ConfigKey()]
		if !ok {
			s.logger.Warn("no list configured for department", "department", dept)
			continue
		}
		g.Go(
			func() error {
				concluded, scheduled, err := s.calculator.MonthTasks(
					gctx, deptConfig.ListID, now,
				)
				if err != nil {
					s.logger.WarnContext(
						gctx,
						"skipping department this pass",
						"department", dept,
						tint.Err(err),
					)
					return nil
				}
				start, end := MonthWindow(now)
				for _, profile := range profiles {
					window := WindowFromTasks(
						profile, dept, concluded, scheduled, start, end,
					)
					if !s.quotaReminderNeeded(window, earlyDay, finalDay) {
						continue
					}
					s.sendQuotaReminder(gctx, profile, window, now, daysRemaining, earlyDay)
				}
				return nil
			},
		)
	}
	return g.Wait()
}

// quotaReminderNeeded applies the reminder conditions: early in the
// month, only supervisors with zero completed trainings are nudged;
// near the end, anyone short of either requirement is.
func (s *ReminderScheduler) quotaReminderNeeded(
	window *QuotaWindow,
	earlyDay bool,
	finalDay bool,
) bool {
	if earlyDay && window.Completed < 1 {
		return true
	}
	if finalDay &&
		(window.Completed < window.RequiredTotal ||
			window.CompletedHosted < window.RequiredHosted) {
		return true
	}
	return false
}

func (s *ReminderScheduler) sendQuotaReminder(
	ctx context.Context,
	profile *UserProfile,
	window *QuotaWindow,
	now time.Time,
	daysRemaining int,
	earlyDay bool,
) {
	dedupKey := QuotaDedupKey(profile.ID, window.Department, now)
	if s.alreadySent(dedupKey) {
		return
	}

	var msg string
	if earlyDay && window.Completed < 1 {
		msg = fmt.Sprintf(
			"Hey %s! You haven't completed any %s trainings yet this month. "+
				"You need %d (%d hosted) before the month ends.",
			profile.Username,
			window.Department,
			window.RequiredTotal,
			window.RequiredHosted,
		)
	} else {
		msg = fmt.Sprintf(
			"Hey %s! Only %d days left in the month and your %s quota isn't met yet: "+
				"%d/%d trainings completed, %d/%d hosted. "+
				"%d more are scheduled - make sure they conclude in time!",
			profile.Username,
			daysRemaining,
			window.Department,
			window.Completed,
			window.RequiredTotal,
			window.CompletedHosted,
			window.RequiredHosted,
			window.Scheduled,
		)
	}

	if err := s.sink.NotifyUser(ctx, profile.ID, msg); err != nil {
		s.logger.ErrorContext(
			ctx,
			"failed to send quota reminder",
			"profile", profile,
			"department", window.Department,
			tint.Err(err),
		)
		return
	}
	s.notificationsSent.Add(1)
	s.record(
		ctx, &SentNotification{
			ProfileID:  profile.ID,
			Kind:       NotificationQuota,
			Department: window.Department.String(),
			DedupKey:   dedupKey,
		},
	)
}

// RunTrainingPass looks ahead for upcoming trainings assigned to each
// eligible supervisor and sends checkpoint reminders as their start
// times approach.
func (s *ReminderScheduler) RunTrainingPass(ctx context.Context, now time.Time) error {
	if s.enabled != nil {
		if _, training := s.enabled(); !training {
			s.logger.Debug("training reminders disabled, skipping pass")
			return nil
		}
	}
	if !s.trainingRunning.CompareAndSwap(false, true) {
		s.logger.Warn("training pass already running, skipping tick")
		return nil
	}
	defer s.trainingRunning.Store(false)
	s.trainingPassesRun.Add(1)

	now = now.UTC()
	byDepartment := s.eligibleProfiles(
		func(p *UserProfile) bool {
			return p.Reminders().TrainingEnabled()
		},
	)

	g, gctx := errgroup.WithContext(ctx)
	for dept, profiles := range byDepartment {
		dept := dept
		profiles := profiles
		deptConfig, ok := s.clickup.Departments[dept.ConfigKey()]
		if !ok {
			s.logger.Warn("no list configured for department", "department", dept)
			continue
		}
		g.Go(
			func() error {
				tasks, err := s.source.ListTasks(
					gctx, TaskQuery{
						ListID: deptConfig.ListID,
						Statuses: []string{
							TaskStatusPendingStaff,
							TaskStatusScheduled,
						},
						DueAfter:  now.UnixMilli(),
						DueBefore: now.Add(s.config.TrainingLookahead).UnixMilli(),
					},
				)
				if err != nil {
					s.logger.WarnContext(
						gctx,
						"skipping department this pass",
						"department", dept,
						tint.Err(err),
					)
					return nil
				}
				for _, profile := range profiles {
					s.remindUpcoming(gctx, profile, dept, tasks, now)
				}
				return nil
			},
		)
	}
	return g.Wait()
}

// remindUpcoming sends at most one message per task per pass: the most
// urgent checkpoint that has been reached but not yet sent. Any larger
// checkpoints passed while the bot was down are marked sent without a
// message, so a restart doesn't replay stale reminders.
func (s *ReminderScheduler) remindUpcoming(
	ctx context.Context,
	profile *UserProfile,
	department Department,
	tasks []Task,
	now time.Time,
) {
	host := hostPattern(profile.RobloxName)
	for _, task := range tasks {
		if !task.AssignedTo(profile.ClickUpEmail) {
			continue
		}
		startsIn := task.DueDate.Time().Sub(now)
		if startsIn <= 0 {
			continue
		}

		hosting := host.MatchString(task.Name)
		checkpoints := cohostCheckpoints
		if hosting {
			checkpoints = hostCheckpoints
		}

		var due []trainingCheckpoint
		for _, cp := range checkpoints {
			if startsIn > cp.Threshold {
				continue
			}
			if s.alreadySent(TrainingDedupKey(profile.ID, task.ID, cp.Label)) {
				continue
			}
			due = append(due, cp)
		}
		if len(due) == 0 {
			continue
		}

		// checkpoints are ordered largest-first, so the last entry is
		// the one to announce
		urgent := due[len(due)-1]
		msg := trainingReminderMessage(profile, department, task, urgent, hosting)
		if err := s.sink.NotifyUser(ctx, profile.ID, msg); err != nil {
			s.logger.ErrorContext(
				ctx,
				"failed to send training reminder",
				"profile", profile,
				"task_id", task.ID,
				"threshold", urgent.Label,
				tint.Err(err),
			)
			continue
		}
		s.notificationsSent.Add(1)
		for _, cp := range due {
			s.record(
				ctx, &SentNotification{
					ProfileID:  profile.ID,
					Kind:       NotificationTraining,
					Department: department.String(),
					TaskID:     task.ID,
					Threshold:  cp.Label,
					DedupKey:   TrainingDedupKey(profile.ID, task.ID, cp.Label),
				},
			)
		}
	}
}

func trainingReminderMessage(
	profile *UserProfile,
	department Department,
	task Task,
	checkpoint trainingCheckpoint,
	hosting bool,
) string {
	role := "co-hosting"
	if hosting {
		role = "hosting"
	}
	var b strings.Builder
	fmt.Fprintf(
		&b,
		"Reminder: you're %s a %s training in about %s!\n%s",
		role,
		department,
		checkpoint.Label,
		task.Name,
	)
	if loc, err := profile.Location(); err == nil {
		fmt.Fprintf(
			&b,
			"\nStarts at %s (your time)",
			task.DueDate.Time().In(loc).Format("Monday, 02 Jan 2006 at 15:04"),
		)
	}
	if task.URL != "" {
		fmt.Fprintf(&b, "\n%s", task.URL)
	}
	return b.String()
}

// SchedulerStatus is a point-in-time snapshot of timer activity for the
// API status endpoint.
type SchedulerStatus struct {
	QuotaPassRunning    bool  `json:"quota_pass_running"`
	TrainingPassRunning bool  `json:"training_pass_running"`
	QuotaPassesRun      int64 `json:"quota_passes_run"`
	TrainingPassesRun   int64 `json:"training_passes_run"`
	NotificationsSent   int64 `json:"notifications_sent"`
}

func (s *ReminderScheduler) Status() SchedulerStatus {
	return SchedulerStatus{
		QuotaPassRunning:    s.quotaRunning.Load(),
		TrainingPassRunning: s.trainingRunning.Load(),
		QuotaPassesRun:      s.quotaPassesRun.Load(),
		TrainingPassesRun:   s.trainingPassesRun.Load(),
		NotificationsSent:   s.notificationsSent.Load(),
	}
}

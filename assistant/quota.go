package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"
)

// Verdict summarizes a supervisor's standing against their monthly quota.
type Verdict string

const (
	// VerdictPassing means the completed counts alone satisfy the quota
	VerdictPassing Verdict = "PASSING"

	// VerdictOnTrack means the quota is not yet met, but completed plus
	// scheduled sessions would satisfy it
	VerdictOnTrack Verdict = "ON TRACK"

	// VerdictFailing means even the scheduled sessions won't meet the quota
	VerdictFailing Verdict = "FAILING"
)

// QuotaWindow is one supervisor's quota standing for one department over
// the current month.
type QuotaWindow struct {
	Department Department
	Start      time.Time
	End        time.Time

	// Completed counts tasks with a concluded status in the window
	Completed int

	// CompletedHosted counts concluded tasks the supervisor hosted
	CompletedHosted int

	// Scheduled counts tasks in a pending or scheduled status in the window
	Scheduled int

	// ScheduledHosted counts those the supervisor would host
	ScheduledHosted int

	RequiredTotal  int
	RequiredHosted int

	CompletedTasks []Task
	ScheduledTasks []Task
}

// Verdict returns the quota verdict for this window.
func (q QuotaWindow) Verdict() Verdict {
	if q.Completed >= q.RequiredTotal && q.CompletedHosted >= q.RequiredHosted {
		return VerdictPassing
	}
	if q.Completed+q.Scheduled >= q.RequiredTotal &&
		q.CompletedHosted+q.ScheduledHosted >= q.RequiredHosted {
		return VerdictOnTrack
	}
	return VerdictFailing
}

// PercentComplete returns completed progress against the total
// requirement, as a whole percentage rounded half away from zero.
func (q QuotaWindow) PercentComplete() int {
	return percentOf(q.Completed, q.RequiredTotal)
}

// PercentHosted returns hosted progress against the hosted requirement.
func (q QuotaWindow) PercentHosted() int {
	return percentOf(q.CompletedHosted, q.RequiredHosted)
}

func percentOf(n int, of int) int {
	if of <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(n) / float64(of)))
}

// MonthWindow returns the UTC bounds of the month containing now: the
// first instant of the month (inclusive) and the first instant of the
// next month (exclusive).
func MonthWindow(now time.Time) (start time.Time, end time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}

// hostPattern matches the supervisor's Roblox name in a task title as a
// whole word, case-insensitively. Substring hits inside longer names
// ("Sam" in "Samantha") do not count as hosting.
func hostPattern(robloxName string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(robloxName) + `\b`)
}

// QuotaCalculator computes [QuotaWindow] values from a [TaskSource].
type QuotaCalculator struct {
	source TaskSource
	logger *slog.Logger
}

func NewQuotaCalculator(source TaskSource, logger *slog.Logger) *QuotaCalculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaCalculator{
		source: source,
		logger: logger.With(loggerNameKey, "quota"),
	}
}

// Window computes the supervisor's quota standing for one department list
// over the month containing now.
//
// Two queries run against the list: concluded tasks, and tasks still in a
// pending or scheduled status. If the second query fails after the first
// succeeded, the partially-populated window is returned along with the
// error, so callers can still show completed counts.
func (qc *QuotaCalculator) Window(
	ctx context.Context,
	profile *UserProfile,
	department Department,
	listID string,
	now time.Time,
) (*QuotaWindow, error) {
	start, end := MonthWindow(now)

	concluded, scheduled, err := qc.MonthTasks(ctx, listID, now)
	window := WindowFromTasks(profile, department, concluded, scheduled, start, end)
	if err != nil {
		return window, err
	}

	qc.logger.DebugContext(
		ctx,
		"computed quota window",
		"department", department,
		"completed", window.Completed,
		"completed_hosted", window.CompletedHosted,
		"scheduled", window.Scheduled,
		"scheduled_hosted", window.ScheduledHosted,
		"verdict", window.Verdict(),
	)
	return window, nil
}

// MonthTasks fetches the concluded and still-scheduled tasks for a
// department list over the month containing now. If the scheduled query
// fails after the concluded one succeeded, the concluded tasks are
// returned along with the error.
func (qc *QuotaCalculator) MonthTasks(
	ctx context.Context,
	listID string,
	now time.Time,
) (concluded []Task, scheduled []Task, err error) {
	start, end := MonthWindow(now)

	// due_date_gt is exclusive, and the window start is not, so back the
	// bound off by a millisecond; WindowFromTasks re-checks per task
	query := TaskQuery{
		ListID:    listID,
		Statuses:  []string{TaskStatusConcluded},
		DueAfter:  start.UnixMilli() - 1,
		DueBefore: end.UnixMilli(),
	}
	concluded, err = qc.source.ListTasks(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("listing concluded tasks: %w", err)
	}

	query.Statuses = []string{TaskStatusPendingStaff, TaskStatusScheduled}
	scheduled, err = qc.source.ListTasks(ctx, query)
	if err != nil {
		return concluded, nil, fmt.Errorf("listing scheduled tasks: %w", err)
	}
	return concluded, scheduled, nil
}

// WindowFromTasks computes one supervisor's window from pre-fetched
// department tasks. Tasks not assigned to the supervisor, or due before
// the window start, are ignored.
func WindowFromTasks(
	profile *UserProfile,
	department Department,
	concluded []Task,
	scheduled []Task,
	start time.Time,
	end time.Time,
) *QuotaWindow {
	window := &QuotaWindow{
		Department:     department,
		Start:          start,
		End:            end,
		RequiredTotal:  department.RequiredTotal(),
		RequiredHosted: department.RequiredHosted(),
	}
	host := hostPattern(profile.RobloxName)

	for _, task := range concluded {
		if !task.AssignedTo(profile.ClickUpEmail) ||
			int64(task.DueDate) < start.UnixMilli() {
			continue
		}
		window.Completed++
		window.CompletedTasks = append(window.CompletedTasks, task)
		if host.MatchString(task.Name) {
			window.CompletedHosted++
		}
	}
	for _, task := range scheduled {
		if !task.AssignedTo(profile.ClickUpEmail) ||
			int64(task.DueDate) < start.UnixMilli() {
			continue
		}
		window.Scheduled++
		window.ScheduledTasks = append(window.ScheduledTasks, task)
		if host.MatchString(task.Name) {
			window.ScheduledHosted++
		}
	}
	return window
}

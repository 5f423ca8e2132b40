package assistant

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckResponseIncompleteProfile(t *testing.T) {
	t.Parallel()
	d := testAssistant(t, &stubTaskSource{})
	profile := testProfile(t)
	profile.RobloxName = NotSet

	content := d.checkResponse(context.Background(), profile, "")
	assert.Contains(t, content, "Your profile is missing")
	assert.Contains(t, content, ProfileFieldRobloxName)
}

func TestCheckResponseDepartmentFilter(t *testing.T) {
	t.Parallel()
	d := testAssistant(t, &stubTaskSource{})
	profile := testProfile(t)

	content := d.checkResponse(context.Background(), profile, "Conducting")
	assert.Contains(t, content, "don't know a department")

	content = d.checkResponse(context.Background(), profile, "Signalling")
	assert.Contains(t, content, "not registered in Signalling")
	assert.Contains(t, content, "Driving")
}

func TestCheckResponseQuotaReport(t *testing.T) {
	t.Parallel()
	profile := testProfile(t)
	now := time.Now().UTC()
	start, _ := MonthWindow(now)

	concluded := []Task{
		taskFor("c1", "training - Sam", profile.ClickUpEmail, start.Add(time.Hour)),
		taskFor("c2", "training - Alex", profile.ClickUpEmail, start.Add(2*time.Hour)),
	}
	scheduled := []Task{
		taskFor("s1", "training - Sam", profile.ClickUpEmail, start.Add(72*time.Hour)),
	}
	source := &stubTaskSource{
		listTasks: func(_ context.Context, query TaskQuery) ([]Task, error) {
			if query.Statuses[0] == TaskStatusConcluded {
				return concluded, nil
			}
			return scheduled, nil
		},
	}
	d := testAssistant(t, source)

	content := d.checkResponse(context.Background(), profile, "")
	t.Logf("response:\n%s", content)

	assert.Contains(
		t,
		content,
		fmt.Sprintf(
			"Quota standing for **%s** - %s",
			profile.RobloxName,
			start.Format("January 2006"),
		),
	)
	assert.Contains(t, content, fmt.Sprintf("**Driving** - %s", VerdictFailing))
	assert.Contains(t, content, "Completed: 2/8 (25%) - hosted 1/3 (33%)")
	assert.Contains(t, content, "Scheduled: 1 more (1 hosted)")
}

func TestCheckResponseSourceUnavailable(t *testing.T) {
	t.Parallel()
	profile := testProfile(t)

	source := &stubTaskSource{
		listTasks: func(_ context.Context, _ TaskQuery) ([]Task, error) {
			return nil, fmt.Errorf("%w: 502", ErrSourceUnavailable)
		},
	}
	d := testAssistant(t, source)

	content := d.checkResponse(context.Background(), profile, "")
	assert.Contains(t, content, "I couldn't reach ClickUp")
}

func TestCheckResponsePartialResults(t *testing.T) {
	t.Parallel()
	profile := testProfile(t)
	now := time.Now().UTC()
	start, _ := MonthWindow(now)

	// the concluded query succeeds, the scheduled one doesn't: completed
	// counts are still reported, with a note
	calls := 0
	source := &stubTaskSource{
		listTasks: func(_ context.Context, _ TaskQuery) ([]Task, error) {
			calls++
			if calls == 1 {
				return []Task{
					taskFor(
						"c1", "training - Sam",
						profile.ClickUpEmail, start.Add(time.Hour),
					),
				}, nil
			}
			return nil, fmt.Errorf("%w: 502", ErrSourceUnavailable)
		},
	}
	d := testAssistant(t, source)

	content := d.checkResponse(context.Background(), profile, "")
	assert.Contains(t, content, "Completed: 1/8 (13%)")
	assert.Contains(t, content, "partially reachable")
}

func TestCheckResponseUnconfiguredDepartment(t *testing.T) {
	t.Parallel()
	d := testAssistant(t, &stubTaskSource{})
	delete(d.config.ClickUp.Departments, DepartmentDriving.ConfigKey())

	content := d.checkResponse(context.Background(), testProfile(t), "")
	assert.Contains(t, content, "**Driving**: not configured")
}

func TestWriteQuotaWindow(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	writeQuotaWindow(
		&b, &QuotaWindow{
			Department:      DepartmentGuarding,
			Completed:       8,
			CompletedHosted: 2,
			RequiredTotal:   8,
			RequiredHosted:  2,
		},
	)
	out := b.String()
	assert.Contains(t, out, fmt.Sprintf("**Guarding** - %s", VerdictPassing))
	assert.Contains(t, out, "Completed: 8/8 (100%) - hosted 2/2 (100%)")
	assert.NotContains(t, out, "Scheduled:")
}

func TestDepartmentNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "none", departmentNames(nil))
	assert.Equal(
		t,
		"Driving, Guarding",
		departmentNames([]Department{DepartmentDriving, DepartmentGuarding}),
	)
}

package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClickUpClient(t testing.TB, handler http.Handler) *ClickUpClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultTestConfig(t)
	cfg.ClickUp.BaseURL = server.URL
	cfg.ClickUp.MaxRequestsPerSecond = 1000
	return NewClickUpClient(cfg.ClickUp, nil)
}

func TestListTasksPaginationAndDedup(t *testing.T) {
	t.Parallel()

	// two pages of unarchived tasks, then an archived partition that
	// repeats one task and adds another
	pages := map[string]taskPage{
		"false-0": {Tasks: []Task{{ID: "a"}, {ID: "b"}}, LastPage: false},
		"false-1": {Tasks: []Task{{ID: "c"}}, LastPage: true},
		"true-0":  {Tasks: []Task{{ID: "b"}, {ID: "d"}}, LastPage: true},
	}
	var requests []string

	client := testClickUpClient(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/list/list-driving/task", r.URL.Path)
				q := r.URL.Query()
				requests = append(requests, r.URL.RawQuery)

				assert.Equal(t, "true", q.Get("include_closed"))
				assert.Equal(t, []string{TaskStatusConcluded}, q["statuses[]"])
				assert.Equal(t, "999", q.Get("due_date_gt"))
				assert.Equal(t, "2000", q.Get("due_date_lt"))

				key := fmt.Sprintf("%s-%s", q.Get("archived"), q.Get("page"))
				page, ok := pages[key]
				require.Truef(t, ok, "unexpected request: %s", key)
				w.Header().Set("Content-Type", "application/json")
				require.NoError(t, json.NewEncoder(w).Encode(page))
			},
		),
	)

	tasks, err := client.ListTasks(
		context.Background(), TaskQuery{
			ListID:    "list-driving",
			Statuses:  []string{TaskStatusConcluded},
			DueAfter:  999,
			DueBefore: 2000,
		},
	)
	require.NoError(t, err)
	assert.Len(t, requests, 3)

	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestListTasksServerError(t *testing.T) {
	t.Parallel()
	client := testClickUpClient(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		),
	)
	_, err := client.ListTasks(
		context.Background(), TaskQuery{ListID: "list-driving"},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestGetTask(t *testing.T) {
	t.Parallel()
	client := testClickUpClient(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/task/abc123", r.URL.Path)
				assert.Equal(
					t,
					"true",
					r.URL.Query().Get("include_markdown_description"),
				)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(
					[]byte(`{
						"id": "abc123",
						"name": "05/08/2026 - Wednesday - 19:00 BST - Sam",
						"due_date": "1754416800000",
						"url": "https://app.clickup.com/t/abc123",
						"markdown_description": "#### Assessment Track A\nAssessor: "
					}`),
				)
			},
		),
	)

	task, err := client.GetTask(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", task.ID)
	assert.Equal(t, "https://app.clickup.com/t/abc123", task.URL)
	assert.Contains(t, task.MarkdownDescription, "Assessment Track A")
	assert.Equal(
		t,
		time.UnixMilli(1754416800000).UTC(),
		task.DueDate.Time(),
	)
}

func TestCreateTaskFromTemplate(t *testing.T) {
	t.Parallel()
	client := testClickUpClient(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodPost, r.Method)
				require.Equal(
					t,
					"/list/list-driving/taskTemplate/tpl-driving",
					r.URL.Path,
				)
				body, _ := io.ReadAll(r.Body)
				assert.JSONEq(t, `{"name": "new training"}`, string(body))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"id": "created1"}`))
			},
		),
	)

	taskID, err := client.CreateTaskFromTemplate(
		context.Background(), "list-driving", "tpl-driving", "new training",
	)
	require.NoError(t, err)
	assert.Equal(t, "created1", taskID)
}

func TestCreateTaskFromTemplateNoID(t *testing.T) {
	t.Parallel()
	client := testClickUpClient(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{}`))
			},
		),
	)
	_, err := client.CreateTaskFromTemplate(
		context.Background(), "list-driving", "tpl-driving", "new training",
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestUpdateTaskRequests(t *testing.T) {
	t.Parallel()
	var bodies []string
	client := testClickUpClient(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodPut, r.Method)
				require.Equal(t, "/task/abc123", r.URL.Path)
				body, _ := io.ReadAll(r.Body)
				bodies = append(bodies, string(body))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"id": "abc123"}`))
			},
		),
	)

	due := time.UnixMilli(1754416800000)
	require.NoError(t, client.SetDueDate(context.Background(), "abc123", due))
	require.NoError(t, client.AddAssignee(context.Background(), "abc123", 42))
	require.NoError(
		t,
		client.UpdateDescription(context.Background(), "abc123", "updated"),
	)

	require.Len(t, bodies, 3)
	assert.JSONEq(t, `{"due_date": "1754416800000"}`, bodies[0])
	assert.JSONEq(t, `{"assignees": {"add": [42]}}`, bodies[1])
	assert.JSONEq(t, `{"markdown_content": "updated"}`, bodies[2])
}

func TestFindMemberByEmail(t *testing.T) {
	t.Parallel()
	client := testClickUpClient(
		t, http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/team/900900/user", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(
					[]byte(`{
						"users": [
							{"id": 1, "username": "alex", "email": "alex@example.com"},
							{"id": 2, "username": "sam", "email": "Sam@Example.com"}
						]
					}`),
				)
			},
		),
	)

	member, err := client.FindMemberByEmail(context.Background(), "sam@example.com")
	require.NoError(t, err)
	require.NotNil(t, member)
	assert.Equal(t, int64(2), member.ID)

	member, err = client.FindMemberByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, member)
}

func TestTaskTimestampUnmarshal(t *testing.T) {
	t.Parallel()
	var task Task
	require.NoError(
		t,
		json.Unmarshal([]byte(`{"id": "a", "due_date": "1754416800000"}`), &task),
	)
	assert.Equal(t, TaskTimestamp(1754416800000), task.DueDate)

	// numeric and null forms also appear in API responses
	require.NoError(
		t,
		json.Unmarshal([]byte(`{"id": "b", "due_date": 1754416800000}`), &task),
	)
	assert.Equal(t, TaskTimestamp(1754416800000), task.DueDate)

	require.NoError(t, json.Unmarshal([]byte(`{"id": "c", "due_date": null}`), &task))
	assert.Equal(t, TaskTimestamp(0), task.DueDate)
	assert.True(t, task.DueDate.Time().IsZero())

	require.Error(t, json.Unmarshal([]byte(`{"due_date": "soon"}`), &task))
}

func TestTaskAssignedTo(t *testing.T) {
	t.Parallel()
	task := Task{
		Assignees: []TaskAssignee{
			{ID: 1, Email: "Alex@Example.com"},
			{ID: 2, Email: "sam@example.com"},
		},
	}
	assert.True(t, task.AssignedTo("alex@example.com"))
	assert.True(t, task.AssignedTo("SAM@EXAMPLE.COM"))
	assert.False(t, task.AssignedTo("nobody@example.com"))
	assert.False(t, Task{}.AssignedTo("sam@example.com"))
}

package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// ClickUp task statuses used by the training lists.
const (
	TaskStatusRequest      = "request"
	TaskStatusPendingStaff = "pending staff"
	TaskStatusScheduled    = "scheduled"
	TaskStatusConcluded    = "concluded"
	TaskStatusDeclined     = "declined"
)

// ErrSourceUnavailable indicates the ClickUp API could not be reached, or
// returned an unexpected response. Callers aggregating several queries
// should treat results accompanied by this error as partial.
var ErrSourceUnavailable = errors.New("task source unavailable")

// TaskTimestamp is a unix-millisecond timestamp. The ClickUp API encodes
// these as JSON strings ("1725100800000"), numbers, or null.
type TaskTimestamp int64

func (t *TaskTimestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*t = 0
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = TaskTimestamp(ms)
	return nil
}

func (t TaskTimestamp) MarshalJSON() ([]byte, error) {
	if t == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(strconv.FormatInt(int64(t), 10))
}

// Time returns the timestamp as a time.Time in UTC. Zero timestamps
// return the zero time.
func (t TaskTimestamp) Time() time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(t)).UTC()
}

// Task is a ClickUp task as returned by the list and single-task
// endpoints. MarkdownDescription is only populated by [ClickUpClient.GetTask].
type Task struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Status              TaskStatus     `json:"status"`
	DueDate             TaskTimestamp  `json:"due_date,omitempty"`
	Assignees           []TaskAssignee `json:"assignees,omitempty"`
	URL                 string         `json:"url,omitempty"`
	Description         string         `json:"description,omitempty"`
	MarkdownDescription string         `json:"markdown_description,omitempty"`
}

type TaskStatus struct {
	Status string `json:"status"`
}

type TaskAssignee struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// AssignedTo reports whether the task is assigned to the given ClickUp
// email, compared case-insensitively.
func (t Task) AssignedTo(email string) bool {
	for _, a := range t.Assignees {
		if strings.EqualFold(a.Email, email) {
			return true
		}
	}
	return false
}

// TeamMember is a member of the ClickUp workspace.
type TeamMember struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// TaskQuery describes a filtered task list query.
type TaskQuery struct {
	ListID string

	// Statuses filters tasks to the given status names
	Statuses []string

	// DueAfter/DueBefore bound the task due date (exclusive, unix ms)
	DueAfter  int64
	DueBefore int64
}

type taskPage struct {
	Tasks    []Task `json:"tasks"`
	LastPage bool   `json:"last_page"`
}

// TaskSource is the read/write surface of the ClickUp API the bot uses.
// [ClickUpClient] implements it; tests substitute their own.
type TaskSource interface {
	// ListTasks returns all tasks matching the query, across both the
	// archived and unarchived partitions, deduplicated by task ID.
	ListTasks(ctx context.Context, query TaskQuery) ([]Task, error)

	// GetTask fetches a single task, including its markdown description.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// CreateTaskFromTemplate copies the given template task into the list
	// under the given name, returning the created task's ID.
	CreateTaskFromTemplate(ctx context.Context, listID string, templateID string, name string) (string, error)

	// SetDueDate sets the task's due date.
	SetDueDate(ctx context.Context, taskID string, due time.Time) error

	// AddAssignee adds a workspace member to the task's assignees.
	AddAssignee(ctx context.Context, taskID string, memberID int64) error

	// UpdateDescription replaces the task's markdown description.
	UpdateDescription(ctx context.Context, taskID string, markdown string) error

	// FindMemberByEmail finds a workspace member by email,
	// compared case-insensitively. Returns nil if no member matches.
	FindMemberByEmail(ctx context.Context, email string) (*TeamMember, error)
}

// ClickUpClient implements [TaskSource] against the ClickUp v2 API, with
// client-side rate limiting.
type ClickUpClient struct {
	config  *ClickUpConfig
	client  *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClickUpClient creates a ClickUp API client from the given config.
// If logger is nil, the default logger is used.
func NewClickUpClient(config *ClickUpConfig, logger *slog.Logger) *ClickUpClient {
	if logger == nil {
		logger = slog.Default()
	}
	rps := config.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultClickUpMaxRequestsPerSecond
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultClickUpBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(config.RequestTimeout).
		SetHeader("accept", "application/json").
		SetHeader("Authorization", config.Token)
	return &ClickUpClient{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With(loggerNameKey, "clickup"),
	}
}

func (c *ClickUpClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return nil
}

// ListTasks queries the list twice, once for unarchived and once for
// archived tasks, following pagination until the API reports the last
// page. ClickUp moves concluded tasks into the archived partition, so
// both must be read to see a full month. Results are deduplicated by
// task ID, first occurrence winning.
func (c *ClickUpClient) ListTasks(ctx context.Context, query TaskQuery) ([]Task, error) {
	var tasks []Task
	seen := map[string]bool{}

	for _, archived := range []string{"false", "true"} {
		page := 0
		for {
			if err := c.wait(ctx); err != nil {
				return tasks, err
			}
			req := c.client.R().
				SetContext(ctx).
				SetQueryParam("archived", archived).
				SetQueryParam("include_closed", "true").
				SetQueryParam("page", strconv.Itoa(page))
			for _, status := range query.Statuses {
				req.QueryParam.Add("statuses[]", status)
			}
			if query.DueAfter != 0 {
				req.SetQueryParam("due_date_gt", strconv.FormatInt(query.DueAfter, 10))
			}
			if query.DueBefore != 0 {
				req.SetQueryParam("due_date_lt", strconv.FormatInt(query.DueBefore, 10))
			}

			var result taskPage
			resp, err := req.SetResult(&result).Get(
				fmt.Sprintf("/list/%s/task", query.ListID),
			)
			if err != nil {
				return tasks, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
			}
			if resp.IsError() {
				return tasks, fmt.Errorf(
					"%w: %s returned %s",
					ErrSourceUnavailable,
					resp.Request.URL,
					resp.Status(),
				)
			}

			for _, task := range result.Tasks {
				if seen[task.ID] {
					continue
				}
				seen[task.ID] = true
				tasks = append(tasks, task)
			}

			if result.LastPage || len(result.Tasks) == 0 {
				break
			}
			page++
		}
	}

	c.logger.DebugContext(
		ctx,
		"listed tasks",
		"list_id", query.ListID,
		"statuses", query.Statuses,
		"count", len(tasks),
	)
	return tasks, nil
}

func (c *ClickUpClient) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	var task Task
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("include_markdown_description", "true").
		SetResult(&task).
		Get(fmt.Sprintf("/task/%s", taskID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf(
			"%w: get task %s returned %s",
			ErrSourceUnavailable, taskID, resp.Status(),
		)
	}
	return &task, nil
}

func (c *ClickUpClient) CreateTaskFromTemplate(
	ctx context.Context,
	listID string,
	templateID string,
	name string,
) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetBody(map[string]string{"name": name}).
		SetResult(&created).
		Post(fmt.Sprintf("/list/%s/taskTemplate/%s", listID, templateID))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf(
			"%w: create from template %s returned %s: %s",
			ErrSourceUnavailable, templateID, resp.Status(), resp.String(),
		)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: created task has no ID", ErrSourceUnavailable)
	}
	return created.ID, nil
}

func (c *ClickUpClient) updateTask(ctx context.Context, taskID string, body any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetBody(body).
		Put(fmt.Sprintf("/task/%s", taskID))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return fmt.Errorf(
			"%w: update task %s returned %s: %s",
			ErrSourceUnavailable, taskID, resp.Status(), resp.String(),
		)
	}
	return nil
}

func (c *ClickUpClient) SetDueDate(ctx context.Context, taskID string, due time.Time) error {
	return c.updateTask(
		ctx, taskID, map[string]string{
			"due_date": strconv.FormatInt(due.UnixMilli(), 10),
		},
	)
}

func (c *ClickUpClient) AddAssignee(ctx context.Context, taskID string, memberID int64) error {
	return c.updateTask(
		ctx, taskID, map[string]any{
			"assignees": map[string]any{"add": []int64{memberID}},
		},
	)
}

func (c *ClickUpClient) UpdateDescription(
	ctx context.Context,
	taskID string,
	markdown string,
) error {
	return c.updateTask(ctx, taskID, map[string]string{"markdown_content": markdown})
}

func (c *ClickUpClient) FindMemberByEmail(ctx context.Context, email string) (
	*TeamMember,
	error,
) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		Users []TeamMember `json:"users"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/team/%s/user", c.config.TeamID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf(
			"%w: member lookup returned %s",
			ErrSourceUnavailable, resp.Status(),
		)
	}
	for _, member := range result.Users {
		if strings.EqualFold(member.Email, email) {
			m := member
			return &m, nil
		}
	}
	return nil, nil
}

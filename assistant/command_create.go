package assistant

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// createDateTimeLayout is the combined layout the create command
	// accepts: DD/MM/YYYY and 24-hour HH:MM
	createDateTimeLayout = "02/01/2006 15:04"

	// createMaxAdvance is how far ahead a training can be booked
	createMaxAdvance = 18 * 24 * time.Hour

	// createConflictWindow is the gap required either side of an existing
	// booking in the same list
	createConflictWindow = 150 * time.Minute
)

// trainingNameLocation is the zone training names are written in,
// regardless of the booking supervisor's own timezone.
const trainingNameLocation = "Europe/London"

// assessorTrackPattern locates the Track A assessor line in a training
// task's markdown description.
var assessorTrackPattern = regexp.MustCompile(`#### Assessment Track A\s+Assessor: `)

// CreateCommand is a database record of a single use of the create slash
// command, including the ClickUp task it produced (if any).
type CreateCommand struct {
	ModelUintID
	ModelUnixTime
	Interaction

	Department string `json:"department" gorm:"type:string"`

	// Date and Time are the raw option values as submitted
	Date string `json:"date" gorm:"type:string"`
	Time string `json:"time" gorm:"type:string"`

	// TaskID is the created ClickUp task, empty if creation never got
	// that far
	TaskID string `json:"task_id" gorm:"column:task_id"`

	// TrainingName is the task name the booking was created under
	TrainingName string `json:"training_name" gorm:"column:training_name"`

	// DueAt is the booked start time (unix ms)
	DueAt int64 `json:"due_at" gorm:"column:due_at"`
}

func NewCreateCommand(u *UserProfile, i *discordgo.InteractionCreate) *CreateCommand {
	return &CreateCommand{Interaction: *NewUserInteraction(i, u)}
}

// runCreateCommand executes the create command: it validates the
// requested slot, copies the department's template task in ClickUp, and
// edits the deferred interaction response with the outcome.
func (d *Assistant) runCreateCommand(
	ctx context.Context,
	handler InteractionHandler,
	profile *UserProfile,
) {
	ctx, logger := d.getLogger(ctx)
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)

	cmd := NewCreateCommand(profile, i)
	cmd.Acknowledged = true
	started := time.Now().UTC()
	cmd.StartedAt = &started
	if opt, ok := opts[commandOptionDepartment]; ok {
		cmd.Department = opt.StringValue()
	}
	if opt, ok := opts[commandOptionDate]; ok {
		cmd.Date = opt.StringValue()
	}
	if opt, ok := opts[commandOptionTime]; ok {
		cmd.Time = opt.StringValue()
	}
	if _, err := d.writeDB.Create(ctx, cmd); err != nil {
		logger.ErrorContext(ctx, "error creating create command record", tint.Err(err))
	}

	content := d.createResponse(ctx, profile, cmd)
	content = truncate(content, discordMaxMessageLength)

	if _, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content}); err != nil {
		cmd.Error = NullableString(err.Error())
	}

	finished := time.Now().UTC()
	cmd.FinishedAt = &finished
	cmd.Response = &content
	if _, err := d.writeDB.Save(ctx, cmd); err != nil {
		logger.ErrorContext(ctx, "error updating create command record", tint.Err(err))
	}
}

// createResponse validates and executes a booking, mutating cmd with the
// created task details. The returned string is the user-facing result.
func (d *Assistant) createResponse(
	ctx context.Context,
	profile *UserProfile,
	cmd *CreateCommand,
) string {
	ctx, logger := d.getLogger(ctx)

	if missing := profile.MissingFields(); len(missing) > 0 {
		return fmt.Sprintf(
			"Your profile is missing: %s. "+
				"Set them with `/settings set` before booking a training!",
			strings.Join(missing, ", "),
		)
	}

	departments := profile.Departments()
	var dept Department
	if cmd.Department == "" {
		// defaults to the primary department, which Complete() guarantees
		dept = departments[0]
	} else {
		parsed, err := ParseDepartment(cmd.Department)
		if err != nil {
			return fmt.Sprintf("I don't know a department called %q!", cmd.Department)
		}
		if !profile.InDepartment(parsed) {
			return fmt.Sprintf(
				"You're not registered in %s - your departments are: %s",
				parsed,
				departmentNames(departments),
			)
		}
		dept = parsed
	}

	deptConfig, ok := d.config.ClickUp.Departments[dept.ConfigKey()]
	if !ok || deptConfig.ListID == "" || deptConfig.TemplateID == "" {
		logger.WarnContext(
			ctx,
			"department not configured for bookings",
			"department", dept,
		)
		return fmt.Sprintf(
			"%s isn't set up for bookings yet - ask the staff team!", dept,
		)
	}

	loc, err := profile.Location()
	if err != nil {
		return fmt.Sprintf(
			"I couldn't make sense of your timezone %q - "+
				"fix it with `/settings set`!",
			profile.Timezone,
		)
	}

	start, err := time.ParseInLocation(
		createDateTimeLayout,
		cmd.Date+" "+cmd.Time,
		loc,
	)
	if err != nil {
		return "I couldn't read that date/time - use DD/MM/YYYY for the date " +
			"and 24-hour HH:MM for the time!"
	}

	now := time.Now()
	if !start.After(now) {
		return "That time has already passed - pick a time in the future!"
	}
	if start.Sub(now) > createMaxAdvance {
		return "Trainings can only be booked up to 18 days in advance!"
	}

	// due_date_gt/due_date_lt are exclusive
	conflicts, err := d.clickup.ListTasks(
		ctx, TaskQuery{
			ListID: deptConfig.ListID,
			Statuses: []string{
				TaskStatusRequest,
				TaskStatusPendingStaff,
				TaskStatusScheduled,
			},
			DueAfter:  start.Add(-createConflictWindow).UnixMilli() - 1,
			DueBefore: start.Add(createConflictWindow).UnixMilli() + 1,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "conflict check failed", tint.Err(err))
		return "I couldn't reach ClickUp to check for conflicts - try again in a bit!"
	}
	if len(conflicts) > 0 {
		conflict := conflicts[0]
		return fmt.Sprintf(
			"That slot clashes with **%s** (%s your time) - "+
				"bookings need at least 2.5 hours between them!",
			conflict.Name,
			conflict.DueDate.Time().In(loc).Format("02/01/2006 15:04"),
		)
	}

	london, err := time.LoadLocation(trainingNameLocation)
	if err != nil {
		logger.ErrorContext(ctx, "error loading location", tint.Err(err))
		return "Something went wrong on my end - try again in a bit!"
	}
	londonStart := start.In(london)
	tzLabel := "GMT"
	if londonStart.IsDST() {
		tzLabel = "BST"
	}
	name := fmt.Sprintf(
		"%s - %s - %s %s - %s",
		londonStart.Format("02/01/2006"),
		londonStart.Format("Monday"),
		londonStart.Format("15:04"),
		tzLabel,
		profile.RobloxName,
	)
	cmd.TrainingName = name
	cmd.DueAt = start.UnixMilli()

	taskID, err := d.clickup.CreateTaskFromTemplate(
		ctx,
		deptConfig.ListID,
		deptConfig.TemplateID,
		name,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error creating task from template", tint.Err(err))
		return "I couldn't create the booking in ClickUp - try again in a bit!"
	}
	cmd.TaskID = taskID
	logger.InfoContext(
		ctx,
		"created training task",
		"task_id", taskID,
		"name", name,
		"department", dept,
	)

	// The task exists from here on, so later failures are reported as
	// warnings rather than abandoning the booking.
	var warnings []string

	if err = d.clickup.SetDueDate(ctx, taskID, start); err != nil {
		logger.ErrorContext(ctx, "error setting due date", "task_id", taskID, tint.Err(err))
		warnings = append(
			warnings,
			"I couldn't set the due date - ask the staff team to set it manually.",
		)
	}

	member, err := d.clickup.FindMemberByEmail(ctx, profile.ClickUpEmail)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "member lookup failed", tint.Err(err))
		warnings = append(
			warnings,
			"I couldn't look up your ClickUp account to assign you.",
		)
	case member == nil:
		warnings = append(
			warnings,
			fmt.Sprintf(
				"No ClickUp account matches %s - check your `clickup_email` setting.",
				profile.ClickUpEmail,
			),
		)
	default:
		if err = d.clickup.AddAssignee(ctx, taskID, member.ID); err != nil {
			logger.ErrorContext(
				ctx,
				"error assigning member",
				"task_id", taskID,
				"member_id", member.ID,
				tint.Err(err),
			)
			warnings = append(warnings, "I couldn't assign you to the task.")
		}
	}

	var taskURL string
	task, err := d.clickup.GetTask(ctx, taskID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching created task", tint.Err(err))
		warnings = append(
			warnings,
			"I couldn't add you as the assessor in the task description.",
		)
	} else {
		taskURL = task.URL
		updated := insertAssessor(task.MarkdownDescription, profile.RobloxName)
		if updated != task.MarkdownDescription {
			if err = d.clickup.UpdateDescription(ctx, taskID, updated); err != nil {
				logger.ErrorContext(
					ctx,
					"error updating description",
					"task_id", taskID,
					tint.Err(err),
				)
				warnings = append(
					warnings,
					"I couldn't add you as the assessor in the task description.",
				)
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Booked **%s**!\n", name)
	fmt.Fprintf(
		&b,
		"That's %s your time.\n",
		start.In(loc).Format("Monday 02/01/2006 at 15:04"),
	)
	if taskURL != "" {
		fmt.Fprintf(&b, "%s\n", taskURL)
	}
	for _, warning := range warnings {
		fmt.Fprintf(&b, "\n:warning: %s", warning)
	}
	return b.String()
}

// insertAssessor writes the supervisor's name after the Track A assessor
// heading of a training description. If the heading is missing, the
// first bare "Assessor: " line is used instead; if neither appears, the
// description is returned unchanged.
func insertAssessor(markdown string, name string) string {
	if loc := assessorTrackPattern.FindStringIndex(markdown); loc != nil {
		return markdown[:loc[1]] + name + markdown[loc[1]:]
	}
	const marker = "Assessor: "
	if i := strings.Index(markdown, marker); i >= 0 {
		end := i + len(marker)
		return markdown[:end] + name + markdown[end:]
	}
	return markdown
}

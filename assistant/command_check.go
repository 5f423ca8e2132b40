package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// CheckCommand is a database record of a single use of the check slash
// command.
type CheckCommand struct {
	ModelUintID
	ModelUnixTime
	Interaction

	// Department requested via the command option, if any
	Department string `json:"department" gorm:"type:string"`
}

func NewCheckCommand(u *UserProfile, i *discordgo.InteractionCreate) *CheckCommand {
	return &CheckCommand{Interaction: *NewUserInteraction(i, u)}
}

// runCheckCommand executes the check command: it computes the
// supervisor's quota standing for each of their departments (or the one
// requested) and edits the deferred interaction response with the result.
func (d *Assistant) runCheckCommand(
	ctx context.Context,
	handler InteractionHandler,
	profile *UserProfile,
) {
	ctx, logger := d.getLogger(ctx)
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)

	cmd := NewCheckCommand(profile, i)
	cmd.Acknowledged = true
	started := time.Now().UTC()
	cmd.StartedAt = &started
	if opt, ok := opts[commandOptionDepartment]; ok {
		cmd.Department = opt.StringValue()
	}
	if _, err := d.writeDB.Create(ctx, cmd); err != nil {
		logger.ErrorContext(ctx, "error creating check command record", tint.Err(err))
	}

	content := d.checkResponse(ctx, profile, cmd.Department)
	content = truncate(content, discordMaxMessageLength)

	if _, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content}); err != nil {
		cmd.Error = NullableString(err.Error())
	}

	finished := time.Now().UTC()
	cmd.FinishedAt = &finished
	cmd.Response = &content
	if _, err := d.writeDB.Save(ctx, cmd); err != nil {
		logger.ErrorContext(ctx, "error updating check command record", tint.Err(err))
	}
}

// checkResponse builds the quota report for the given profile. If
// requested names a department, only that department is reported.
func (d *Assistant) checkResponse(
	ctx context.Context,
	profile *UserProfile,
	requested string,
) string {
	ctx, logger := d.getLogger(ctx)

	if missing := profile.MissingFields(); len(missing) > 0 {
		return fmt.Sprintf(
			"Your profile is missing: %s. "+
				"Set them with `/settings set` before checking your quota!",
			strings.Join(missing, ", "),
		)
	}

	departments := profile.Departments()
	if requested != "" {
		dept, err := ParseDepartment(requested)
		if err != nil {
			return fmt.Sprintf("I don't know a department called %q!", requested)
		}
		if !profile.InDepartment(dept) {
			return fmt.Sprintf(
				"You're not registered in %s - your departments are: %s",
				dept,
				departmentNames(departments),
			)
		}
		departments = []Department{dept}
	}

	now := time.Now().UTC()
	start, _ := MonthWindow(now)

	var b strings.Builder
	fmt.Fprintf(
		&b,
		"Quota standing for **%s** - %s\n",
		profile.RobloxName,
		start.Format("January 2006"),
	)

	for _, dept := range departments {
		deptConfig, ok := d.config.ClickUp.Departments[dept.ConfigKey()]
		if !ok {
			logger.WarnContext(ctx, "no list configured for department", "department", dept)
			fmt.Fprintf(&b, "\n**%s**: not configured - ask the staff team!\n", dept)
			continue
		}

		window, err := d.calculator.Window(ctx, profile, dept, deptConfig.ListID, now)
		if err != nil {
			logger.ErrorContext(
				ctx,
				"error computing quota window",
				"department", dept,
				tint.Err(err),
			)
		}
		switch {
		case err != nil && window.Completed == 0 && window.Scheduled == 0:
			fmt.Fprintf(
				&b,
				"\n**%s**: I couldn't reach ClickUp - try again in a bit!\n",
				dept,
			)
		case err != nil:
			writeQuotaWindow(&b, window)
			b.WriteString(
				"(ClickUp was only partially reachable - scheduled counts may be incomplete)\n",
			)
		default:
			writeQuotaWindow(&b, window)
		}
	}

	return b.String()
}

func writeQuotaWindow(b *strings.Builder, window *QuotaWindow) {
	fmt.Fprintf(b, "\n**%s** - %s\n", window.Department, window.Verdict())
	fmt.Fprintf(
		b,
		"Completed: %d/%d (%d%%) - hosted %d/%d (%d%%)\n",
		window.Completed,
		window.RequiredTotal,
		window.PercentComplete(),
		window.CompletedHosted,
		window.RequiredHosted,
		window.PercentHosted(),
	)
	if window.Scheduled > 0 {
		fmt.Fprintf(
			b,
			"Scheduled: %d more (%d hosted)\n",
			window.Scheduled,
			window.ScheduledHosted,
		)
	}
}

func departmentNames(departments []Department) string {
	names := make([]string, 0, len(departments))
	for _, dept := range departments {
		names = append(names, dept.String())
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

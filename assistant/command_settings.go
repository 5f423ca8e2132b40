package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// runSettingsCommand executes the settings command. The view subcommand
// shows the supervisor's current profile; set files a [SettingsChange]
// for staff review and posts it to the approval channel.
func (d *Assistant) runSettingsCommand(
	ctx context.Context,
	handler InteractionHandler,
	profile *UserProfile,
) {
	ctx, logger := d.getLogger(ctx)
	i := handler.GetInteraction()
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		logger.WarnContext(ctx, "settings command with no subcommand")
		return
	}
	sub := data.Options[0]

	var content string
	switch sub.Name {
	case settingsSubcommandView:
		content = settingsView(profile)
	case settingsSubcommandSet:
		opts := subcommandOptions(sub)
		field, ok := opts[commandOptionField]
		value, valueOK := opts[commandOptionValue]
		if !ok || !valueOK {
			logger.WarnContext(ctx, "settings set missing options")
			return
		}
		content = d.settingsSet(ctx, profile, field.StringValue(), value.StringValue())
	default:
		logger.WarnContext(ctx, "unknown settings subcommand", "subcommand", sub.Name)
		return
	}

	content = truncate(content, discordMaxMessageLength)
	if _, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content}); err != nil {
		logger.ErrorContext(ctx, "error editing settings response", tint.Err(err))
	}
}

func settingsView(profile *UserProfile) string {
	var b strings.Builder
	b.WriteString("Your supervisor profile:\n")
	for _, field := range []struct {
		name  string
		value string
	}{
		{ProfileFieldRobloxName, profile.RobloxName},
		{ProfileFieldClickUpEmail, profile.ClickUpEmail},
		{ProfileFieldTimezone, profile.Timezone},
		{ProfileFieldPrimaryDepartment, profile.PrimaryDepartment},
		{ProfileFieldSecondaryDepartment, profile.SecondaryDepartment},
		{ProfileFieldReminderPreference, profile.ReminderPreference},
	} {
		fmt.Fprintf(&b, "- `%s`: %s\n", field.name, field.value)
	}
	if missing := profile.MissingFields(); len(missing) > 0 {
		fmt.Fprintf(
			&b,
			"\nStill needed before I can track your quota: %s",
			strings.Join(missing, ", "),
		)
	}
	return b.String()
}

// settingsSet validates the requested change, stores it as pending, and
// posts it to the staff approval channel.
func (d *Assistant) settingsSet(
	ctx context.Context,
	profile *UserProfile,
	field string,
	value string,
) string {
	ctx, logger := d.getLogger(ctx)

	canonical, err := ValidateSettingsValue(field, value)
	if err != nil {
		return fmt.Sprintf("I can't accept that: %s", err.Error())
	}

	current := profileFieldValue(profile, field)
	if canonical == current {
		return fmt.Sprintf("Your `%s` is already %q!", field, canonical)
	}

	change := &SettingsChange{
		ProfileID: profile.ID,
		Field:     field,
		OldValue:  current,
		NewValue:  canonical,
		Status:    SettingsChangePending,
	}
	if _, err = d.writeDB.Create(ctx, change); err != nil {
		logger.ErrorContext(ctx, "error creating settings change", tint.Err(err))
		return "Something went wrong saving your request - try again in a bit!"
	}
	logger.InfoContext(ctx, "filed settings change", "settings_change", change)

	approvalChannel := d.config.Discord.ApprovalChannelID
	if approvalChannel == "" {
		logger.WarnContext(ctx, "no approval channel configured")
	} else {
		msg, sendErr := d.discord.session.ChannelMessageSend(
			approvalChannel,
			fmt.Sprintf(
				"Settings change **#%d**: %s (<@%s>) requests `%s`: %q → %q\n"+
					"Approve with `/review approve id:%d` or deny with `/review deny id:%d`",
				change.ID,
				profile.Username,
				profile.ID,
				field,
				current,
				canonical,
				change.ID,
				change.ID,
			),
		)
		if sendErr != nil {
			logger.ErrorContext(
				ctx,
				"error posting change for review",
				"settings_change", change,
				tint.Err(sendErr),
			)
		} else if msg != nil {
			change.MessageID = msg.ID
			if _, err = d.writeDB.Save(ctx, change); err != nil {
				logger.ErrorContext(
					ctx,
					"error saving change message ID",
					tint.Err(err),
				)
			}
		}
	}

	return fmt.Sprintf(
		"Requested `%s` → %q (change **#%d**). "+
			"The staff team will review it - I'll DM you the outcome!",
		field,
		canonical,
		change.ID,
	)
}

func profileFieldValue(profile *UserProfile, field string) string {
	switch field {
	case ProfileFieldRobloxName:
		return profile.RobloxName
	case ProfileFieldClickUpEmail:
		return profile.ClickUpEmail
	case ProfileFieldTimezone:
		return profile.Timezone
	case ProfileFieldPrimaryDepartment:
		return profile.PrimaryDepartment
	case ProfileFieldSecondaryDepartment:
		return profile.SecondaryDepartment
	case ProfileFieldReminderPreference:
		return profile.ReminderPreference
	default:
		return ""
	}
}

// runReviewCommand executes the staff-only review command, approving or
// denying a pending settings change by ID. Approval applies the change
// to the requesting supervisor's profile and voids any competing pending
// changes for the same field.
func (d *Assistant) runReviewCommand(
	ctx context.Context,
	handler InteractionHandler,
	reviewer *UserProfile,
) {
	ctx, logger := d.getLogger(ctx)
	i := handler.GetInteraction()
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		logger.WarnContext(ctx, "review command with no subcommand")
		return
	}
	sub := data.Options[0]
	opts := subcommandOptions(sub)
	idOption, ok := opts[commandOptionChangeID]
	if !ok {
		logger.WarnContext(ctx, "review command missing change ID")
		return
	}
	changeID := idOption.IntValue()

	var content string
	switch sub.Name {
	case reviewSubcommandApprove:
		content = d.reviewChange(ctx, reviewer, uint(changeID), true)
	case reviewSubcommandDeny:
		content = d.reviewChange(ctx, reviewer, uint(changeID), false)
	default:
		logger.WarnContext(ctx, "unknown review subcommand", "subcommand", sub.Name)
		return
	}

	content = truncate(content, discordMaxMessageLength)
	if _, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content}); err != nil {
		logger.ErrorContext(ctx, "error editing review response", tint.Err(err))
	}
}

func (d *Assistant) reviewChange(
	ctx context.Context,
	reviewer *UserProfile,
	changeID uint,
	approve bool,
) string {
	ctx, logger := d.getLogger(ctx)

	var change SettingsChange
	if err := d.db.First(&change, "id = ?", changeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Sprintf("There's no settings change **#%d**!", changeID)
		}
		logger.ErrorContext(ctx, "error loading settings change", tint.Err(err))
		return "Something went wrong loading that change - try again in a bit!"
	}
	if change.Status != SettingsChangePending {
		return fmt.Sprintf(
			"Change **#%d** was already %s!", change.ID, change.Status,
		)
	}

	reviewed := map[string]any{
		"status":      SettingsChangeDenied,
		"reviewed_by": reviewer.ID,
		"reviewed_at": time.Now().UTC().UnixMilli(),
	}

	if !approve {
		if _, err := d.writeDB.Updates(ctx, &change, reviewed); err != nil {
			logger.ErrorContext(ctx, "error denying settings change", tint.Err(err))
			return "Something went wrong - try again in a bit!"
		}
		logger.InfoContext(ctx, "denied settings change", "settings_change", &change)
		d.notifyChangeOutcome(ctx, &change, false)
		return fmt.Sprintf("Denied change **#%d**.", change.ID)
	}

	target := d.writeDB.ReloadProfile(change.ProfileID)
	if target == nil {
		return fmt.Sprintf(
			"The profile behind change **#%d** no longer exists!", change.ID,
		)
	}
	updates, err := change.Apply(target)
	if err != nil {
		logger.ErrorContext(ctx, "error applying settings change", tint.Err(err))
		return fmt.Sprintf("I couldn't apply change **#%d**: %s", change.ID, err.Error())
	}
	if _, err = d.writeDB.Updates(ctx, target, updates); err != nil {
		logger.ErrorContext(ctx, "error updating profile", tint.Err(err))
		return "Something went wrong updating the profile - try again in a bit!"
	}

	reviewed["status"] = SettingsChangeApproved
	if _, err = d.writeDB.Updates(ctx, &change, reviewed); err != nil {
		logger.ErrorContext(ctx, "error marking change approved", tint.Err(err))
	}

	// Any other pending change for the same field is now stale
	voided, err := d.writeDB.UpdatesWhere(
		ctx,
		&SettingsChange{},
		map[string]any{"status": SettingsChangeVoided},
		"profile_id = ? AND field = ? AND status = ? AND id != ?",
		change.ProfileID,
		change.Field,
		SettingsChangePending,
		change.ID,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error voiding competing changes", tint.Err(err))
	} else if voided > 0 {
		logger.InfoContext(ctx, "voided competing changes", "count", voided)
	}

	// refresh the cached profile
	d.writeDB.ReloadProfile(change.ProfileID)

	logger.InfoContext(ctx, "approved settings change", "settings_change", &change)
	d.notifyChangeOutcome(ctx, &change, true)
	return fmt.Sprintf(
		"Approved change **#%d**: `%s` is now %q for <@%s>.",
		change.ID,
		change.Field,
		change.NewValue,
		change.ProfileID,
	)
}

func (d *Assistant) notifyChangeOutcome(
	ctx context.Context,
	change *SettingsChange,
	approved bool,
) {
	ctx, logger := d.getLogger(ctx)
	outcome := "denied"
	if approved {
		outcome = "approved"
	}
	message := fmt.Sprintf(
		"Your settings change **#%d** (`%s` → %q) was %s!",
		change.ID,
		change.Field,
		change.NewValue,
		outcome,
	)
	if err := d.discord.NotifyUser(ctx, change.ProfileID, message); err != nil {
		logger.WarnContext(
			ctx,
			"couldn't DM change outcome",
			"settings_change", change,
			tint.Err(err),
		)
	}
}

// runContactCommand relays the supervisor's message to the staff contact
// channel.
func (d *Assistant) runContactCommand(
	ctx context.Context,
	handler InteractionHandler,
	profile *UserProfile,
) {
	ctx, logger := d.getLogger(ctx)
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)

	var content string
	messageOption, ok := opts[commandOptionMessage]
	contactChannel := d.config.Discord.ContactChannelID
	switch {
	case !ok || strings.TrimSpace(messageOption.StringValue()) == "":
		content = "There's nothing to send - write a message!"
	case contactChannel == "":
		logger.WarnContext(ctx, "no contact channel configured")
		content = "The contact channel isn't set up yet - ask the staff team directly!"
	default:
		relayed := fmt.Sprintf(
			"Message from %s (<@%s>):\n>>> %s",
			profile.Username,
			profile.ID,
			messageOption.StringValue(),
		)
		if err := d.discord.channelMessageSend(
			contactChannel,
			truncate(relayed, discordMaxMessageLength),
		); err != nil {
			logger.ErrorContext(ctx, "error relaying contact message", tint.Err(err))
			content = "I couldn't deliver your message - try again in a bit!"
		} else {
			logger.InfoContext(ctx, "relayed contact message")
			content = "Sent! The staff team will get back to you."
		}
	}

	content = truncate(content, discordMaxMessageLength)
	if _, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content}); err != nil {
		logger.ErrorContext(ctx, "error editing contact response", tint.Err(err))
	}
}

package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentChannelMessage struct {
	ChannelID string
	Content   string
}

// mockDiscordSession is a recording implementation of
// [DiscordSessionHandler]. Messages are captured instead of sent, and
// DM channels are synthesized as "dm-<user id>".
type mockDiscordSession struct {
	mu       sync.Mutex
	sendErr  error
	messages []sentChannelMessage
}

func (m *mockDiscordSession) sent() []sentChannelMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]sentChannelMessage, len(m.messages))
	copy(msgs, m.messages)
	return msgs
}

func (m *mockDiscordSession) channelMessages(channelID string) []string {
	var contents []string
	for _, msg := range m.sent() {
		if msg.ChannelID == channelID {
			contents = append(contents, msg.Content)
		}
	}
	return contents
}

func (m *mockDiscordSession) Open() error {
	return nil
}

func (m *mockDiscordSession) Close() error {
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.messages = append(
		m.messages,
		sentChannelMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{
		ID:        fmt.Sprintf("msg-%d", len(m.messages)),
		ChannelID: channelID,
		Content:   message,
	}, nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(string) error {
	return nil
}

func (m *mockDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (m *mockDiscordSession) InteractionRespond(
	*discordgo.Interaction,
	*discordgo.InteractionResponse,
	...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockDiscordSession) InteractionResponse(
	*discordgo.Interaction,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	*discordgo.Interaction,
	*discordgo.WebhookEdit,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) InteractionResponseDelete(
	*discordgo.Interaction,
	...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockDiscordSession) FollowupMessageCreate(
	*discordgo.Interaction,
	bool,
	*discordgo.WebhookParams,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) SetIdentify(discordgo.Identify) {}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (m *mockDiscordSession) GatewayBot(
	...discordgo.RequestOption,
) (*discordgo.GatewayBotResponse, error) {
	return &discordgo.GatewayBotResponse{}, nil
}

// testSettingsAssistant builds an Assistant with a real sqlite database
// and a recording Discord session, enough to exercise the settings,
// review and contact command paths.
func testSettingsAssistant(t testing.TB) (*Assistant, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Discord.ApprovalChannelID = "approval-channel"
	cfg.Discord.ContactChannelID = "contact-channel"

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

	session := &mockDiscordSession{}
	d := &Assistant{
		config:  cfg,
		logger:  slog.Default(),
		db:      gormDB,
		writeDB: NewDatabase(gormDB, nil, false),
	}
	d.discord = &Discord{
		session: session,
		config:  cfg.Discord,
		logger:  slog.Default(),
	}
	return d, session
}

func TestSettingsView(t *testing.T) {
	t.Parallel()

	profile := testProfile(t)
	view := settingsView(profile)
	assert.Contains(t, view, "Your supervisor profile:")
	assert.Contains(
		t,
		view,
		fmt.Sprintf("- `%s`: %s", ProfileFieldRobloxName, profile.RobloxName),
	)
	assert.Contains(
		t,
		view,
		fmt.Sprintf("- `%s`: %s", ProfileFieldTimezone, profile.Timezone),
	)
	assert.NotContains(t, view, "Still needed")

	profile.ClickUpEmail = NotSet
	profile.Timezone = NotSet
	view = settingsView(profile)
	assert.Contains(
		t,
		view,
		fmt.Sprintf(
			"Still needed before I can track your quota: %s, %s",
			ProfileFieldClickUpEmail,
			ProfileFieldTimezone,
		),
	)
}

func TestProfileFieldValue(t *testing.T) {
	t.Parallel()
	profile := testProfile(t)

	for field, expected := range map[string]string{
		ProfileFieldRobloxName:          profile.RobloxName,
		ProfileFieldClickUpEmail:        profile.ClickUpEmail,
		ProfileFieldTimezone:            profile.Timezone,
		ProfileFieldPrimaryDepartment:   profile.PrimaryDepartment,
		ProfileFieldSecondaryDepartment: profile.SecondaryDepartment,
		ProfileFieldReminderPreference:  profile.ReminderPreference,
		"no_such_field":                 "",
	} {
		assert.Equal(t, expected, profileFieldValue(profile, field), field)
	}
}

func TestSettingsSet(t *testing.T) {
	t.Parallel()

	t.Run(
		"rejects invalid value", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)
			profile := testProfile(t)

			content := d.settingsSet(
				context.Background(),
				profile,
				ProfileFieldClickUpEmail,
				"not-an-email",
			)
			assert.Contains(t, content, "I can't accept that")
			assert.Empty(t, session.sent())
		},
	)

	t.Run(
		"no change needed", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)
			profile := testProfile(t)

			content := d.settingsSet(
				context.Background(),
				profile,
				ProfileFieldTimezone,
				"Europe/London",
			)
			assert.Contains(t, content, "already")
			assert.Empty(t, session.sent())

			var count int64
			require.NoError(
				t,
				d.db.Model(&SettingsChange{}).Count(&count).Error,
			)
			assert.Zero(t, count)
		},
	)

	t.Run(
		"files pending change", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)
			profile := testProfile(t)

			content := d.settingsSet(
				context.Background(),
				profile,
				ProfileFieldTimezone,
				"America/New_York",
			)
			assert.Contains(t, content, "Requested")
			assert.Contains(t, content, "change **#1**")

			var change SettingsChange
			require.NoError(
				t,
				d.db.First(&change, "profile_id = ?", profile.ID).Error,
			)
			assert.Equal(t, ProfileFieldTimezone, change.Field)
			assert.Equal(t, "Europe/London", change.OldValue)
			assert.Equal(t, "America/New_York", change.NewValue)
			assert.Equal(t, SettingsChangePending, change.Status)
			assert.NotEmpty(t, change.MessageID)

			posted := session.channelMessages("approval-channel")
			require.Len(t, posted, 1)
			assert.Contains(t, posted[0], "Settings change **#1**")
			assert.Contains(
				t,
				posted[0],
				fmt.Sprintf("/review approve id:%d", change.ID),
			)
		},
	)

	t.Run(
		"no approval channel configured", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)
			d.config.Discord.ApprovalChannelID = ""
			profile := testProfile(t)

			content := d.settingsSet(
				context.Background(),
				profile,
				ProfileFieldTimezone,
				"America/New_York",
			)
			// still filed, just not posted anywhere
			assert.Contains(t, content, "Requested")
			assert.Empty(t, session.sent())

			var change SettingsChange
			require.NoError(
				t,
				d.db.First(&change, "profile_id = ?", profile.ID).Error,
			)
			assert.Equal(t, SettingsChangePending, change.Status)
			assert.Empty(t, change.MessageID)
		},
	)
}

func TestReviewChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run(
		"unknown change", func(t *testing.T) {
			t.Parallel()
			d, _ := testSettingsAssistant(t)
			reviewer := testProfile(t)

			content := d.reviewChange(ctx, reviewer, 999, true)
			assert.Equal(t, "There's no settings change **#999**!", content)
		},
	)

	t.Run(
		"deny", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)

			profile := testProfile(t)
			_, err := d.writeDB.Create(ctx, profile)
			require.NoError(t, err)

			change := &SettingsChange{
				ProfileID: profile.ID,
				Field:     ProfileFieldTimezone,
				OldValue:  profile.Timezone,
				NewValue:  "America/New_York",
				Status:    SettingsChangePending,
			}
			_, err = d.writeDB.Create(ctx, change)
			require.NoError(t, err)

			reviewer := testProfile(t)
			reviewer.ID = "reviewer"

			content := d.reviewChange(ctx, reviewer, change.ID, false)
			assert.Equal(
				t,
				fmt.Sprintf("Denied change **#%d**.", change.ID),
				content,
			)

			var denied SettingsChange
			require.NoError(t, d.db.First(&denied, "id = ?", change.ID).Error)
			assert.Equal(t, SettingsChangeDenied, denied.Status)
			assert.Equal(t, reviewer.ID, denied.ReviewedBy)
			assert.NotZero(t, denied.ReviewedAt)

			// the profile is untouched
			var unchanged UserProfile
			require.NoError(
				t,
				d.db.First(&unchanged, "id = ?", profile.ID).Error,
			)
			assert.Equal(t, "Europe/London", unchanged.Timezone)

			// the requester got a DM with the outcome
			dms := session.channelMessages("dm-" + profile.ID)
			require.Len(t, dms, 1)
			assert.Contains(t, dms[0], "was denied!")
		},
	)

	t.Run(
		"approve voids competing changes", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)

			profile := testProfile(t)
			_, err := d.writeDB.Create(ctx, profile)
			require.NoError(t, err)

			approved := &SettingsChange{
				ProfileID: profile.ID,
				Field:     ProfileFieldTimezone,
				OldValue:  profile.Timezone,
				NewValue:  "America/New_York",
				Status:    SettingsChangePending,
			}
			competing := &SettingsChange{
				ProfileID: profile.ID,
				Field:     ProfileFieldTimezone,
				OldValue:  profile.Timezone,
				NewValue:  "UTC",
				Status:    SettingsChangePending,
			}
			unrelated := &SettingsChange{
				ProfileID: profile.ID,
				Field:     ProfileFieldClickUpEmail,
				OldValue:  profile.ClickUpEmail,
				NewValue:  "new@example.com",
				Status:    SettingsChangePending,
			}
			for _, change := range []*SettingsChange{approved, competing, unrelated} {
				_, err = d.writeDB.Create(ctx, change)
				require.NoError(t, err)
			}

			reviewer := testProfile(t)
			reviewer.ID = "reviewer"

			content := d.reviewChange(ctx, reviewer, approved.ID, true)
			assert.Contains(t, content, "Approved change")
			assert.Contains(t, content, "America/New_York")

			var updated UserProfile
			require.NoError(
				t,
				d.db.First(&updated, "id = ?", profile.ID).Error,
			)
			assert.Equal(t, "America/New_York", updated.Timezone)

			statuses := map[uint]string{
				approved.ID:  SettingsChangeApproved,
				competing.ID: SettingsChangeVoided,
				unrelated.ID: SettingsChangePending,
			}
			for id, expected := range statuses {
				var change SettingsChange
				require.NoError(t, d.db.First(&change, "id = ?", id).Error)
				assert.Equal(t, expected, change.Status, "change %d", id)
			}

			dms := session.channelMessages("dm-" + profile.ID)
			require.Len(t, dms, 1)
			assert.Contains(t, dms[0], "was approved!")

			// a second review of the same change is rejected
			content = d.reviewChange(ctx, reviewer, approved.ID, true)
			assert.Contains(t, content, "already approved")
		},
	)

	t.Run(
		"orphaned profile", func(t *testing.T) {
			t.Parallel()
			d, _ := testSettingsAssistant(t)

			change := &SettingsChange{
				ProfileID: "gone",
				Field:     ProfileFieldTimezone,
				OldValue:  NotSet,
				NewValue:  "UTC",
				Status:    SettingsChangePending,
			}
			_, err := d.writeDB.Create(ctx, change)
			require.NoError(t, err)

			reviewer := testProfile(t)
			content := d.reviewChange(ctx, reviewer, change.ID, true)
			assert.Contains(t, content, "no longer exists")
		},
	)
}

// stubInteractionHandler is an [InteractionHandler] that records edits
// instead of calling Discord.
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate

	mu    sync.Mutex
	edits []*discordgo.WebhookEdit
}

func (h *stubInteractionHandler) Respond(
	context.Context,
	*discordgo.InteractionResponse,
) error {
	return nil
}

func (h *stubInteractionHandler) GetResponse(context.Context) (
	*discordgo.Message,
	error,
) {
	return &discordgo.Message{}, nil
}

func (h *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.edits = append(h.edits, e)
	return &discordgo.Message{}, nil
}

func (h *stubInteractionHandler) Delete(
	context.Context,
	...discordgo.RequestOption,
) {
}

func (h *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return h.interaction
}

func (h *stubInteractionHandler) Logger() *slog.Logger {
	return slog.Default()
}

// lastEdit returns the content of the most recent response edit,
// failing the test if there were none.
func (h *stubInteractionHandler) lastEdit(t testing.TB) string {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.edits)
	edit := h.edits[len(h.edits)-1]
	require.NotNil(t, edit.Content)
	return *edit.Content
}

func commandInteraction(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *stubInteractionHandler {
	return &stubInteractionHandler{
		interaction: &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				Type: discordgo.InteractionApplicationCommand,
				Data: discordgo.ApplicationCommandInteractionData{
					Name:    name,
					Options: options,
				},
			},
		},
	}
}

func stringOption(
	name string,
	value string,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Type:  discordgo.ApplicationCommandOptionString,
		Name:  name,
		Value: value,
	}
}

func TestRunContactCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run(
		"relays the message", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)
			profile := testProfile(t)
			handler := commandInteraction(
				DiscordSlashCommandContact,
				stringOption(commandOptionMessage, "hello staff"),
			)

			d.runContactCommand(ctx, handler, profile)

			relayed := session.channelMessages("contact-channel")
			require.Len(t, relayed, 1)
			assert.Contains(t, relayed[0], "Message from")
			assert.Contains(t, relayed[0], profile.Username)
			assert.Contains(t, relayed[0], ">>> hello staff")
			assert.Contains(t, handler.lastEdit(t), "Sent!")
		},
	)

	t.Run(
		"empty message", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)
			handler := commandInteraction(
				DiscordSlashCommandContact,
				stringOption(commandOptionMessage, "   "),
			)

			d.runContactCommand(ctx, handler, testProfile(t))
			assert.Empty(t, session.sent())
			assert.Contains(t, handler.lastEdit(t), "nothing to send")
		},
	)

	t.Run(
		"no contact channel configured", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)
			d.config.Discord.ContactChannelID = ""
			handler := commandInteraction(
				DiscordSlashCommandContact,
				stringOption(commandOptionMessage, "hello staff"),
			)

			d.runContactCommand(ctx, handler, testProfile(t))
			assert.Empty(t, session.sent())
			assert.Contains(t, handler.lastEdit(t), "isn't set up yet")
		},
	)

	t.Run(
		"delivery failure", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)
			session.sendErr = fmt.Errorf("discord is down")
			handler := commandInteraction(
				DiscordSlashCommandContact,
				stringOption(commandOptionMessage, "hello staff"),
			)

			d.runContactCommand(ctx, handler, testProfile(t))
			assert.Contains(t, handler.lastEdit(t), "couldn't deliver")
		},
	)
}

func TestRunSettingsCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run(
		"view", func(t *testing.T) {
			t.Parallel()
			d, _ := testSettingsAssistant(t)
			profile := testProfile(t)
			handler := commandInteraction(
				DiscordSlashCommandSettings,
				&discordgo.ApplicationCommandInteractionDataOption{
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Name: settingsSubcommandView,
				},
			)

			d.runSettingsCommand(ctx, handler, profile)

			content := handler.lastEdit(t)
			assert.Contains(t, content, "Your supervisor profile:")
			assert.Contains(t, content, profile.RobloxName)
		},
	)

	t.Run(
		"set", func(t *testing.T) {
			t.Parallel()
			d, session := testSettingsAssistant(t)
			profile := testProfile(t)
			handler := commandInteraction(
				DiscordSlashCommandSettings,
				&discordgo.ApplicationCommandInteractionDataOption{
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Name: settingsSubcommandSet,
					Options: []*discordgo.ApplicationCommandInteractionDataOption{
						stringOption(commandOptionField, ProfileFieldTimezone),
						stringOption(commandOptionValue, "America/New_York"),
					},
				},
			)

			d.runSettingsCommand(ctx, handler, profile)

			assert.Contains(t, handler.lastEdit(t), "Requested")
			require.Len(t, session.channelMessages("approval-channel"), 1)
		},
	)
}

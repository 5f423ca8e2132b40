package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordInteractionTokenLifespan defines the lifespan of a Discord interaction token.
	// Discord interaction tokens currently expire after 15 minutes.
	discordInteractionTokenLifespan = 15 * time.Minute

	// Option names shared by the slash commands
	commandOptionDepartment = "department"
	commandOptionDate       = "date"
	commandOptionTime       = "time"
	commandOptionField      = "field"
	commandOptionValue      = "value"
	commandOptionMessage    = "message"
	commandOptionChangeID   = "id"

	// Subcommand names
	settingsSubcommandView  = "view"
	settingsSubcommandSet   = "set"
	reviewSubcommandApprove = "approve"
	reviewSubcommandDeny    = "deny"
)

// Discord manages the gateway session, registers the bot's slash
// commands, and provides the messaging surface the rest of the bot uses
// (interaction responses, DMs, staff channel posts).
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	a                           *Assistant
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, fmt.Errorf("nil discord config")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	session.session.LogLevel = discordgo.LogDebug
	if err != nil {
		return session, err
	}

	return session, nil
}

func departmentChoices() []*discordgo.ApplicationCommandOptionChoice {
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(Departments))
	for _, dept := range Departments {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  dept.String(),
				Value: dept.String(),
			},
		)
	}
	return choices
}

// appCommandCheck creates the "check" command, which reports the
// supervisor's quota standing.
func (*Discord) appCommandCheck() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandCheck,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Check your monthly training quota standing",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionDepartment,
				Description: "Defaults to all of your departments",
				Choices:     departmentChoices(),
			},
		},
	}
}

// appCommandCreate creates the "create" command, which books a new
// training session in ClickUp.
func (*Discord) appCommandCreate() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandCreate,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Request a new training session",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionDate,
				Description: "Date in DD/MM/YYYY format, in YOUR timezone",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionTime,
				Description: "24-hour time in HH:MM format, in YOUR timezone",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionDepartment,
				Description: "Defaults to your primary department",
				Choices:     departmentChoices(),
			},
		},
	}
}

func settingsFieldChoices() []*discordgo.ApplicationCommandOptionChoice {
	fields := []struct {
		label string
		value string
	}{
		{"Roblox username", ProfileFieldRobloxName},
		{"ClickUp email", ProfileFieldClickUpEmail},
		{"Timezone", ProfileFieldTimezone},
		{"Primary department", ProfileFieldPrimaryDepartment},
		{"Secondary department", ProfileFieldSecondaryDepartment},
		{"Reminder preferences", ProfileFieldReminderPreference},
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(fields))
	for _, f := range fields {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  f.label,
				Value: f.value,
			},
		)
	}
	return choices
}

// appCommandSettings creates the "settings" command. Edits go through
// staff review rather than applying immediately.
func (*Discord) appCommandSettings() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandSettings,
		Type:        discordgo.ChatApplicationCommand,
		Description: "View or update your supervisor profile",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        settingsSubcommandView,
				Description: "Show your current profile",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        settingsSubcommandSet,
				Description: "Request a profile change (requires staff approval)",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        commandOptionField,
						Description: "The profile field to change",
						Required:    true,
						Choices:     settingsFieldChoices(),
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        commandOptionValue,
						Description: "The new value",
						Required:    true,
					},
				},
			},
		},
	}
}

// appCommandReview creates the staff-only "review" command for
// approving or denying pending settings changes.
func (*Discord) appCommandReview() *discordgo.ApplicationCommand {
	needsManageGuild := int64(discordgo.PermissionManageServer)
	idOption := []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        commandOptionChangeID,
			Description: "The pending change ID",
			Required:    true,
		},
	}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandReview,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Review a pending settings change",
		DefaultMemberPermissions: &needsManageGuild,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        reviewSubcommandApprove,
				Description: "Approve a pending settings change",
				Options:     idOption,
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        reviewSubcommandDeny,
				Description: "Deny a pending settings change",
				Options:     idOption,
			},
		},
	}
}

// appCommandContact creates the "contact" command, which relays a
// message to the staff contact channel.
func (*Discord) appCommandContact() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandContact,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Send a message to the supervisor staff team",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionMessage,
				Description: "What would you like to tell the staff team?",
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   discordMaxMessageLength,
			},
		},
	}
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

// NotifyUser sends a direct message to the given user, implementing
// [NotificationSink].
func (d *Discord) NotifyUser(ctx context.Context, userID string, message string) error {
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("creating DM channel for %s: %w", userID, err)
	}
	if err = d.channelMessageSend(channel.ID, message); err != nil {
		return fmt.Errorf("sending DM to %s: %w", userID, err)
	}
	d.logger.InfoContext(ctx, "sent DM", "user_id", userID)
	return nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		config := d.a.RuntimeConfig()
		if config.NotificationChannelID != "" {
			d.logger.Info("sending notification")
			if sendErr := d.channelMessageSend(
				config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			} else {
				d.logger.Info("sent notification")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandCheck(),
		d.appCommandCreate(),
		d.appCommandSettings(),
		d.appCommandReview(),
		d.appCommandContact(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands to create")
		panic("no commands to create")
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

// ackResponseFlag returns the appropriate discordgo.MessageFlags based on the given command.
func (*Discord) ackResponseFlag(command string) discordgo.MessageFlags {
	switch command {
	case DiscordSlashCommandCheck:
		return discordgo.MessageFlagsLoading
	case DiscordSlashCommandCreate:
		return discordgo.MessageFlagsLoading
	default:
		return discordgo.MessageFlagsEphemeral
	}
}

func (d *Discord) ackResponse(commandName string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: d.ackResponseFlag(commandName),
		},
	}
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate creates (or fetches) the DM channel with a user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponse gets the response to an interaction
	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends a followup message for an interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(options ...discordgo.RequestOption) (st *discordgo.GatewayBotResponse, err error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	d.logger.Info("retrieving gateway bot")
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	} else {
		d.logger.Info("retrieved gateway bot", "gateway_bot", structToSlogValue(gb))
	}
	return gb, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.InteractionResponse(interaction, options...)
	if err != nil {
		d.logger.Error("error getting interaction response", tint.Err(err))
	} else {
		d.logger.Info("got interaction response", "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(
	status string,
) error {
	return d.session.UpdateCustomStatus(status)
}

// DiscordMessage is a DB model which logs details about an incoming discord message
// received via the discordgo.MessageCreate handler. These are generally
// limited to messages that mention the bot user.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID           string `json:"message_id"`
	Content             string `json:"content"`
	ChannelID           string `json:"channel_id"`
	GuildID             string `json:"guild_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	ReferencedMessageID string `json:"referenced_message_id"`
	Payload             string `json:"payload"`
}

func NewDiscordMessage(m *discordgo.Message) DiscordMessage {
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	dm := DiscordMessage{
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}

	if user != nil {
		dm.UserID = user.ID
		dm.Username = user.Username
	}

	if m.MessageReference != nil {
		dm.ReferencedMessageID = m.MessageReference.MessageID
	} else if m.ReferencedMessage != nil {
		dm.ReferencedMessageID = m.ReferencedMessage.ID
	}

	data, err := json.Marshal(m)
	if err != nil {
		slog.Default().Error("failed to marshal discord message", tint.Err(err))
	}
	dm.Payload = string(data)
	return dm
}

func (m DiscordMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
	)
}

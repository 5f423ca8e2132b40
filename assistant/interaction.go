package assistant

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Context       string `json:"context" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       i.Context.String(),
		Payload:       string(p),
	}
	return interactionLog, nil
}

// Interaction is a 'base' struct of fields for Discord interactions, shared
// across interaction types
type Interaction struct {
	UserID           string       `json:"user_id" gorm:"index;not null;default:null"`
	InteractionID    string       `json:"interaction_id" gorm:"not null;default:null;uniqueIndex"`
	DiscordMessageID string       `json:"discord_message_id" gorm:"type:string"`
	Token            string       `json:"token" gorm:"type:string"`
	TokenExpires     int64        `json:"token_expires"`
	AppID            string       `json:"application_id"`
	Type             string       `json:"type"`
	GuildID          string       `json:"guild_id"`
	ChannelID        string       `json:"channel_id"`
	CommandContext   string       `json:"context" gorm:"type:string"`
	Content          string       `json:"content" gorm:"type:string"`
	User             *UserProfile `json:"user" gorm:"->"`
	StartedAt        *time.Time   `json:"started_at" gorm:"type:timestamp"`

	FinishedAt   *time.Time `json:"finished_at" gorm:"type:timestamp"`
	Acknowledged bool       `json:"acknowledged"`

	// Response is the content of the final message returned
	// to the user, either the successful 'answer' response,
	// or possibly an error/warning message
	Response *string `json:"response" gorm:"type:string"`

	// Error is a string representation of error(s) encountered
	// while processing the request
	Error NullableString `json:"error"` // gorm:"default:null"`
}

func NewUserInteraction(i *discordgo.InteractionCreate, u *UserProfile) *Interaction {
	created := time.Now().UTC()
	r := &Interaction{
		InteractionID:  i.ID,
		Token:          i.Token,
		TokenExpires:   created.Add(discordInteractionTokenLifespan).UnixMilli(),
		AppID:          i.AppID,
		Type:           i.Type.String(),
		GuildID:        i.GuildID,
		ChannelID:      i.ChannelID,
		CommandContext: i.Context.String(),
	}
	if u != nil {
		r.User = u
		r.UserID = u.ID
	}

	content, err := json.Marshal(i)
	if err != nil {
		slog.Default().Error(
			"error marshaling json",
			tint.Err(err),
			"interaction", r,
		)
	}
	r.Content = string(content)

	return r
}

func (i Interaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", i.UserID),
		slog.String("interaction_id", i.InteractionID),
		slog.Int64("token_expires", i.TokenExpires),
		slog.String("app_id", i.AppID),
		slog.String("type", i.Type),
		slog.String("command_context", i.CommandContext),
	)
}

// InteractionHandler provides the methods commands use to respond to a
// Discord interaction: acknowledging it, editing the deferred response,
// and deleting it on unrecoverable errors.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for an interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions received
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(
		w.interaction.Interaction,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "got interaction response", "message", msg)
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

type NullableString string

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) Scan(value any) error {
	if value == nil {
		*ns = ""
		return nil
	}
	strVal, ok := value.(string)
	if !ok {
		return errors.New("failed to cast to string")
	}
	*ns = NullableString(strVal)
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) Value() (driver.Value, error) {
	if ns == "" {
		return nil, nil
	}
	return string(ns), nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) MarshalJSON() ([]byte, error) {
	if ns == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(ns))
}

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ns = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*ns = NullableString(s)
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) GoString() string {
	return string(ns)
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) String() string {
	return string(ns)
}

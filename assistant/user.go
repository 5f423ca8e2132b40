package assistant

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NotSet is the sentinel stored in profile fields the supervisor hasn't
// filled in yet.
const NotSet = "Not set"

var (
	columnUserProfileUsername   = "username"
	columnUserProfileRobloxName = "roblox_name"
	columnUserProfileLastSeen   = "last_seen"
)

// Profile field names accepted by the settings command.
const (
	ProfileFieldRobloxName          = "roblox_username"
	ProfileFieldClickUpEmail        = "clickup_email"
	ProfileFieldTimezone            = "timezone"
	ProfileFieldPrimaryDepartment   = "primary_department"
	ProfileFieldSecondaryDepartment = "secondary_department"
	ProfileFieldReminderPreference  = "reminder_preferences"
)

// ReminderPreference controls which background notifications a
// supervisor receives.
type ReminderPreference string

const (
	RemindersNone     ReminderPreference = "No reminders"
	RemindersQuota    ReminderPreference = "Quota reminders"
	RemindersTraining ReminderPreference = "Training reminders"
	RemindersAll      ReminderPreference = "Quota and Training reminders"
)

var ReminderPreferences = []ReminderPreference{
	RemindersNone,
	RemindersQuota,
	RemindersTraining,
	RemindersAll,
}

// ParseReminderPreference parses a reminder preference display value,
// case-insensitively.
func ParseReminderPreference(s string) (ReminderPreference, error) {
	for _, p := range ReminderPreferences {
		if strings.EqualFold(s, string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown reminder preference: %q", s)
}

// QuotaEnabled reports whether quota reminders should be sent.
func (p ReminderPreference) QuotaEnabled() bool {
	return p == RemindersQuota || p == RemindersAll
}

// TrainingEnabled reports whether upcoming-training reminders should
// be sent.
func (p ReminderPreference) TrainingEnabled() bool {
	return p == RemindersTraining || p == RemindersAll
}

// UserProfile is a record of a Discord user and their supervisor
// settings. A profile is created with every field set to [NotSet] the
// first time a user interacts with the bot; background jobs skip
// profiles until all required fields are filled in.
//
//nolint:lll // struct tags can't be split
type UserProfile struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bot profiles are never
	// considered complete.
	Bot bool `json:"bot" gorm:"type:bool"`

	// RobloxName is the supervisor's Roblox display name, matched against
	// task titles to detect hosting
	RobloxName string `json:"roblox_username" gorm:"column:roblox_name"`

	// ClickUpEmail is the email of the supervisor's ClickUp account,
	// matched against task assignees
	ClickUpEmail string `json:"clickup_email" gorm:"column:clickup_email"`

	// Timezone is an IANA timezone name (e.g. "Europe/London"), used to
	// interpret dates the supervisor submits
	Timezone string `json:"timezone" gorm:"type:string"`

	// PrimaryDepartment is the supervisor's main department
	PrimaryDepartment string `json:"primary_department" gorm:"column:primary_department"`

	// SecondaryDepartment is optional
	SecondaryDepartment string `json:"secondary_department" gorm:"column:secondary_department"`

	// ReminderPreference controls background notifications
	ReminderPreference string `json:"reminder_preferences" gorm:"column:reminder_preferences"`

	// LastSeen is the last time this user was seen in a Discord interaction
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

// NewUserProfile creates a profile for a newly-seen Discord user, with
// all supervisor fields unset.
func NewUserProfile(u discordgo.User) *UserProfile {
	return &UserProfile{
		ID:                  u.ID,
		Username:            u.Username,
		Bot:                 u.Bot,
		RobloxName:          NotSet,
		ClickUpEmail:        NotSet,
		Timezone:            NotSet,
		PrimaryDepartment:   NotSet,
		SecondaryDepartment: NotSet,
		ReminderPreference:  NotSet,
		LastSeen:            time.Now().UTC().UnixMilli(),
	}
}

func (p *UserProfile) String() string {
	return fmt.Sprintf("%s [%s]", p.Username, p.ID)
}

// MissingFields returns the required profile fields still holding the
// [NotSet] sentinel. The secondary department is optional and never
// reported.
func (p *UserProfile) MissingFields() []string {
	var missing []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{ProfileFieldRobloxName, p.RobloxName},
		{ProfileFieldClickUpEmail, p.ClickUpEmail},
		{ProfileFieldTimezone, p.Timezone},
		{ProfileFieldPrimaryDepartment, p.PrimaryDepartment},
		{ProfileFieldReminderPreference, p.ReminderPreference},
	} {
		if field.value == "" || field.value == NotSet {
			missing = append(missing, field.name)
		}
	}
	return missing
}

// Complete reports whether every required profile field is set.
func (p *UserProfile) Complete() bool {
	return !p.Bot && len(p.MissingFields()) == 0
}

// Departments returns the supervisor's departments in order, primary
// first. Unset or unparseable entries are skipped.
func (p *UserProfile) Departments() []Department {
	var departments []Department
	for _, name := range []string{p.PrimaryDepartment, p.SecondaryDepartment} {
		if name == "" || name == NotSet {
			continue
		}
		dept, err := ParseDepartment(name)
		if err != nil {
			continue
		}
		departments = append(departments, dept)
	}
	return departments
}

// InDepartment reports whether the supervisor belongs to the given
// department.
func (p *UserProfile) InDepartment(department Department) bool {
	for _, d := range p.Departments() {
		if d == department {
			return true
		}
	}
	return false
}

// Location resolves the profile's timezone.
func (p *UserProfile) Location() (*time.Location, error) {
	if p.Timezone == "" || p.Timezone == NotSet {
		return nil, fmt.Errorf("timezone not set")
	}
	return time.LoadLocation(p.Timezone)
}

// Reminders returns the profile's reminder preference, defaulting to
// none when unset or unrecognized.
func (p *UserProfile) Reminders() ReminderPreference {
	pref, err := ParseReminderPreference(p.ReminderPreference)
	if err != nil {
		return RemindersNone
	}
	return pref
}

func (p *UserProfile) LogValue() slog.Value {
	if p == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String(columnUserProfileUsername, p.Username),
		slog.String(columnUserProfileRobloxName, p.RobloxName),
		slog.String("primary_department", p.PrimaryDepartment),
		slog.Bool("complete", p.Complete()),
	)
}

// Settings change review states.
const (
	SettingsChangePending  = "pending"
	SettingsChangeApproved = "approved"
	SettingsChangeDenied   = "denied"
	SettingsChangeVoided   = "voided"
)

// SettingsChange is a requested profile edit awaiting staff review. The
// profile is only updated when the change is approved.
//
//nolint:lll // struct tags can't be split
type SettingsChange struct {
	ModelUintID

	// ProfileID is the Discord user ID of the requesting supervisor
	ProfileID string `json:"profile_id" gorm:"column:profile_id;index"`

	// Field is the profile field being changed (e.g. "timezone")
	Field string `json:"field" gorm:"type:string"`

	OldValue string `json:"old_value" gorm:"column:old_value"`
	NewValue string `json:"new_value" gorm:"column:new_value"`

	// Status is one of pending, approved, denied or voided
	Status string `json:"status" gorm:"type:string;index;default:pending"`

	// ReviewedBy is the Discord user ID of the reviewing staff member
	ReviewedBy string `json:"reviewed_by" gorm:"column:reviewed_by"`

	// ReviewedAt is when the change left the pending state (unix ms)
	ReviewedAt int64 `json:"reviewed_at" gorm:"column:reviewed_at"`

	// MessageID is the approval-channel message posted for this change
	MessageID string `json:"message_id" gorm:"column:message_id"`

	ModelUnixTime
}

func (s *SettingsChange) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(s.ID)),
		slog.String("profile_id", s.ProfileID),
		slog.String("field", s.Field),
		slog.String("new_value", s.NewValue),
		slog.String("status", s.Status),
	)
}

// ValidateSettingsValue checks that value is acceptable for the given
// profile field, returning the canonical form to store.
func ValidateSettingsValue(field string, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("value cannot be empty")
	}
	switch field {
	case ProfileFieldRobloxName:
		return value, nil
	case ProfileFieldClickUpEmail:
		if !strings.Contains(value, "@") {
			return "", fmt.Errorf("%q does not look like an email address", value)
		}
		return value, nil
	case ProfileFieldTimezone:
		if _, err := time.LoadLocation(value); err != nil {
			return "", fmt.Errorf("unknown timezone %q", value)
		}
		return value, nil
	case ProfileFieldPrimaryDepartment, ProfileFieldSecondaryDepartment:
		dept, err := ParseDepartment(value)
		if err != nil {
			return "", err
		}
		return dept.String(), nil
	case ProfileFieldReminderPreference:
		pref, err := ParseReminderPreference(value)
		if err != nil {
			return "", err
		}
		return string(pref), nil
	default:
		return "", fmt.Errorf("unknown profile field: %q", field)
	}
}

// Apply writes the change's new value onto the profile, returning the
// update map for persistence.
func (s *SettingsChange) Apply(profile *UserProfile) (map[string]any, error) {
	switch s.Field {
	case ProfileFieldRobloxName:
		profile.RobloxName = s.NewValue
		return map[string]any{columnUserProfileRobloxName: s.NewValue}, nil
	case ProfileFieldClickUpEmail:
		profile.ClickUpEmail = s.NewValue
		return map[string]any{"clickup_email": s.NewValue}, nil
	case ProfileFieldTimezone:
		profile.Timezone = s.NewValue
		return map[string]any{"timezone": s.NewValue}, nil
	case ProfileFieldPrimaryDepartment:
		profile.PrimaryDepartment = s.NewValue
		return map[string]any{"primary_department": s.NewValue}, nil
	case ProfileFieldSecondaryDepartment:
		profile.SecondaryDepartment = s.NewValue
		return map[string]any{"secondary_department": s.NewValue}, nil
	case ProfileFieldReminderPreference:
		profile.ReminderPreference = s.NewValue
		return map[string]any{"reminder_preferences": s.NewValue}, nil
	default:
		return nil, fmt.Errorf("unknown profile field: %q", s.Field)
	}
}

// Notification kinds recorded in the sent-notification ledger.
const (
	NotificationQuota    = "quota"
	NotificationTraining = "training"
)

// SentNotification is the durable ledger of reminder notifications, used
// to guarantee at-most-once delivery across restarts. DedupKey uniquely
// identifies a notification: for quota reminders it covers the profile,
// department and UTC day; for training reminders the profile, task and
// checkpoint label.
//
//nolint:lll // struct tags can't be split
type SentNotification struct {
	ModelUintID

	ProfileID string `json:"profile_id" gorm:"column:profile_id;index"`

	// Kind is "quota" or "training"
	Kind string `json:"kind" gorm:"type:string"`

	Department string `json:"department,omitempty" gorm:"type:string"`
	TaskID     string `json:"task_id,omitempty" gorm:"column:task_id"`
	Threshold  string `json:"threshold,omitempty" gorm:"type:string"`

	DedupKey string `json:"dedup_key" gorm:"column:dedup_key;uniqueIndex"`

	SentAt int64 `json:"sent_at" gorm:"column:sent_at"`

	ModelUnixTime
}

// QuotaDedupKey identifies a quota reminder for one profile, department
// and UTC day.
func QuotaDedupKey(profileID string, department Department, day time.Time) string {
	return fmt.Sprintf(
		"quota:%s:%s:%s",
		profileID,
		department,
		day.UTC().Format("2006-01-02"),
	)
}

// TrainingDedupKey identifies a training checkpoint reminder for one
// profile, task and threshold label.
func TrainingDedupKey(profileID string, taskID string, threshold string) string {
	return fmt.Sprintf("training:%s:%s:%s", profileID, taskID, threshold)
}

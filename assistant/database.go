package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	customIDFormat = "%s:%s"
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelStringID struct {
	ID string `gorm:"primaryKey" json:"id"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database wraps the GORM connection and implements [DBI].
//
// Writes are serialized with a mutex unless concurrent writes are enabled
// (postgres). It also holds the in-memory [UserProfile] cache, keyed by
// Discord user ID.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	profileCache           map[string]*UserProfile
	cacheMu                sync.Mutex
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance with the provided GORM
// connection. If log is nil, the default logger is used.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	d := &database{
		db:                     db,
		profileCache:           map[string]*UserProfile{},
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
	return d
}

func (d *database) ProfileCache() map[string]*UserProfile {
	return d.profileCache
}

func (d *database) ProfileCacheLock() {
	d.cacheMu.Lock()
}

func (d *database) ProfileCacheUnlock() {
	d.cacheMu.Unlock()
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// LoadProfiles replaces the profile cache with all [UserProfile] records.
func (d *database) LoadProfiles() []UserProfile {
	d.profileCache = map[string]*UserProfile{}

	var profiles []UserProfile
	_ = d.db.Find(&profiles)
	for i := 0; i < len(profiles); i++ {
		p := profiles[i]
		d.profileCache[p.ID] = &p
	}
	return profiles
}

func (d *database) GetProfile(userID string) *UserProfile {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.profileCache[userID]
}

func (d *database) ReloadProfile(userID string) *UserProfile {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var profile UserProfile
	if err := d.db.Where("id = ?", userID).Last(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			delete(d.profileCache, userID)
		}
		return nil
	}
	d.profileCache[userID] = &profile

	return &profile
}

// GetOrCreateProfile retrieves a profile from the cache or the database,
// creating a new record with unset fields if one does not exist.
func (d *database) GetOrCreateProfile(
	ctx context.Context,
	u discordgo.User,
) (*UserProfile, bool, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = slog.Default()
	}

	if profile, cached := d.profileCache[u.ID]; cached {
		profile.LastSeen = time.Now().UTC().UnixMilli()
		updates := map[string]any{columnUserProfileLastSeen: profile.LastSeen}

		if profile.Username != u.Username {
			log.Info(
				"user changed username since last seen",
				"old", profile.Username,
				"new", u.Username,
			)
			profile.Username = u.Username
			updates[columnUserProfileUsername] = u.Username
		}
		if _, err := d.Updates(context.TODO(), profile, updates); err != nil {
			log.Error("error updating profile", "profile", profile, tint.Err(err))
		}
		return profile, false, nil
	}

	profile := NewUserProfile(u)
	log.InfoContext(ctx, "creating new profile", "profile", profile)

	_, err := d.Create(ctx, profile)
	if err != nil {
		log.Error("error creating profile", "profile", profile, tint.Err(err))
		return nil, true, err
	}

	d.profileCache[u.ID] = profile
	return profile, true, nil
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	db := d.db
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db = db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Transaction(fc, opts...)
	return rv
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	if len(omit) > 0 {
		rv := d.db.WithContext(ctx).Omit(omit...).Save(value)
		return rv.RowsAffected, rv.Error
	}
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	rv := d.db.Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	// ProfileCacheLock locks the in-memory UserProfile cache
	ProfileCacheLock()

	// ProfileCacheUnlock unlocks the in-memory UserProfile cache
	ProfileCacheUnlock()

	// ProfileCache returns the in-memory cache of UserProfile objects
	ProfileCache() map[string]*UserProfile

	Lock()
	Unlock()

	DB() *gorm.DB
	LoadProfiles() []UserProfile
	GetProfile(userID string) *UserProfile
	ReloadProfile(userID string) *UserProfile
	GetOrCreateProfile(ctx context.Context, u discordgo.User) (*UserProfile, bool, error)
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and auto-migrates the schema.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&UserProfile{},
		&SettingsChange{},
		&SentNotification{},
		&CheckCommand{},
		&CreateCommand{},
		&RuntimeConfig{},
		&InteractionLog{},
		&DiscordMessage{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, err
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

package assistant

//goland:noinspection GoLinter
import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix              = "/debug"
	apiPrefix                = "/api"
	apiPathQuit              = "/quit"
	apiPathLogin             = "/login"
	apiPathLogout            = "/logout"
	apiPathLoggedIn          = "/logged_in"
	apiHealthCheck           = "/healthz"
	apiPathConfig            = "/config"
	apiPathSetup             = "/setup"
	apiPathSetupStatus       = "/setup/status"
	apiPathProfiles          = "/profiles"
	apiPathReloadProfiles    = "/profiles/reload"
	apiPathProfileQuota      = "/profile/:id/quota"
	apiPathSettingsChanges   = "/settings_changes"
	apiPathSettingsApprove   = "/settings_changes/:id/approve"
	apiPathSettingsDeny      = "/settings_changes/:id/deny"
	apiPathCheckCommands     = "/check_commands"
	apiPathCreateCommands    = "/create_commands"
	apiPathDiscordMessages   = "/discord_messages"
	apiPathRegisterCommands  = "/discord/register_commands"
	apiPathScheduler         = "/scheduler"
	apiPathSchedulerQuota    = "/scheduler/quota"
	apiPathSchedulerUpcoming = "/scheduler/training"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the bot's admin HTTP server. It exposes the runtime config,
// supervisor profiles, command history and reminder timer controls,
// behind a cookie-session login.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the admin API server: session store, TLS config,
// middleware and routes.
func newAPI(d *Assistant, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(d)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(d))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)

	protected.GET(apiPathProfiles, apiHandlers.getProfiles)
	protected.POST(apiPathReloadProfiles, apiHandlers.reloadProfiles)
	protected.GET(apiPathProfileQuota, apiHandlers.getProfileQuota)

	protected.GET(apiPathSettingsChanges, apiHandlers.getSettingsChanges)
	protected.POST(apiPathSettingsApprove, apiHandlers.approveSettingsChange)
	protected.POST(apiPathSettingsDeny, apiHandlers.denySettingsChange)
	protected.GET(apiPathCheckCommands, apiHandlers.getCheckCommands)
	protected.GET(apiPathCreateCommands, apiHandlers.getCreateCommands)
	protected.GET(apiPathDiscordMessages, apiHandlers.getDiscordMessages)

	protected.GET(apiPathScheduler, apiHandlers.getSchedulerStatus)
	protected.POST(apiPathSchedulerQuota, apiHandlers.runQuotaPass)
	protected.POST(apiPathSchedulerUpcoming, apiHandlers.runTrainingPass)

	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)

	if e != nil {
		panic(e)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the admin API endpoints.
type APIHandlers struct {
	d      *Assistant
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the handler set and its session store. When no
// API secret is configured, a random key is generated and sessions won't
// survive a restart.
func NewAPIHandlers(d *Assistant) *APIHandlers {
	logger := d.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := d.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if d.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(d.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{d: d, logger: logger, store: store}
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.d.pendingSetup.Load()})
}

// adminSetup handles the one-time creation of the admin credentials.
// Only available while no credentials are stored.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.d.cfgMu.Lock()
	defer h.d.cfgMu.Unlock()

	if !h.d.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	currentState := h.d.runtimeConfig

	username := adminSetup.Username

	password, err := HashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	if _, err = h.d.writeDB.Updates(
		context.Background(), currentState, map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	h.d.runtimeConfig = currentState
	h.d.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler validates the admin credentials and creates a new
// session. Login attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.d.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.d.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")

		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runtimeConfig := h.d.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.d.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.d.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.d.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.d.paused.Load(),
			DiscordGatewayConnected: h.d.discord.connected.Load(),
		},
	)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.d.api.getSessionUsername(c)

	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.d.discord.registerCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// reloadProfiles triggers a forced profile cache refresh.
func (h *APIHandlers) reloadProfiles(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("triggering profile cache refresh")
	select {
	case h.d.triggerProfileCacheRefreshCh <- true:
		c.JSON(http.StatusAccepted, httpReply{Message: "refresh triggered"})
	default:
		c.JSON(http.StatusConflict, httpError{Error: "refresh already pending"})
	}
}

// getProfiles lists supervisor profiles, paginated by Discord user ID.
func (h *APIHandlers) getProfiles(c *gin.Context) {
	var pagination GetProfilesQuery
	if c.ShouldBindQuery(&pagination) != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Ascending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var profiles []UserProfile

	var err error
	switch pagination.Order {
	case Descending:
		err = h.d.db.Limit(pagination.Limit).Offset(pagination.Offset).Order("id desc").Find(&profiles).Error
	default:
		err = h.d.db.Limit(pagination.Limit).Offset(pagination.Offset).Order("id asc").Find(&profiles).Error
	}
	if err != nil {
		log.Error("error getting profiles", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting profiles"})
		return
	}

	c.JSON(http.StatusOK, profiles)
}

// getProfileQuota computes the supervisor's current-month quota windows
// across all their departments, the same calculation the check command
// runs.
func (h *APIHandlers) getProfileQuota(c *gin.Context) {
	log := ginContextLogger(c)
	profileID := c.Param("id")

	var profile UserProfile
	if err := h.d.db.First(&profile, "id = ?", profileID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "profile not found"})
			return
		}
		log.Error("error getting profile", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting profile"})
		return
	}

	if !profile.Complete() {
		c.JSON(
			http.StatusConflict,
			httpError{Error: "profile incomplete"},
		)
		return
	}

	timeoutCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Minute,
	)
	defer cancel()

	now := time.Now().UTC()
	windows := make([]profileQuotaItem, 0, 2)
	for _, dept := range profile.Departments() {
		deptConfig, ok := h.d.config.ClickUp.Departments[dept.ConfigKey()]
		if !ok {
			continue
		}
		window, err := h.d.calculator.Window(
			timeoutCtx,
			&profile,
			dept,
			deptConfig.ListID,
			now,
		)
		if err != nil {
			log.Error(
				"error computing quota window",
				"department", dept,
				tint.Err(err),
			)
			c.JSON(
				http.StatusBadGateway,
				httpError{Error: "task source unavailable"},
			)
			return
		}
		windows = append(
			windows, profileQuotaItem{
				Department:      window.Department,
				Verdict:         window.Verdict(),
				Completed:       window.Completed,
				CompletedHosted: window.CompletedHosted,
				Scheduled:       window.Scheduled,
				ScheduledHosted: window.ScheduledHosted,
				RequiredTotal:   window.RequiredTotal,
				RequiredHosted:  window.RequiredHosted,
				PercentComplete: window.PercentComplete(),
				PercentHosted:   window.PercentHosted(),
			},
		)
	}

	c.JSON(http.StatusOK, windows)
}

// getSettingsChanges lists settings changes, optionally filtered by
// review status or profile ID.
func (h *APIHandlers) getSettingsChanges(c *gin.Context) {
	var query GetSettingsChangesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if query.Order == "" {
		query.Order = Descending
	}
	if query.Limit == 0 {
		query.Limit = 25
	}

	log := ginContextLogger(c)

	var changes []SettingsChange

	stmt := h.d.db.Limit(query.Limit).Offset(query.Offset)
	if query.Order == Descending {
		stmt = stmt.Order("id desc")
	} else {
		stmt = stmt.Order("id asc")
	}
	if query.Status != "" {
		stmt = stmt.Where("status = ?", query.Status)
	}
	if query.ProfileID != "" {
		stmt = stmt.Where("profile_id = ?", query.ProfileID)
	}
	if err := stmt.Find(&changes).Error; err != nil {
		log.Error("error getting settings changes", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting settings changes"},
		)
		return
	}
	c.JSON(http.StatusOK, changes)
}

// approveSettingsChange applies a pending settings change on behalf of
// the logged-in admin.
func (h *APIHandlers) approveSettingsChange(c *gin.Context) {
	h.reviewSettingsChange(c, true)
}

func (h *APIHandlers) denySettingsChange(c *gin.Context) {
	h.reviewSettingsChange(c, false)
}

func (h *APIHandlers) reviewSettingsChange(c *gin.Context, approve bool) {
	changeID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid change ID"})
		return
	}

	log := ginContextLogger(c)

	var change SettingsChange
	if err = h.d.db.First(&change, "id = ?", changeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "no such settings change"})
			return
		}
		log.Error("error loading settings change", tint.Err(err))
		ginReplyError(c, "error loading settings change")
		return
	}
	if change.Status != SettingsChangePending {
		c.JSON(
			http.StatusConflict,
			httpError{
				Error: fmt.Sprintf("change already %s", change.Status),
			},
		)
		return
	}

	username, err := h.d.api.getSessionUsername(c)
	if err != nil || username == "" {
		username = "admin"
	}
	reviewer := &UserProfile{ID: username, Username: username}

	message := h.d.reviewChange(
		c.Request.Context(),
		reviewer,
		uint(changeID),
		approve,
	)
	ginReplyMessage(c, message)
}

func (h *APIHandlers) getCheckCommands(c *gin.Context) {
	var commands []CheckCommand
	h.listCommands(c, &commands)
}

func (h *APIHandlers) getCreateCommands(c *gin.Context) {
	var commands []CreateCommand
	h.listCommands(c, &commands)
}

// listCommands implements the shared pagination for the command history
// endpoints. dest must be a pointer to a slice of a command record type.
func (h *APIHandlers) listCommands(c *gin.Context, dest any) {
	var pagination GetCommandsQuery
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Descending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	stmt := h.d.db.Limit(pagination.Limit).Offset(pagination.Offset)
	if pagination.Order == Descending {
		stmt = stmt.Order("id desc")
	} else {
		stmt = stmt.Order("id asc")
	}
	if pagination.UserID != "" {
		stmt = stmt.Where("user_id = ?", pagination.UserID)
	}
	if pagination.StartDate != "" {
		startDate, _ := time.Parse("2006-01-02", pagination.StartDate)
		stmt = stmt.Where("created_at >= ?", startDate.UnixMilli())
	}
	if pagination.EndDate != "" {
		endDate, _ := time.Parse("2006-01-02", pagination.EndDate)
		stmt = stmt.Where("created_at < ?", endDate.UnixMilli())
	}
	if err := stmt.Find(dest).Error; err != nil {
		log.Error("error getting command history", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting command history"},
		)
		return
	}
	c.JSON(http.StatusOK, dest)
}

func (h *APIHandlers) getDiscordMessages(c *gin.Context) {
	var pagination GetCommandsQuery
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if pagination.Order == "" {
		pagination.Order = Descending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var messages []DiscordMessage
	stmt := h.d.db.Limit(pagination.Limit).Offset(pagination.Offset)
	if pagination.Order == Descending {
		stmt = stmt.Order("id desc")
	} else {
		stmt = stmt.Order("id asc")
	}
	if pagination.UserID != "" {
		stmt = stmt.Where("user_id = ?", pagination.UserID)
	}
	if err := stmt.Find(&messages).Error; err != nil {
		log.Error("error getting discord messages", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting discord messages"},
		)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *APIHandlers) getSchedulerStatus(c *gin.Context) {
	if h.d.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "scheduler not running"})
		return
	}
	c.JSON(http.StatusOK, h.d.scheduler.Status())
}

// runQuotaPass triggers an immediate quota reminder evaluation, outside
// the normal timer schedule.
func (h *APIHandlers) runQuotaPass(c *gin.Context) {
	if h.d.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "scheduler not running"})
		return
	}
	log := ginContextLogger(c)
	log.Info("manually running quota reminder pass")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := h.d.scheduler.RunQuotaPass(ctx, time.Now().UTC()); err != nil {
		log.Error("quota pass failed", tint.Err(err))
		ginReplyError(c, "quota pass failed")
		return
	}
	ginReplyMessage(c, "quota pass complete")
}

// runTrainingPass triggers an immediate upcoming-training evaluation.
func (h *APIHandlers) runTrainingPass(c *gin.Context) {
	if h.d.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "scheduler not running"})
		return
	}
	log := ginContextLogger(c)
	log.Info("manually running training reminder pass")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := h.d.scheduler.RunTrainingPass(ctx, time.Now().UTC()); err != nil {
		log.Error("training pass failed", tint.Err(err))
		ginReplyError(c, "training pass failed")
		return
	}
	ginReplyMessage(c, "training pass complete")
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	botState := h.d.RuntimeConfig()
	c.JSON(http.StatusOK, botState)
}

// updateRuntimeConfig applies a partial update to the runtime config,
// persists it, and propagates the result: log levels, paused state and
// the bot's Discord presence all follow the new values.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	d := h.d
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	var updateRequest RuntimeConfigUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		logger.Error("invalid update", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existingConfig := d.runtimeConfig
	rollbackConfig := *existingConfig

	updateData, err := json.Marshal(updateRequest)
	if err != nil {
		logger.ErrorContext(c, "Error marshaling update request", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error marshaling update request"})
		return
	}

	var updates map[string]any
	err = json.Unmarshal(updateData, &updates)
	if err != nil {
		logger.ErrorContext(c, "Error unmarshalling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Error unmarshalling update request"},
		)
		return
	}
	logger.InfoContext(c, "Applying updates", "updates", updates)

	var updateError error

	var statusCode int
	var ginResponse gin.H

	_ = h.d.writeDB.Transaction(
		context.Background(),
		func(tx *gorm.DB) error {
			updateError = tx.Model(existingConfig).Updates(updates).Error
			if updateError != nil {
				statusCode = http.StatusInternalServerError
				ginResponse = gin.H{"error": "Error updating config"}
				return updateError
			}

			updateError = structValidator.Struct(existingConfig)
			if updateError != nil {
				statusCode = http.StatusBadRequest
				ginResponse = gin.H{"error": "Error validating config"}
				return updateError
			}
			return nil
		},
	)

	if updateError != nil {
		h.d.runtimeConfig = &rollbackConfig
		logger.ErrorContext(c, "Error updating config", tint.Err(updateError))
		c.JSON(statusCode, ginResponse)
		return
	}

	d.setRuntimeLevels(*existingConfig)

	wasPaused := d.paused.Swap(existingConfig.Paused)
	switch {
	case wasPaused && !existingConfig.Paused:
		logger.Info("unpaused bot")
	case existingConfig.Paused && !wasPaused:
		logger.Warn("paused bot")
	}

	if existingConfig.Paused != rollbackConfig.Paused ||
		existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus {
		if statusErr := updateDiscordBotStatus(
			d,
			*existingConfig,
		); statusErr != nil {
			logger.Error("error updating discord status", tint.Err(statusErr))
		}
	}

	c.JSON(http.StatusAccepted, existingConfig)

	select {
	case d.triggerRuntimeConfigRefreshCh <- false:
	default:
	}
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")

	select {
	case h.d.signalStop <- struct{}{}:
		ginReplyMessage(c, "quitting")
	default:
		log.Warn("stop signal already sent")
		c.JSON(http.StatusConflict, httpError{Error: "already stopping"})
	}
}

// updateDiscordBotStatus pushes the presence implied by the given
// runtime config to the gateway.
func updateDiscordBotStatus(d *Assistant, config RuntimeConfig) error {
	if d.discord == nil || d.discord.session == nil {
		return nil
	}
	if config.Paused {
		return d.discord.updateCustomStatus(pausedResponseMessage)
	}
	return d.discord.updateCustomStatus(config.DiscordCustomStatus)
}

// GetCommandsQuery is the shared query string for the command history
// and discord message endpoints.
type GetCommandsQuery struct {
	Pagination
	UserID    string `form:"user_id"`
	StartDate string `form:"start_date" binding:"omitempty,datetime=2006-01-02"`
	EndDate   string `form:"end_date" binding:"omitempty,datetime=2006-01-02"`
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// GetProfilesQuery represents the query parameters for fetching
// [UserProfile] records.
type GetProfilesQuery struct {
	Pagination
}

// GetSettingsChangesQuery filters the settings change listing.
//
//nolint:lll // struct tags can't be split
type GetSettingsChangesQuery struct {
	Pagination
	Status    string `form:"status" binding:"omitempty,oneof=pending approved denied voided"`
	ProfileID string `form:"profile_id"`
}

// Sort represents the sorting order for queries.
type Sort string

// profileQuotaItem is one department's quota standing, as returned by
// the profile quota endpoint.
type profileQuotaItem struct {
	Department      Department `json:"department"`
	Verdict         Verdict    `json:"verdict"`
	Completed       int        `json:"completed"`
	CompletedHosted int        `json:"completed_hosted"`
	Scheduled       int        `json:"scheduled"`
	ScheduledHosted int        `json:"scheduled_hosted"`
	RequiredTotal   int        `json:"required_total"`
	RequiredHosted  int        `json:"required_hosted"`
	PercentComplete int        `json:"percent_complete"`
	PercentHosted   int        `json:"percent_hosted"`
}

// loggedInResponse represents the response returned when a user is
// successfully logged in.
type loggedInResponse struct {
	Username string `json:"username"`
}

// healthCheckResponse represents the response structure for a health
// check endpoint.
type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// userLogin represents the payload for user login requests.
type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload represents the payload for the initial admin setup.
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the 'setup status' endpoint.
// If an admin username/password haven't been set yet, Required will be
// true, indicating setup is needed.
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware returns a Gin middleware function for authentication.
// Requests without a valid session, or made while the initial admin
// setup is still pending, get HTTP 401.
func authMiddleware(d *Assistant) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := d.api.store
		logger := d.logger
		if logger == nil {
			logger = slog.Default()
		}
		if d.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]

		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics. It increments the request count for each unique
// combination of HTTP method and URL path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateRandomHexString creates a random hexadecimal string of the
// specified length. If the provided length is odd, it's incremented by 1
// to ensure a valid byte slice length.
func generateRandomHexString(length int) (string, error) {
	if length%2 != 0 {
		length++
	}
	buf := make([]byte, length/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(
		validateSchedulerConfig,
		SchedulerConfig{},
	)
}

package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"videorelay/internal/core/domain"
	"videorelay/internal/core/ports"
	"videorelay/internal/core/services"
	"videorelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type VideoHandlerConfig struct {
	StatusInterval time.Duration
	WriteTimeout   time.Duration
}

// VideoHandler serves the /stream surface: viewer streams and channels,
// the status document and feed, and the admin actions.
type VideoHandler struct {
	relay    *services.Aggregator
	authz    ports.Authorizer
	contests ports.ContestDirectory
	serving  ServingStrategy
	channels *RelayStrategy

	statusInterval time.Duration
	writeTimeout   time.Duration
	logger         *zap.SugaredLogger
}

func NewVideoHandler(
	relay *services.Aggregator,
	authz ports.Authorizer,
	contests ports.ContestDirectory,
	serving ServingStrategy,
	channels *RelayStrategy,
	cfg VideoHandlerConfig,
	logger *zap.SugaredLogger,
) *VideoHandler {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &VideoHandler{
		relay:          relay,
		authz:          authz,
		contests:       contests,
		serving:        serving,
		channels:       channels,
		statusInterval: cfg.StatusInterval,
		writeTimeout:   cfg.WriteTimeout,
		logger:         logger,
	}
}

// SetupRoutes registers the /stream routes. limited wraps the short admin
// and status requests; viewer streams are long-lived and never limited.
func (h *VideoHandler) SetupRoutes(router *gin.Engine, limited ...gin.HandlerFunc) {
	withLimit := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, limited...), handler)
	}

	stream := router.Group("/stream")
	{
		stream.GET("", withLimit(h.Action)...)
		stream.GET("/status", withLimit(h.Status)...)
		stream.GET("/status/ws", h.StatusFeed)
		stream.GET("/channel/:index", h.Channel)
		stream.GET("/:index", h.Stream)
		stream.GET("/:index/*subpath", h.Stream)
	}
}

// Action applies ?action=reset|eager|lazy|lazy_close|direct to every stream
// matching the optional team and type filters.
func (h *VideoHandler) Action(c *gin.Context) {
	if !h.authz.IsAdmin(c.Request) {
		_ = c.Error(domain.ErrUnauthorized)
		return
	}

	token := c.Query("action")
	if token == "" {
		_ = c.Error(errors.NewInvalidInputError("action is required"))
		return
	}
	action := h.relay.ParseConnectionMode(token)
	if action == domain.ActionUnrecognized {
		_ = c.Error(errors.NewInvalidInputError(fmt.Sprintf("unrecognized action %q", token)))
		return
	}

	filter := domain.Filter{TeamID: c.Query("team")}
	if typ, ok := c.GetQuery("type"); ok {
		st, valid := domain.ParseStreamType(typ)
		if !valid {
			_ = c.Error(errors.NewInvalidInputError(fmt.Sprintf("unrecognized stream type %q", typ)))
			return
		}
		filter.Type = st
	}

	ctx := c.Request.Context()
	var affected int
	if mode, ok := action.Mode(); ok {
		affected = h.relay.SetConnectionMode(ctx, filter, mode)
	} else {
		affected = h.relay.Reset(ctx, filter)
	}

	h.logger.Infow("admin action",
		"action", action.String(),
		"team", filter.TeamID,
		"type", filter.Type.String(),
		"affected", affected,
	)
	c.JSON(http.StatusOK, gin.H{
		"action":   action.String(),
		"affected": affected,
	})
}

// Stream serves /stream/:index, resetting it instead when ?reset is given.
func (h *VideoHandler) Stream(c *gin.Context) {
	index, err := parseIndex(c.Param("index"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	s, err := h.relay.GetStream(index)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if c.Request.URL.Query().Has("reset") {
		if !h.authz.IsAdmin(c.Request) {
			_ = c.Error(domain.ErrUnauthorized)
			return
		}
		if err := h.relay.ResetStream(c.Request.Context(), index); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset": index})
		return
	}

	// Viewers are not handed DIRECT URLs, but redirect those who guess.
	if s.Mode() == domain.ModeDirect {
		c.Redirect(http.StatusFound, s.URL())
		return
	}

	staff, contests, err := h.admit(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	countView(c, contests, s.Type())

	if err := h.serving.ServeStream(c, s, c.Param("subpath"), staff); err != nil {
		_ = c.Error(err)
	}
}

// Channel serves /stream/channel/:index through the channel's failover.
func (h *VideoHandler) Channel(c *gin.Context) {
	index, err := parseIndex(c.Param("index"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ch, err := h.relay.GetChannel(index)
	if err != nil {
		_ = c.Error(err)
		return
	}

	staff, contests, err := h.admit(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	mimeType, ext := "", ""
	if s := h.channelStream(ch); s != nil {
		mimeType, ext = s.MimeType(), s.FileExtension()
		countView(c, contests, s.Type())
	}
	if err := h.channels.ServeChannel(c, ch, mimeType, ext, staff); err != nil {
		_ = c.Error(err)
	}
}

// channelStream is the member a channel viewer is taken to be watching:
// the one being forwarded, else the first configured.
func (h *VideoHandler) channelStream(ch *services.Channel) *services.Stream {
	if s := ch.Current(); s != nil {
		return s
	}
	members := ch.Members()
	if len(members) == 0 {
		return nil
	}
	s, err := h.relay.GetStream(members[0])
	if err != nil {
		return nil
	}
	return s
}

// admit applies the freeze gate: while any contest is frozen and running
// only staff may watch. It reports whether the viewer is staff and returns
// the contests for view counting.
func (h *VideoHandler) admit(c *gin.Context) (bool, []ports.Contest, error) {
	staff := h.authz.IsStaff(c.Request)

	contests, err := h.contests.Contests(c.Request.Context())
	if err != nil {
		h.logger.Errorw("failed to read contest state", "error", err, "staff", staff)
		if staff {
			return true, nil, nil
		}
		return false, nil, errors.WrapError(err, errors.ErrCodeServiceUnavailable,
			"contest state unavailable", http.StatusServiceUnavailable)
	}
	if staff {
		return true, contests, nil
	}

	for _, ct := range contests {
		if ct.IsFrozen() && ct.IsRunning() {
			err := fmt.Errorf("contest %s: %w", ct.ID(), domain.ErrContestFrozen)
			return false, nil, errors.WrapError(err, errors.ErrCodeContestFrozen, "Contest is frozen", http.StatusUnauthorized).
				WithDetail("contest", ct.ID())
		}
	}
	return false, contests, nil
}

// countView bumps every contest's viewer counter for the stream's kind.
func countView(c *gin.Context, contests []ports.Contest, typ domain.StreamType) {
	ctx := c.Request.Context()
	for _, ct := range contests {
		switch typ {
		case domain.StreamTypeDesktop:
			ct.IncrementDesktop(ctx)
		case domain.StreamTypeWebcam:
			ct.IncrementWebcam(ctx)
		case domain.StreamTypeAudio:
			ct.IncrementAudio(ctx)
		}
	}
}

func parseIndex(raw string) (int, error) {
	index, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, errors.NewInvalidInputError("Not a valid request!")
	}
	return index, nil
}

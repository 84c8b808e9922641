package httpapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/protocol/sse"

	"github.com/botchat/botchat-backend/api/events"
	"github.com/botchat/botchat-backend/internal/attach"
	"github.com/botchat/botchat-backend/internal/fanout"
	"github.com/botchat/botchat-backend/internal/quota"
	"github.com/botchat/botchat-backend/internal/run"
)

// MaxMessageLength bounds the message form field, sized for the largest
// model context windows.
const MaxMessageLength = 10_000_000

const (
	streamWait   = 500 * time.Millisecond
	pingInterval = 10 * time.Second
)

// QuotaReader resolves and reads user quota for the pre-dispatch check.
type QuotaReader interface {
	GetOrCreateUser(ctx context.Context, oauthProvider, oauthID, email string) (quota.User, error)
	GetQuota(ctx context.Context, userID string) (quota.Snapshot, error)
}

// RunHandler serves run creation, the event stream, and synthesis.
type RunHandler struct {
	registry           *run.Registry
	coord              *fanout.Coordinator
	quota              QuotaReader
	extractor          attach.Extractor
	defaultMaxParallel int
	logger             *slog.Logger
}

// NewRunHandler wires the run endpoints.
func NewRunHandler(registry *run.Registry, coord *fanout.Coordinator, quotaReader QuotaReader, extractor attach.Extractor, defaultMaxParallel int, logger *slog.Logger) *RunHandler {
	if extractor == nil {
		extractor = attach.PlainTextExtractor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandler{
		registry:           registry,
		coord:              coord,
		quota:              quotaReader,
		extractor:          extractor,
		defaultMaxParallel: defaultMaxParallel,
		logger:             logger,
	}
}

// Create accepts a multipart run request and starts the fan-out in the
// background, returning the run id immediately.
func (h *RunHandler) Create(ctx context.Context, c *app.RequestContext) {
	message := c.PostForm("message")
	if message == "" {
		c.JSON(consts.StatusBadRequest, errBody("message is required"))
		return
	}
	if len(message) > MaxMessageLength {
		c.JSON(consts.StatusBadRequest, errBody(fmt.Sprintf("message exceeds %d character limit", MaxMessageLength)))
		return
	}

	configs, err := parseConfigs(c.PostForm("configs"))
	if err != nil {
		c.JSON(consts.StatusBadRequest, errBody(err.Error()))
		return
	}

	maxParallel := h.defaultMaxParallel
	if raw := c.PostForm("max_parallel"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			c.JSON(consts.StatusBadRequest, errBody("max_parallel must be an integer"))
			return
		}
		maxParallel = parsed
	}

	bundle, err := h.readAttachments(c)
	if err != nil {
		c.JSON(consts.StatusBadRequest, errBody(err.Error()))
		return
	}

	platformCount := 0
	for _, cfg := range configs {
		if cfg.ProviderKey == "" && h.coord.HasPlatformKey(cfg.Kind()) {
			platformCount++
		}
	}

	user, authenticated := currentUser(c)
	identity := run.Identity{}
	if authenticated {
		dbUser, userErr := h.quota.GetOrCreateUser(ctx, user.Provider, user.UserID, user.Email)
		if userErr != nil {
			h.logger.Error("resolve user failed", slog.String("error", userErr.Error()))
			c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
			return
		}
		identity = run.Identity{UserID: dbUser.ID, Email: dbUser.Email}
	}

	if platformCount > 0 {
		if !authenticated {
			c.JSON(consts.StatusUnauthorized, errBody(
				"Authentication required for platform API key usage. Sign in or provide your own API keys."))
			return
		}
		snapshot, quotaErr := h.quota.GetQuota(ctx, identity.UserID)
		if quotaErr != nil {
			h.logger.Error("quota check failed", slog.String("error", quotaErr.Error()))
			c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
			return
		}
		if snapshot.Remaining < platformCount {
			c.JSON(consts.StatusTooManyRequests, errBody(quotaExceededDetail(snapshot, platformCount)))
			return
		}
	}

	r := h.registry.Create(identity)
	h.logger.Info("run created",
		slog.String("run_id", r.ID),
		slog.Int("panels", len(configs)),
		slog.Int("platform_panels", platformCount))

	go h.coord.Dispatch(context.Background(), r, configs, message, maxParallel, bundle)

	c.JSON(consts.StatusOK, map[string]string{"run_id": r.ID})
}

func quotaExceededDetail(snapshot quota.Snapshot, platformCount int) string {
	if snapshot.Remaining == 0 {
		return fmt.Sprintf(
			"Message quota exhausted. Used %d/%d messages this period. Upgrade to paid for %d messages/month, or add your own API keys in Settings > Advanced.",
			snapshot.Used, snapshot.Limit, quota.PaidTierQuota)
	}
	return fmt.Sprintf(
		"Insufficient quota. You have %d messages remaining but selected %d bots using platform keys. Use fewer bots or add your own API keys in Settings > Advanced.",
		snapshot.Remaining, platformCount)
}

func (h *RunHandler) readAttachments(c *app.RequestContext) (*attach.Bundle, error) {
	form, err := c.MultipartForm()
	if err != nil {
		// No multipart body at all is fine; the form fields above were
		// already consumed.
		return attach.Prepare(nil, h.extractor)
	}

	var files []attach.File
	for _, header := range form.File["attachments"] {
		f, openErr := header.Open()
		if openErr != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", header.Filename, openErr)
		}
		data, readErr := io.ReadAll(f)
		f.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", header.Filename, readErr)
		}
		h.logger.Info("attachment received",
			slog.String("filename", header.Filename),
			slog.Int("size", len(data)))
		files = append(files, attach.File{Name: header.Filename, Bytes: data})
	}
	return attach.Prepare(files, h.extractor)
}

// StreamEvents replays and follows a run's event stream over SSE. The run
// is purged once the stream closes on a finished run.
func (h *RunHandler) StreamEvents(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	r, ok := h.registry.Get(id)
	if !ok {
		c.JSON(consts.StatusNotFound, errBody("run not found"))
		return
	}

	c.SetStatusCode(consts.StatusOK)
	writer := sse.NewWriter(c)
	defer writer.Close()
	defer func() {
		if r.Done() {
			h.registry.Purge(id)
		}
	}()

	if err := h.writeFrameEvent(writer, events.KindHello, events.Hello{RunID: id}); err != nil {
		return
	}
	lastSend := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if r.Done() && r.Events.Len() == 0 {
			h.writeFrameEvent(writer, events.KindGoodbye, events.Goodbye{RunID: id})
			return
		}

		if frame, got := r.Events.NextOrTimeout(streamWait); got {
			if err := writer.WriteEvent("", string(frame.Kind), frame.Data); err != nil {
				return
			}
			lastSend = time.Now()
		}

		if time.Since(lastSend) > pingInterval {
			if err := h.writeFrameEvent(writer, events.KindPing, events.Ping{T: float64(time.Now().UnixNano()) / 1e9}); err != nil {
				return
			}
			lastSend = time.Now()
		}
	}
}

func (h *RunHandler) writeFrameEvent(writer *sse.Writer, kind events.Kind, payload any) error {
	frame, err := events.NewFrame(kind, payload)
	if err != nil {
		h.logger.Error("encode frame failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
		return err
	}
	return writer.WriteEvent("", string(frame.Kind), frame.Data)
}

type synthesizeRequest struct {
	System           string   `json:"system"`
	Instruction      string   `json:"instruction"`
	IncludeConfigIDs []string `json:"include_config_ids"`
}

// Synthesize starts a background synthesis pass over collected panel
// finals; its events arrive on the run's stream.
func (h *RunHandler) Synthesize(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	r, ok := h.registry.Get(id)
	if !ok {
		c.JSON(consts.StatusNotFound, errBody("run not found"))
		return
	}
	if len(r.Finals()) == 0 {
		c.JSON(consts.StatusBadRequest, errBody("no panel finals yet"))
		return
	}

	req := synthesizeRequest{Instruction: "Synthesize the answers."}
	if len(c.Request.Body()) > 0 {
		if err := c.BindJSON(&req); err != nil {
			c.JSON(consts.StatusBadRequest, errBody("invalid request body"))
			return
		}
		if req.Instruction == "" {
			req.Instruction = "Synthesize the answers."
		}
	}

	go h.coord.Synthesize(context.Background(), r, req.Instruction, req.IncludeConfigIDs)

	c.JSON(consts.StatusOK, map[string]any{"ok": true})
}

// Health reports liveness.
func (h *RunHandler) Health(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]any{"ok": true, "runs": h.registry.Len()})
}

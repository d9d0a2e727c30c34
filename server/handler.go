package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/krau/snaptag/acquire"
	"github.com/krau/snaptag/inference"
	"github.com/krau/snaptag/picker"
	"github.com/krau/snaptag/pipeline"
)

var errUnauthorized = errors.New("unauthorized")

// authenticate accepts an HS256 bearer token signed with secret. An empty
// secret disables auth.
func authenticate(c *gin.Context, secret string) error {
	if secret == "" {
		return nil
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return errUnauthorized
	}
	raw := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %w", errUnauthorized, err)
	}
	return nil
}

func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authenticate(c, secret); err != nil {
			Error(c, http.StatusUnauthorized, CodeUnauthorized, "invalid or missing token")
			c.Abort()
			return
		}
		c.Next()
	}
}

// failure is the most recent user-visible problem, kept so clients that poll
// can show "classification failed, try again".
type failure struct {
	Kind    pipeline.EventKind `json:"kind"`
	ImageID string             `json:"image_id,omitempty"`
	Message string             `json:"message"`
	At      time.Time          `json:"at"`
}

type Handler struct {
	coord     *pipeline.Coordinator
	maxUpload int64
	startedAt time.Time

	mu   sync.Mutex
	last *failure
}

func NewHandler(coord *pipeline.Coordinator, maxUpload int64) *Handler {
	h := &Handler{coord: coord, maxUpload: maxUpload, startedAt: time.Now()}
	coord.Subscribe(h.observe)
	return h
}

func (h *Handler) observe(ev pipeline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch ev.Kind {
	case pipeline.StateChanged:
		if h.last != nil && h.last.Kind == pipeline.ClassificationFailed &&
			(ev.State.Selected == nil || ev.State.Selected.ID != h.last.ImageID || ev.State.Predictions != nil) {
			h.last = nil
		}
		if h.last != nil && h.last.Kind == pipeline.ModelLoadFailed && ev.State.ModelReady {
			h.last = nil
		}
	default:
		f := &failure{Kind: ev.Kind, At: time.Now()}
		if ev.Err != nil {
			f.Message = ev.Err.Error()
		}
		if ev.Image != nil {
			f.ImageID = ev.Image.ID
		}
		h.last = f
	}
}

type stateView struct {
	Status       string                 `json:"status"`
	RuntimeReady bool                   `json:"runtime_ready"`
	ModelReady   bool                   `json:"model_ready"`
	Selected     *acquire.ImageRef      `json:"selected_image"`
	Predictions  []inference.Prediction `json:"predictions"`
	LastError    *failure               `json:"last_error,omitempty"`
}

func (h *Handler) view(s pipeline.State) stateView {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	return stateView{
		Status:       s.Status(),
		RuntimeReady: s.RuntimeReady,
		ModelReady:   s.ModelReady,
		Selected:     s.Selected,
		Predictions:  s.Predictions,
		LastError:    last,
	}
}

func (h *Handler) State(c *gin.Context) {
	OK(c, h.view(h.coord.State()))
}

func (h *Handler) Acquire(c *gin.Context) {
	source, err := acquire.ParseSource(c.Param("source"))
	if err != nil {
		Error(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	choice := picker.Choice{Cancelled: c.PostForm("cancel") == "true"}
	if fileHeader, err := c.FormFile("image"); err == nil && !choice.Cancelled {
		if h.maxUpload > 0 && fileHeader.Size > h.maxUpload {
			Error(c, http.StatusRequestEntityTooLarge, CodeBadRequest, "image too large")
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			Error(c, http.StatusBadRequest, CodeBadRequest, "failed to open uploaded file")
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			Error(c, http.StatusBadRequest, CodeBadRequest, "failed to read uploaded file")
			return
		}
		choice.Upload, choice.FileName = data, fileHeader.Filename
	}

	out, err := h.coord.Acquire(picker.WithChoice(c.Request.Context(), choice), source)
	if err != nil {
		var ae *acquire.AcquisitionError
		if errors.As(err, &ae) {
			Error(c, http.StatusUnprocessableEntity, CodeAcquisition, err.Error())
			return
		}
		slog.Error("Acquire failed", slog.String("error", err.Error()))
		Error(c, http.StatusInternalServerError, CodeInternalServer, "acquire failed")
		return
	}

	resp := gin.H{"cancelled": out.Cancelled, "state": h.view(h.coord.State())}
	if !out.Cancelled {
		resp["image"] = out.Image
	}
	OK(c, resp)
}

func (h *Handler) Retry(c *gin.Context) {
	if err := h.coord.Retry(c.Request.Context()); err != nil {
		if errors.Is(err, pipeline.ErrNothingSelected) {
			Error(c, http.StatusConflict, CodeNotSelected, err.Error())
			return
		}
		Error(c, http.StatusInternalServerError, CodeInternalServer, err.Error())
		return
	}
	OK(c, h.view(h.coord.State()))
}

func (h *Handler) ReloadModel(c *gin.Context) {
	if err := h.coord.ReloadModel(c.Request.Context()); err != nil {
		var mle *inference.ModelLoadError
		if errors.As(err, &mle) {
			Error(c, http.StatusServiceUnavailable, CodeModelLoad, err.Error())
			return
		}
		Error(c, http.StatusInternalServerError, CodeInternalServer, err.Error())
		return
	}
	OK(c, h.view(h.coord.State()))
}

type eventView struct {
	Kind       pipeline.EventKind `json:"kind"`
	State      stateView          `json:"state"`
	Error      string             `json:"error,omitempty"`
	Image      *acquire.ImageRef  `json:"image,omitempty"`
	Permission string             `json:"permission,omitempty"`
}

// forward hands ev to a stream without blocking the coordinator. A client too
// slow to drain its buffer loses the event; the next state event resyncs it.
func forward(events chan<- pipeline.Event, ev pipeline.Event) bool {
	select {
	case events <- ev:
		return true
	default:
		slog.Warn("Dropping event for slow stream client", slog.String("kind", string(ev.Kind)))
		return false
	}
}

// Events streams every pipeline event as server-sent events, starting with
// the current state.
func (h *Handler) Events(c *gin.Context) {
	events := make(chan pipeline.Event, 32)
	unsubscribe := h.coord.Subscribe(func(ev pipeline.Event) { forward(events, ev) })
	defer unsubscribe()

	c.SSEvent(string(pipeline.StateChanged), eventView{Kind: pipeline.StateChanged, State: h.view(h.coord.State())})
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev := <-events:
			v := eventView{Kind: ev.Kind, State: h.view(ev.State), Image: ev.Image, Permission: string(ev.Permission)}
			if ev.Err != nil {
				v.Error = ev.Err.Error()
			}
			c.SSEvent(string(ev.Kind), v)
			return true
		}
	})
}

func (h *Handler) Health(c *gin.Context) {
	s := h.coord.State()
	c.JSON(200, gin.H{
		"status":        "healthy",
		"runtime_ready": s.RuntimeReady,
		"model_ready":   s.ModelReady,
		"uptime_sec":    int(time.Since(h.startedAt).Seconds()),
	})
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"raycastlab/tuner/internal/archive"
	"raycastlab/tuner/internal/assets"
	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/rig"
	"raycastlab/tuner/internal/session"
	"raycastlab/tuner/internal/simulation"
)

// Tuner is the slice of the tuning session the handlers drive.
type Tuner interface {
	Fields() []params.Descriptor
	Values() map[params.FieldID]any
	Preset(name string) params.Preset
	SetParameter(ctx context.Context, id params.FieldID, value any) (params.Change, error)
	ApplyPreset(ctx context.Context, preset params.Preset) ([]params.Change, error)
	Action(ctx context.Context, name string) error
	CopyCode(ctx context.Context) ([]byte, error)
	PackageProject(ctx context.Context) (*archive.Bundle, error)
	UploadAsset(kind assets.Kind, data []byte) (assets.Model, error)
	ExportAsset(kind assets.Kind) ([]byte, error)
	Status() session.Status
}

var _ Tuner = (*session.Session)(nil)

// RateLimiter gates how frequently a client may request exports.
type RateLimiter interface {
	Allow(client string) (bool, time.Duration)
}

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Tuner         Tuner
	RateLimiter   RateLimiter
	Authorize     func(r *http.Request) error
	MaxAssetBytes int64
	Clients       func() int
	SkippedFrames func() int64
	TimeSource    func() time.Time
}

// HandlerSet bundles the operational and tuner handlers.
type HandlerSet struct {
	logger        *logging.Logger
	tuner         Tuner
	rateLimiter   RateLimiter
	authorize     func(r *http.Request) error
	maxAssetBytes int64
	clients       func() int
	skippedFrames func() int64
	now           func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:        logger.Named("http"),
		tuner:         opts.Tuner,
		rateLimiter:   opts.RateLimiter,
		authorize:     opts.Authorize,
		maxAssetBytes: opts.MaxAssetBytes,
		clients:       opts.Clients,
		skippedFrames: opts.SkippedFrames,
		now:           now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/fields", h.FieldsHandler())
	mux.HandleFunc("/params", h.ParamsHandler())
	mux.HandleFunc("/presets", h.PresetsHandler())
	mux.HandleFunc("/actions/", h.ActionHandler())
	mux.HandleFunc("/export/code", h.CopyCodeHandler())
	mux.HandleFunc("/export/package", h.PackageHandler())
	mux.HandleFunc("/assets/", h.AssetHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports ready once the rig has been built from both models.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		AssetsReady   bool    `json:"assets_ready"`
		Built         bool    `json:"built"`
		Steps         uint64  `json:"steps"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.tuner == nil {
			writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Message: "no session"})
			return
		}
		state := h.tuner.Status()
		resp := response{
			Status:        "ok",
			UptimeSeconds: state.Uptime.Seconds(),
			AssetsReady:   state.AssetsReady,
			Built:         state.Built,
			Steps:         state.Steps,
		}
		status := http.StatusOK
		switch {
		case state.BuildError != "":
			status, resp.Status, resp.Message = http.StatusServiceUnavailable, "error", state.BuildError
		case !state.AssetsReady:
			status, resp.Status, resp.Message = http.StatusServiceUnavailable, "loading", "models are still resolving"
		case !state.Built:
			status, resp.Status, resp.Message = http.StatusServiceUnavailable, "loading", "vehicle rig not built"
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var state session.Status
		if h.tuner != nil {
			state = h.tuner.Status()
		}
		clients := 0
		if h.clients != nil {
			clients = h.clients()
		}
		var skipped int64
		if h.skippedFrames != nil {
			skipped = h.skippedFrames()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		gauge(w, "tuner_uptime_seconds", "Session uptime in seconds.", fmt.Sprintf("%.0f", state.Uptime.Seconds()))
		gauge(w, "tuner_rig_built", "Whether the vehicle rig is built.", boolMetric(state.Built))
		gauge(w, "tuner_clients", "Connected WebSocket clients.", fmt.Sprintf("%d", clients))
		counter(w, "tuner_frames_skipped_total", "Frames withheld from panels over their frame budget.", fmt.Sprintf("%d", skipped))
		gauge(w, "tuner_frame_subscribers", "Registered frame subscribers.", fmt.Sprintf("%d", state.Subscribers))
		counter(w, "tuner_steps_total", "Fixed physics steps run.", fmt.Sprintf("%d", state.Steps))
		gauge(w, "tuner_tick_average_seconds", "Average simulation tick duration.", seconds(state.Tick.Average))
		gauge(w, "tuner_tick_max_seconds", "Longest simulation tick duration.", seconds(state.Tick.Max))
		counter(w, "tuner_tick_over_budget_total", "Ticks that exceeded the step interval.", fmt.Sprintf("%d", state.Tick.OverBudget))
		counter(w, "tuner_exports_total", "Exports completed successfully.", fmt.Sprintf("%d", state.Exports))
		counter(w, "tuner_journal_events_total", "Events recorded in the session journal.", fmt.Sprintf("%d", state.JournalEvents))
		counter(w, "tuner_journal_frames_total", "Frames recorded in the session journal.", fmt.Sprintf("%d", state.JournalFrames))
		gauge(w, "tuner_journal_sessions", "Session journals retained on disk.", fmt.Sprintf("%d", state.Journals.Sessions))
		gauge(w, "tuner_journal_bytes", "Disk footprint of retained journals.", fmt.Sprintf("%d", state.Journals.Bytes))
	}
}

// FieldsHandler lists every editable parameter in panel order.
func (h *HandlerSet) FieldsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) || !h.ready(w) {
			return
		}
		writeJSON(w, http.StatusOK, h.tuner.Fields())
	}
}

// ParamsHandler returns the current values on GET and commits one edit on POST.
func (h *HandlerSet) ParamsHandler() http.HandlerFunc {
	type request struct {
		Field params.FieldID `json:"field"`
		Value any            `json:"value"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet, http.MethodPost) || !h.ready(w) {
			return
		}
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, h.tuner.Values())
			return
		}
		if !h.authorised(w, r, "params") {
			return
		}
		var req request
		decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
		decoder.UseNumber()
		if err := decoder.Decode(&req); err != nil || req.Field == "" {
			http.Error(w, "expected {\"field\":…,\"value\":…}", http.StatusBadRequest)
			return
		}
		change, err := h.tuner.SetParameter(r.Context(), req.Field, req.Value)
		if err != nil {
			h.fail(w, r, "params", err)
			return
		}
		writeJSON(w, http.StatusOK, change)
	}
}

// PresetsHandler serves the current values as a preset on GET and applies a
// preset document on PUT or POST. The format comes from ?format or the
// Content-Type header and defaults to JSON.
func (h *HandlerSet) PresetsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet, http.MethodPut, http.MethodPost) || !h.ready(w) {
			return
		}
		format, err := presetFormat(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}
		if r.Method == http.MethodGet {
			name := strings.TrimSpace(r.URL.Query().Get("name"))
			if name == "" {
				name = "current"
			}
			data, err := params.EncodePreset(h.tuner.Preset(name), format)
			if err != nil {
				h.fail(w, r, "presets", err)
				return
			}
			w.Header().Set("Content-Type", format.ContentType())
			_, _ = w.Write(data)
			return
		}
		if !h.authorised(w, r, "presets") {
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "failed to read preset", http.StatusBadRequest)
			return
		}
		preset, err := params.DecodePreset(body, format)
		if err != nil {
			h.fail(w, r, "presets", err)
			return
		}
		changes, err := h.tuner.ApplyPreset(r.Context(), preset)
		if err != nil {
			h.fail(w, r, "presets", err)
			return
		}
		h.requestLogger(r, "presets").Info("preset applied", logging.String("preset", preset.Name), logging.Int("changes", len(changes)))
		writeJSON(w, http.StatusOK, map[string]any{"preset": preset.Name, "changes": changes})
	}
}

// ActionHandler triggers /actions/reset, /actions/stop and /actions/rebuild.
func (h *HandlerSet) ActionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodPost) || !h.ready(w) || !h.authorised(w, r, "actions") {
			return
		}
		name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/actions/"), "/")
		if err := h.tuner.Action(r.Context(), name); err != nil {
			h.fail(w, r, "actions", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CopyCodeHandler returns the generated rig module as text.
func (h *HandlerSet) CopyCodeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) || !h.ready(w) || !h.limited(w, r, "export_code") {
			return
		}
		module, err := h.tuner.CopyCode(r.Context())
		if err != nil {
			h.fail(w, r, "export_code", err)
			return
		}
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		_, _ = w.Write(module)
	}
}

// PackageHandler streams the full project bundle as an attachment.
func (h *HandlerSet) PackageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) || !h.ready(w) || !h.limited(w, r, "export_package") {
			return
		}
		bundle, err := h.tuner.PackageProject(r.Context())
		if err != nil {
			h.fail(w, r, "export_package", err)
			return
		}
		contentType := "application/zip"
		if bundle.Format == archive.FormatTarZstd {
			contentType = "application/zstd"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", bundle.Name))
		w.Header().Set("X-Bundle-Files", fmt.Sprintf("%d", len(bundle.Files)))
		_, _ = w.Write(bundle.Data)
	}
}

// AssetHandler uploads (PUT) or re-exports (GET) /assets/{chassis|wheel}.
func (h *HandlerSet) AssetHandler() http.HandlerFunc {
	type response struct {
		Kind     assets.Kind `json:"kind"`
		Source   string      `json:"source"`
		Revision uint64      `json:"revision"`
		Bytes    int         `json:"bytes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet, http.MethodPut) || !h.ready(w) {
			return
		}
		kind, err := assets.ParseKind(strings.Trim(strings.TrimPrefix(r.URL.Path, "/assets/"), "/"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if r.Method == http.MethodGet {
			data, err := h.tuner.ExportAsset(kind)
			if err != nil {
				h.fail(w, r, "assets", err)
				return
			}
			w.Header().Set("Content-Type", "model/gltf+json")
			_, _ = w.Write(data)
			return
		}
		if !h.authorised(w, r, "assets") {
			return
		}
		reader := io.Reader(r.Body)
		if h.maxAssetBytes > 0 {
			reader = http.MaxBytesReader(w, r.Body, h.maxAssetBytes)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "model exceeds upload limit", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read model", http.StatusBadRequest)
			return
		}
		model, err := h.tuner.UploadAsset(kind, data)
		if err != nil {
			h.fail(w, r, "assets", err)
			return
		}
		writeJSON(w, http.StatusOK, response{Kind: model.Kind, Source: model.Source, Revision: model.Revision, Bytes: len(model.Data)})
	}
}

func (h *HandlerSet) ready(w http.ResponseWriter) bool {
	if h.tuner == nil {
		http.Error(w, "tuning session unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (h *HandlerSet) authorised(w http.ResponseWriter, r *http.Request, handler string) bool {
	if h.authorize == nil {
		return true
	}
	if err := h.authorize(r); err != nil {
		h.requestLogger(r, handler).Warn("request denied: unauthorized", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *HandlerSet) limited(w http.ResponseWriter, r *http.Request, handler string) bool {
	if h.rateLimiter == nil {
		return true
	}
	ok, retry := h.rateLimiter.Allow(clientKey(r))
	if ok {
		return true
	}
	h.requestLogger(r, handler).Warn("request denied: rate limit exceeded")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retry.Seconds()))))
	http.Error(w, "too many requests", http.StatusTooManyRequests)
	return false
}

// requestLogger tags the handler logger with the request's trace identifier.
func (h *HandlerSet) requestLogger(r *http.Request, handler string) *logging.Logger {
	fields := []logging.Field{logging.String("handler", handler), logging.String("remote_addr", r.RemoteAddr)}
	if traceID := logging.TraceIDFromContext(r.Context()); traceID != "" {
		fields = append(fields, logging.String(logging.TraceIDField, traceID))
	}
	return h.logger.With(fields...)
}

// fail maps domain errors onto status codes and logs unexpected failures.
func (h *HandlerSet) fail(w http.ResponseWriter, r *http.Request, handler string, err error) {
	status := StatusFor(err)
	reqLogger := h.requestLogger(r, handler)
	if status >= http.StatusInternalServerError {
		reqLogger.Error("request failed", logging.Error(err))
	} else {
		reqLogger.Debug("request rejected", logging.Int("status", status), logging.Error(err))
	}
	http.Error(w, err.Error(), status)
}

// StatusFor maps a tuner error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, params.ErrUnknownField), errors.Is(err, session.ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, params.ErrInvalidParameter), errors.Is(err, params.ErrInvalidPreset), errors.Is(err, assets.ErrInvalidAsset):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rig.ErrNotReady), errors.Is(err, assets.ErrAssetMissing):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed), errors.Is(err, simulation.ErrStopped),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func presetFormat(r *http.Request) (params.PresetFormat, error) {
	if raw := strings.TrimSpace(r.URL.Query().Get("format")); raw != "" {
		return params.ParsePresetFormat(raw)
	}
	if r.Method != http.MethodGet {
		if raw := strings.TrimSpace(r.Header.Get("Content-Type")); raw != "" {
			return params.ParsePresetFormat(raw)
		}
	}
	return params.PresetJSON, nil
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func gauge(w io.Writer, name, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %s\n", name, value)
}

func counter(w io.Writer, name, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %s\n", name, value)
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.6f", d.Seconds())
}

func boolMetric(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

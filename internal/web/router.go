package web

import (
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"power-monitor/internal/export"
	"power-monitor/internal/history"
	"power-monitor/internal/session"
	"power-monitor/internal/storage"
	"power-monitor/pkg/protocol"
)

const maxImportSize = 64 << 20

// Controller 会话控制，由 server 实现
type Controller interface {
	StartSession() error
	StopSession() error
	SessionInfo() session.Info
	// ImportResult 用导入的记录替换当前历史，会话运行中返回 session.ErrSessionActive
	ImportResult(res *export.Result) error
}

// Handler HTTP 接口
type Handler struct {
	history  history.Reader
	markers  *export.MarkerSet
	control  Controller
	hub      *Hub
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func NewHandler(h history.Reader, markers *export.MarkerSet, control Controller, hub *Hub, log *logrus.Logger) *Handler {
	handler := &Handler{
		history: h,
		markers: markers,
		control: control,
		hub:     hub,
		log:     log,
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		CheckOrigin:      checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return handler
}

// Router 注册全部路由
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/history", h.History)
		r.Get("/export.csv", h.ExportCSV)
		r.Post("/import", h.ImportCSV)

		r.Get("/markers", h.ListMarkers)
		r.Post("/markers", h.AddMarker)
		r.Delete("/markers", h.RemoveMarker)

		r.Post("/session/start", h.StartSession)
		r.Post("/session/stop", h.StopSession)
	})
	r.Get("/ws", h.WebSocket)
	return r
}

type statsResponse struct {
	Session  session.Info          `json:"session"`
	Extrema  history.Extrema       `json:"extrema"`
	Count    int                   `json:"count"`
	Capacity int                   `json:"capacity"`
	Latest   *storage.SampleRecord `json:"latest"`
	Markers  int                   `json:"markers"`
}

// Stats 极值、样本数、最新读数和会话状态
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Session:  h.control.SessionInfo(),
		Extrema:  h.history.Extrema(),
		Count:    h.history.Len(),
		Capacity: h.history.Capacity(),
		Markers:  len(h.markers.List()),
	}
	if s, ok := h.history.Latest(); ok {
		resp.Latest = record(s)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// History 时间窗口内的样本，from/to 缺省时返回全部
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := floatParam(q, "from", math.Inf(-1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := floatParam(q, "to", math.Inf(1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var samples []protocol.Sample
	if q.Has("from") || q.Has("to") {
		samples = h.history.Window(from, to)
	} else {
		samples = h.history.Samples()
	}

	out := make([]*storage.SampleRecord, len(samples))
	for i, s := range samples {
		out[i] = record(s)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ExportCSV 下载当前历史
func (h *Handler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="power_log.csv"`)
	if err := export.Export(w, h.history.Samples(), h.markers.List()); err != nil {
		h.log.Warnf("导出CSV失败: %v", err)
	}
}

// ImportCSV 上传导出文件，替换当前历史和标记
func (h *Handler) ImportCSV(w http.ResponseWriter, r *http.Request) {
	res, err := export.Import(http.MaxBytesReader(w, r.Body, maxImportSize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.control.ImportResult(res); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{
		"samples": len(res.Samples),
		"markers": len(res.Markers),
		"skipped": res.Skipped,
	})
}

func (h *Handler) ListMarkers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.markers.List())
}

func (h *Handler) AddMarker(w http.ResponseWriter, r *http.Request) {
	var m export.Marker
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&m); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	added, err := h.markers.Add(m)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, added)
}

// RemoveMarker DELETE /api/markers?time=1.5&tolerance=0.1
func (h *Handler) RemoveMarker(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := floatParam(q, "time", math.NaN())
	if err != nil || math.IsNaN(t) {
		h.writeError(w, http.StatusBadRequest, errors.New("缺少 time 参数"))
		return
	}
	tolerance, err := floatParam(q, "tolerance", 0.05)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	m, ok := h.markers.Remove(t, tolerance)
	if !ok {
		h.writeError(w, http.StatusNotFound, errors.New("标记不存在"))
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	if err := h.control.StartSession(); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, h.control.SessionInfo())
}

func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	if err := h.control.StopSession(); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.control.SessionInfo())
}

// WebSocket 实时样本推送
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket升级失败: %v", err)
		return
	}

	c := newClient(h.hub, conn)
	if !h.hub.register(c) {
		_ = conn.Close()
		return
	}
	c.start()
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.WithFields(logrus.Fields{
			"request_id": chimiddleware.GetReqID(r.Context()),
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}).Debugf("%s %s", r.Method, r.URL.Path)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debugf("写响应失败: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrSessionIdle):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func floatParam(q url.Values, name string, def float64) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("参数 " + name + " 无效")
	}
	return f, nil
}

// checkOrigin 允许非浏览器客户端和同源页面
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func record(s protocol.Sample) *storage.SampleRecord {
	return &storage.SampleRecord{Elapsed: s.Elapsed, Voltage: s.Voltage, Current: s.Current, Power: s.Power()}
}

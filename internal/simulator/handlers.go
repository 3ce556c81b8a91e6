package simulator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/analysis-progress/internal/metrics"
	"github.com/JakeFAU/analysis-progress/internal/progress"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler returns the simulator's HTTP routes.
func (s *Simulator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/status", s.getStatus)
			r.Get("/progress", s.streamProgress)
		})
	})
	return r
}

type createJobRequest struct {
	FailAtStage *int `json:"fail_at_stage"`
}

func (s *Simulator) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.FailAtStage != nil && *req.FailAtStage < 0 {
		writeError(w, http.StatusBadRequest, "fail_at_stage must be >= 0")
		return
	}
	id, err := s.CreateJob(JobOptions{FailAtStage: req.FailAtStage})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Simulator) getStatus(w http.ResponseWriter, r *http.Request) {
	if !s.pollEnabled.Load() {
		writeError(w, http.StatusServiceUnavailable, "status endpoint disabled")
		return
	}
	evt, err := s.Status(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (s *Simulator) streamProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !s.liveEnabled.Load() {
		writeError(w, http.StatusServiceUnavailable, "live channel disabled")
		return
	}
	first, updates, cancel, err := s.Subscribe(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()
	defer metrics.TrackLiveConnection()()

	logger := s.logger.With(zap.String("job_id", jobID))
	logger.Debug("live subscriber connected")

	// The read loop answers pings and notices when the client goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeEvent(conn, first); err != nil {
		logger.Debug("write progress event", zap.Error(err))
		return
	}
	if first.Status.Terminal() {
		closeNormally(conn, "job finished")
		return
	}
	for {
		select {
		case <-gone:
			return
		case evt, ok := <-updates:
			if !ok {
				if s.liveEnabled.Load() {
					closeNormally(conn, "job finished")
				}
				return
			}
			if err := writeEvent(conn, evt); err != nil {
				logger.Debug("write progress event", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, evt progress.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(evt)
}

func closeNormally(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Debug("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package statusfeed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
	"github.com/hochfrequenz/codi/internal/orchestrator"
)

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Total         int    `json:"total"`
	Active        int    `json:"active"`
	Complete      int    `json:"complete"`
	Failed        int    `json:"failed"`
	Cancelled     int    `json:"cancelled"`
	Queued        int    `json:"queued"`
	DroppedEvents uint64 `json:"dropped_events"`
}

// WorkerResponse is the API response for a worker
type WorkerResponse struct {
	ID           string                   `json:"id"`
	Branch       string                   `json:"branch"`
	Task         string                   `json:"task"`
	Role         string                   `json:"role,omitempty"`
	Status       ipcprotocol.WorkerStatus `json:"status"`
	PID          int                      `json:"pid,omitempty"`
	CurrentTool  string                   `json:"current_tool,omitempty"`
	Progress     int                      `json:"progress"`
	TokensUsed   int64                    `json:"tokens_used"`
	RestartCount int                      `json:"restart_count"`
	StartedAt    string                   `json:"started_at"`
	CompletedAt  *string                  `json:"completed_at,omitempty"`
	Duration     string                   `json:"duration"`
	WorktreePath string                   `json:"worktree_path,omitempty"`
	LastMessage  string                   `json:"last_message,omitempty"`
	Error        string                   `json:"error,omitempty"`
	Logs         []orchestrator.LogLine   `json:"logs,omitempty"`
}

func workerToResponse(s domain.WorkerState, logs []orchestrator.LogLine, includeLines int) WorkerResponse {
	resp := WorkerResponse{
		ID:           s.Config.ID,
		Branch:       s.Worktree.Branch,
		Task:         s.Config.Task,
		Role:         s.Config.Role,
		Status:       s.Status,
		PID:          s.PID,
		CurrentTool:  s.CurrentTool,
		Progress:     s.Progress,
		TokensUsed:   s.TokensUsed,
		RestartCount: s.RestartCount,
		StartedAt:    s.StartedAt.Format(time.RFC3339),
		Duration:     s.Duration().Round(time.Second).String(),
		WorktreePath: s.Worktree.Path,
		LastMessage:  s.LastMessage,
		Error:        s.Error,
	}
	if resp.Branch == "" {
		resp.Branch = s.Config.Branch
	}
	if s.CompletedAt != nil {
		t := s.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}
	if includeLines > 0 {
		if len(logs) > includeLines {
			logs = logs[len(logs)-includeLines:]
		}
		resp.Logs = logs
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp StatusResponse
		for _, st := range s.source.GetWorkers() {
			resp.Total++
			switch st.Status {
			case ipcprotocol.StatusComplete:
				resp.Complete++
			case ipcprotocol.StatusFailed:
				resp.Failed++
			case ipcprotocol.StatusCancelled:
				resp.Cancelled++
			default:
				resp.Active++
			}
		}
		resp.Queued = s.source.QueuedSpawns()
		resp.DroppedEvents = s.source.DroppedEvents()
		writeJSON(w, resp)
	}
}

func (s *Server) listWorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("active") == "true"
		statusFilter := r.URL.Query().Get("status")
		if statusFilter != "" && !ipcprotocol.WorkerStatus(statusFilter).Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", statusFilter))
			return
		}

		resp := []WorkerResponse{}
		for _, st := range s.source.GetWorkers() {
			if activeOnly && !st.IsActive() {
				continue
			}
			if statusFilter != "" && string(st.Status) != statusFilter {
				continue
			}
			resp = append(resp, workerToResponse(st, nil, 0))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		st, ok := s.source.GetWorker(id)
		if !ok {
			writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		lines := 50
		if v := r.URL.Query().Get("lines"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "lines must be a non-negative integer")
				return
			}
			lines = n
		}
		writeJSON(w, workerToResponse(st, s.source.Logs(id), lines))
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "metrics not enabled")
			return
		}
		writeJSON(w, s.metrics.GetMetrics())
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		client, ok := s.hub.Subscribe()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "feed stopped")
			return
		}
		defer s.hub.Unsubscribe(client)

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case event, ok := <-client:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		client, ok := s.hub.Subscribe()
		if !ok {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed stopped"), time.Now().Add(wsWriteWait))
			return
		}
		defer s.hub.Unsubscribe(client)

		// the feed is one-way; reading only notices the peer going away
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case event, ok := <-client:
				if !ok {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

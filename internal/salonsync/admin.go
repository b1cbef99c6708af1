package salonsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxAdminBody = 1 << 20

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func (s *Service) registerAdmin(mux *http.ServeMux) {
	mux.HandleFunc("POST /_offline/queue/{store}", s.handleEnqueue)
	mux.HandleFunc("GET /_offline/queue/{store}", s.handleDrain)
	mux.HandleFunc("DELETE /_offline/queue/{store}/{id}", s.handleRemove)
	mux.HandleFunc("POST /_offline/submit/{kind}", s.handleSubmit)
	mux.HandleFunc("POST /_offline/sync/{tag}", s.handleSync)
	mux.HandleFunc("GET /_offline/status", s.handleStatus)
	mux.HandleFunc("GET /_offline/connectivity", s.handleConnectivity)
}

type enqueueRequest struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Entity  string          `json:"entity"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	store := r.PathValue("store")
	var req enqueueRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	m, err := s.queue.Enqueue(r.Context(), store, QueuedMutation{
		ID:      req.ID,
		Kind:    req.Kind,
		Entity:  req.Entity,
		Payload: req.Payload,
		Token:   bearerToken(r.Header.Get("Authorization")),
	})
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Service) handleDrain(w http.ResponseWriter, r *http.Request) {
	recs, err := s.queue.Drain(r.Context(), r.PathValue("store"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Service) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Remove(r.Context(), r.PathValue("store"), r.PathValue("id")); err != nil {
		s.writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(payload) == 0 || !json.Valid(payload) {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	res, err := s.outbox.Submit(r.Context(), Kind(r.PathValue("kind")), bearerToken(r.Header.Get("Authorization")), r.URL.Query().Get("entity"), payload)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			writeError(w, http.StatusBadGateway, "upstream_status", se.Error())
			return
		}
		s.writeQueueError(w, err)
		return
	}
	status := http.StatusOK
	if res.Status == SubmitQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	if r.URL.Query().Get("wait") == "true" {
		res, err := s.syncs.SyncNow(r.Context(), tag)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown_tag", err.Error())
			return
		}
		if errors.Is(res.Err, ErrSyncBusy) {
			writeError(w, http.StatusConflict, "sync_busy", res.Err.Error())
			return
		}
		if res.Err != nil {
			writeError(w, http.StatusServiceUnavailable, "sync_failed", res.Err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	if err := s.syncs.Register(tag); err != nil {
		writeError(w, http.StatusNotFound, "unknown_tag", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"tag": tag, "pending": s.syncs.Pending()})
}

type statusResponse struct {
	Online     bool                  `json:"online"`
	Generation string                `json:"generation"`
	Queues     map[string]int        `json:"queues"`
	Pending    []string              `json:"pending"`
	LastSync   map[string]SyncResult `json:"lastSync"`
	Stats      statsSnapshot         `json:"stats"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	last := map[string]SyncResult{}
	for _, spec := range queueSpecs {
		if res, ok := s.syncs.LastResult(spec.Tag); ok {
			last[spec.Tag] = res
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Online:     s.monitor.Online(),
		Generation: s.cache.Generation(),
		Queues:     s.queueDepths(r.Context()),
		Pending:    s.syncs.Pending(),
		LastSync:   last,
		Stats:      s.stats.Snapshot(),
	})
}

type connectivityEvent struct {
	Online bool `json:"online"`
}

// handleConnectivity streams the online flag: the current value on connect,
// then every transition until the client goes away.
func (s *Service) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("connectivity websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	// Subscribers must not block, so only the latest state is kept.
	changes := make(chan bool, 1)
	unsubscribe := s.monitor.Subscribe(func(online bool) {
		select {
		case <-changes:
		default:
		}
		changes <- online
	})
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	if err := writeEvent(ctx, conn, s.monitor.Online()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case online := <-changes:
			if err := writeEvent(ctx, conn, online); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, online bool) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, connectivityEvent{Online: online})
}

func (s *Service) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownStore):
		writeError(w, http.StatusNotFound, "unknown_store", err.Error())
	case errors.Is(err, ErrUnknownKind):
		writeError(w, http.StatusBadRequest, "unknown_kind", err.Error())
	case errors.Is(err, ErrDuplicateID):
		writeError(w, http.StatusConflict, "duplicate_id", err.Error())
	case errors.Is(err, ErrSaveOffline):
		s.log.Error("queue write failed", "err", err)
		writeError(w, http.StatusInsufficientStorage, "storage_failed", "could not save offline")
	case errors.Is(err, ErrBadPayload):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
	default:
		s.log.Error("queue operation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

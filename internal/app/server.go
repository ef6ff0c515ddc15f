package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/status"

	apperrors "github.com/louisbranch/cardroom/internal/errors"
	"github.com/louisbranch/cardroom/internal/room"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

// Config defines the inputs for the room service transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the room HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	hub             *watchHub
	service         *RoomService
}

// NewServer wires the transport over the service. Commit notifications from
// the store feed the websocket fan-out.
func NewServer(config Config, service *RoomService, store Store) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}

	hub := newWatchHub()
	store.OnRoomChange(hub.broadcast)

	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		hub:             hub,
		service:         service,
	}
	server.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return server, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /api/rooms/{id}", s.handleGetRoom)
	mux.HandleFunc("POST /api/rooms/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /api/rooms/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/rooms/{id}/reset", s.handleReset)
	mux.HandleFunc("POST /api/rooms/{id}/next-round", s.handleNextRound)
	mux.HandleFunc("POST /api/rooms/{id}/commit-play", s.handleCommitPlay)
	mux.HandleFunc("POST /api/rooms/{id}/submit-order", s.handleSubmitOrder)
	mux.HandleFunc("POST /api/rooms/{id}/rejoin", s.handleRequestRejoin)
	mux.HandleFunc("POST /api/rooms/{id}/rejoin/cancel", s.handleCancelRejoin)
	mux.HandleFunc("POST /api/rooms/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/rooms/{id}/session-end", s.handleEndSession)

	mux.Handle("GET /ws", websocket.Handler(func(conn *websocket.Conn) {
		s.handleWSConn(conn)
	}))
	return mux
}

type createRoomRequest struct {
	HostID        string `json:"host_id"`
	HostName      string `json:"host_name"`
	AllowContinue bool   `json:"allow_continue"`
	AutoDeal      bool   `json:"auto_deal"`
	TopicType     string `json:"topic_type"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.HostID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "host_id is required")
		return
	}
	created, err := s.service.CreateRoom(r.Context(), req.HostID, req.HostName, room.Options{
		AllowContinue: req.AllowContinue,
		AutoDeal:      req.AutoDeal,
		TopicType:     req.TopicType,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomEnvelope{Room: roomToView(created)})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	got, err := s.service.GetRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomEnvelope{Room: roomToView(got)})
}

type joinRequest struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PlayerID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "player_id is required")
		return
	}
	if err := s.service.Join(r.Context(), r.PathValue("id"), req.PlayerID, req.Name); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startRequest struct {
	RequestID       string `json:"request_id"`
	ExpectedVersion uint64 `json:"expected_version"`
	AutoDeal        bool   `json:"auto_deal"`
	AllowContinue   bool   `json:"allow_continue"`
	TopicType       string `json:"topic_type"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	started, err := s.service.Start(r.Context(), StartParams{
		RoomID:          r.PathValue("id"),
		RequestID:       req.RequestID,
		ExpectedVersion: req.ExpectedVersion,
		AutoDeal:        req.AutoDeal,
		AllowContinue:   req.AllowContinue,
		TopicType:       req.TopicType,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomEnvelope{Room: roomToView(started)})
}

type resetRequest struct {
	RequestID        string `json:"request_id"`
	ExpectedVersion  uint64 `json:"expected_version"`
	RecallSpectators bool   `json:"recall_spectators"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reset, err := s.service.Reset(r.Context(), ResetParams{
		RoomID:           r.PathValue("id"),
		RequestID:        req.RequestID,
		ExpectedVersion:  req.ExpectedVersion,
		RecallSpectators: req.RecallSpectators,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomEnvelope{Room: roomToView(reset)})
}

type nextRoundRequest struct {
	RequestID       string `json:"request_id"`
	ExpectedVersion uint64 `json:"expected_version"`
}

func (s *Server) handleNextRound(w http.ResponseWriter, r *http.Request) {
	var req nextRoundRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	advanced, err := s.service.NextRound(r.Context(), NextRoundParams{
		RoomID:          r.PathValue("id"),
		RequestID:       req.RequestID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomEnvelope{Room: roomToView(advanced)})
}

type commitPlayRequest struct {
	PlayerID string `json:"player_id"`
}

func (s *Server) handleCommitPlay(w http.ResponseWriter, r *http.Request) {
	var req commitPlayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PlayerID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "player_id is required")
		return
	}
	played, err := s.service.CommitPlay(r.Context(), r.PathValue("id"), req.PlayerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomEnvelope{Room: roomToView(played)})
}

type submitOrderRequest struct {
	List []string `json:"list"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	revealed, err := s.service.SubmitOrder(r.Context(), r.PathValue("id"), req.List)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomEnvelope{Room: roomToView(revealed)})
}

type rejoinRequestBody struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleRequestRejoin(w http.ResponseWriter, r *http.Request) {
	var req rejoinRequestBody
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "uid is required")
		return
	}
	stored, err := s.service.RequestRejoin(r.Context(), r.PathValue("id"), req.UID, req.DisplayName)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rejoinEnvelope{Request: rejoinToView(stored)})
}

func (s *Server) handleCancelRejoin(w http.ResponseWriter, r *http.Request) {
	var req rejoinRequestBody
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "uid is required")
		return
	}
	if err := s.service.CancelRejoin(r.Context(), r.PathValue("id"), req.UID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	UID       string `json:"uid,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "session_id is required")
		return
	}
	s.service.Heartbeat(r.PathValue("id"), req.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "session_id is required")
		return
	}
	if err := s.service.EndSession(r.Context(), r.PathValue("id"), req.SessionID, req.UID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return false
	}
	return true
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, httpStatus int, code, message string) {
	writeJSON(w, httpStatus, errorEnvelope{Error: apiError{Code: code, Message: message}})
}

// writeServiceError maps the boundary taxonomy onto HTTP. The gRPC status
// code keeps a stable machine-readable label in the payload.
func writeServiceError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	httpStatus := http.StatusInternalServerError
	switch kind {
	case apperrors.KindPermissionDenied:
		httpStatus = http.StatusForbidden
	case apperrors.KindVersionMismatch:
		httpStatus = http.StatusPreconditionFailed
	case apperrors.KindNotFound:
		httpStatus = http.StatusNotFound
	case apperrors.KindConflict:
		httpStatus = http.StatusConflict
	case apperrors.KindUnavailable:
		httpStatus = http.StatusServiceUnavailable
	case apperrors.KindQuotaExceeded:
		httpStatus = http.StatusTooManyRequests
	case apperrors.KindTimeout:
		httpStatus = http.StatusGatewayTimeout
	}

	code := "INTERNAL"
	message := "an unexpected error occurred"
	if st, ok := status.FromError(apperrors.ToStatus(err)); ok {
		code = st.Code().String()
		message = st.Message()
	}
	writeJSON(w, httpStatus, errorEnvelope{Error: apiError{
		Code:      strings.ToUpper(code),
		Message:   message,
		Retryable: apperrors.IsRetryable(err),
	}})
}

func writeJSON(w http.ResponseWriter, httpStatus int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("room: encode response: %v", err)
	}
}

// Run serves a room server until the context ends.
func Run(ctx context.Context, config Config, service *RoomService, store Store) error {
	server, err := NewServer(config, service, store)
	if err != nil {
		return fmt.Errorf("init room server: %w", err)
	}
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve room: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("room server is nil")
	}

	group, ctx := errgroup.WithContext(ctx)
	log.Printf("room server listening on %s", s.httpAddr)

	group.Go(func() error {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		s.hub.closeAll()
		return nil
	})
	return group.Wait()
}

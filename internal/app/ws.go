package app

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/cardroom/internal/room"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 20
	maxDecodeErrorsPerConn = 3
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error apiError `json:"error"`
}

type watchPayload struct {
	RoomID string `json:"room_id"`
}

type snapshotPayload struct {
	Room      roomView `json:"room"`
	FromCache bool     `json:"from_cache"`
}

type syncPatchPayload struct {
	RoomID        string `json:"room_id"`
	StatusVersion uint64 `json:"status_version"`
}

// wsPeer serializes frame writes to one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// watchHub fans committed room changes out to the peers watching each room.
// Every commit produces a fast sync patch carrying just the new version,
// followed by the full server-confirmed snapshot.
type watchHub struct {
	mu    sync.Mutex
	rooms map[string]map[*wsPeer]struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{rooms: make(map[string]map[*wsPeer]struct{})}
}

func (h *watchHub) watch(roomID string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.rooms[roomID]
	if !ok {
		peers = make(map[*wsPeer]struct{})
		h.rooms[roomID] = peers
	}
	peers[peer] = struct{}{}
}

func (h *watchHub) leave(roomID string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(peers, peer)
	if len(peers) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *watchHub) subscribers(roomID string) []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*wsPeer, 0, len(h.rooms[roomID]))
	for peer := range h.rooms[roomID] {
		peers = append(peers, peer)
	}
	return peers
}

func (h *watchHub) broadcast(r room.Room) {
	peers := h.subscribers(r.ID)
	if len(peers) == 0 {
		return
	}

	patch := wsFrame{
		Type: "room.sync",
		Payload: mustJSON(syncPatchPayload{
			RoomID:        r.ID,
			StatusVersion: r.StatusVersion,
		}),
	}
	snapshot := wsFrame{
		Type:    "room.snapshot",
		Payload: mustJSON(snapshotPayload{Room: roomToView(r)}),
	}
	for _, peer := range peers {
		_ = peer.writeFrame(patch)
		_ = peer.writeFrame(snapshot)
	}
}

func (h *watchHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms = make(map[string]map[*wsPeer]struct{})
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))

	watched := ""
	defer func() {
		if watched != "" {
			s.hub.leave(watched, peer)
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "room.watch":
			var payload watchPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid watch payload")
				continue
			}
			roomID := strings.TrimSpace(payload.RoomID)
			if roomID == "" {
				_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "room_id is required")
				continue
			}

			snapshot, err := s.service.GetRoom(conn.Request().Context(), roomID)
			if err != nil {
				_ = writeWSError(peer, frame.RequestID, "NOT_FOUND", "room not found")
				continue
			}

			if watched != "" && watched != roomID {
				s.hub.leave(watched, peer)
			}
			watched = roomID
			s.hub.watch(roomID, peer)

			_ = peer.writeFrame(wsFrame{
				Type:      "room.snapshot",
				RequestID: frame.RequestID,
				Payload:   mustJSON(snapshotPayload{Room: roomToView(snapshot)}),
			})
		case "room.unwatch":
			if watched != "" {
				s.hub.leave(watched, peer)
				watched = ""
			}
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func writeWSError(peer *wsPeer, requestID, code, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "room.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: apiError{Code: code, Message: message},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

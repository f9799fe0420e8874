package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"sentrydesk-backend/internal/middleware"
	"sentrydesk-backend/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub bridges session stores and browsers. Toward the stores it is the push
// channel, backed by one redis pub/sub channel per session so every server
// instance sees the same events. Toward browsers it upgrades websocket
// connections and pumps store events out as JSON frames.
type Hub struct {
	redisClient *redis.Client
	jwt         *middleware.JWTAuth
	manager     *session.Manager
}

func NewHub(redisClient *redis.Client, jwt *middleware.JWTAuth) *Hub {
	return &Hub{redisClient: redisClient, jwt: jwt}
}

// BindManager wires the session manager in after construction; the manager
// itself needs the hub as its push channel.
func (h *Hub) BindManager(m *session.Manager) {
	h.manager = m
}

func sessionChannel(sessionID uuid.UUID) string {
	return "session_updates:" + sessionID.String()
}

// Publish sends a push event to every subscriber of the session's channel.
// Best-effort: a false return means the event may not have gone out, and the
// pull cycle is expected to compensate.
func (h *Hub) Publish(ctx context.Context, sessionID uuid.UUID, ev session.PushEvent) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if err := h.redisClient.Publish(ctx, sessionChannel(sessionID), payload).Err(); err != nil {
		log.Printf("push publish failed for session %s: %v", sessionID, err)
		return false
	}
	return true
}

// Subscribe opens the session's pub/sub channel and decodes events until the
// context is cancelled. The returned channel closes when the subscription
// drops, which the store treats as degradation to poll-only delivery.
func (h *Hub) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan session.PushEvent, error) {
	pubsub := h.redisClient.Subscribe(ctx, sessionChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan session.PushEvent, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev session.PushEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("push decode failed for session %s: %v", sessionID, err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// clientFrame is what browsers send over the socket.
type clientFrame struct {
	Type        string `json:"type"` // "message" | "read"
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandleWebSocket authenticates via token query param, attaches the caller as
// a viewer of the requested session and pumps events both ways until the
// connection drops.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	identity, err := h.jwt.VerifyToken(tokenStr)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, "Invalid session_id", http.StatusBadRequest)
		return
	}

	st := h.manager.Get(sessionID)

	// Authorize before upgrading: participants and admins only.
	sess, err := st.FetchSession(r.Context())
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	participant := sess.UserID == identity.UserID ||
		(sess.ExpertID != nil && *sess.ExpertID == identity.UserID)
	if !participant && !identity.IsAdmin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub, err := st.Attach(context.Background(), identity.UserID, identity.IsAdmin)
	if err != nil {
		conn.WriteJSON(errorFrame{Type: "error", Code: "GONE", Message: "Session is no longer available"})
		return
	}
	defer st.Detach(sub)

	log.Printf("WebSocket connected: user %s on session %s", identity.UserID, sessionID)
	defer log.Printf("WebSocket disconnected: user %s on session %s", identity.UserID, sessionID)

	// gorilla allows one concurrent writer; both the event pump and inline
	// error replies go through send.
	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// The pump exits when Detach closes the subscriber channel.
	go func() {
		for ev := range sub.Events {
			if err := send(ev); err != nil {
				return
			}
			if ev.Type == session.EventTeardown {
				conn.Close()
				return
			}
		}
	}()

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}

		switch frame.Type {
		case "message":
			if _, err := st.SendMessage(r.Context(), identity.UserID, identity.IsAdmin, frame.Content, frame.MessageType); err != nil {
				send(sendError(err))
			}
		case "read":
			if err := st.MarkRead(r.Context(), identity.UserID); err != nil {
				log.Printf("session %s: mark read failed: %v", sessionID, err)
			}
		}
	}
}

func sendError(err error) errorFrame {
	switch {
	case err == nil:
		return errorFrame{}
	case session.Retryable(err):
		return errorFrame{Type: "error", Code: "NETWORK", Message: "Message could not be delivered. Please retry."}
	default:
		code := "SEND_FAILED"
		if err == session.ErrGone {
			code = "GONE"
		}
		return errorFrame{Type: "error", Code: code, Message: err.Error()}
	}
}

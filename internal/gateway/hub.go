package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/auth"
	"github.com/discordant/realtime-core/internal/bus"
	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/metrics"
	"github.com/discordant/realtime-core/internal/presence"
	"github.com/discordant/realtime-core/internal/ratelimit"
)

// PresenceCoordinator is the subset of presence.Coordinator the Hub
// depends on, abstracted for testability.
type PresenceCoordinator interface {
	Connect(ctx context.Context, userID string, guildIDs []string) (presence.Record, error)
	Disconnect(ctx context.Context, userID string) error
	SetStatus(ctx context.Context, userID string, status presence.Status, activity string) (presence.Record, error)
}

// Hub is the central coordinator for every WebSocket session accepted by
// this process. It owns the local session registry and the subscription
// multiplexer onto the Pub/Sub Fabric: one subscriber goroutine per topic
// that currently has at least one interested local session.
type Hub struct {
	validator auth.TokenValidator
	bus       *bus.Service
	presence  PresenceCoordinator
	rl        *ratelimit.Limiter

	allowedOrigins []string
	chatBaseURL    string
	httpClient     *http.Client

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{} // userID -> set of session ids
	topics   map[string]*topicSub           // topic -> subscription state

	processCtx context.Context
}

type topicSub struct {
	cancel   context.CancelFunc
	refCount int
}

// NewHub builds a Hub. processCtx roots every subscription's lifetime and
// is cancelled at process shutdown.
func NewHub(processCtx context.Context, validator auth.TokenValidator, busService *bus.Service, presenceCoord PresenceCoordinator, rl *ratelimit.Limiter, allowedOrigins []string, chatBaseURL string) *Hub {
	return &Hub{
		validator:      validator,
		bus:            busService,
		presence:       presenceCoord,
		rl:             rl,
		allowedOrigins: allowedOrigins,
		chatBaseURL:    chatBaseURL,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		sessions:       make(map[string]*Session),
		byUser:         make(map[string]map[string]struct{}),
		topics:         make(map[string]*topicSub),
		processCtx:     processCtx,
	}
}

var upgrader = websocket.Upgrader{}

// ServeWS authenticates the connecting client, upgrades the HTTP request to
// a WebSocket, and registers the new session. Auth failure is answered
// with an HTTP 401 JSON error before any upgrade is attempted; no
// WebSocket connection is opened, so no policy-violation close frame is
// sent.
func (h *Hub) ServeWS(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, allowed := range h.allowedOrigins {
			if allowedURL, err := url.Parse(allowed); err == nil &&
				originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
				return true
			}
		}
		return false
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	displayName := claims.DisplayName
	if displayName == "" {
		displayName = claims.Subject
	}

	session := newSession(h.processCtx, uuid.NewString(), claims.Subject, displayName, conn, h)
	h.register(session)

	go session.writePump()
	go session.readPump()

	metrics.ActiveSessions.Inc()

	rec, err := h.presence.Connect(session.ctx, session.UserID, nil)
	if err != nil {
		logging.Warn(session.ctx, "presence connect failed", zap.Error(err))
	}
	session.sendFrame(FrameReady, ReadyPayload{
		UserID:      session.UserID,
		DisplayName: session.DisplayName,
		SessionID:   session.ID,
		GuildIDs:    rec.GuildIDs,
	}, "")
}

func bearerToken(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	set, ok := h.byUser[s.UserID]
	if !ok {
		set = make(map[string]struct{})
		h.byUser[s.UserID] = set
	}
	set[s.ID] = struct{}{}
	h.mu.Unlock()
}

// unregister removes a session from the registry, drops its topic
// subscriptions, and informs the Presence Coordinator when it was the
// user's last live session.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	lastForUser := false
	if set, ok := h.byUser[s.UserID]; ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(h.byUser, s.UserID)
			lastForUser = true
		}
	}
	for _, topic := range s.Topics() {
		h.decrefTopic(topic)
	}
	h.mu.Unlock()

	close(s.send)
	metrics.ActiveSessions.Dec()

	if lastForUser {
		if err := h.presence.Disconnect(context.Background(), s.UserID); err != nil {
			logging.Warn(context.Background(), "presence disconnect failed", zap.String("user_id", s.UserID), zap.Error(err))
		}
	}
}

// subscribeTopic adds sessionID's interest in topic, starting the shared
// bus subscriber goroutine for that topic if this is the first subscriber.
func (h *Hub) subscribeTopic(s *Session, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.hasTopic(topic) {
		return
	}
	s.addTopic(topic)

	sub, ok := h.topics[topic]
	if !ok {
		ctx, cancel := context.WithCancel(h.processCtx)
		sub = &topicSub{cancel: cancel}
		h.topics[topic] = sub
		h.bus.Subscribe(ctx, topic, nil, h.deliverFunc(topic))
	}
	sub.refCount++
}

func (h *Hub) unsubscribeTopic(s *Session, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !s.hasTopic(topic) {
		return
	}
	s.removeTopic(topic)
	h.decrefTopic(topic)
}

// decrefTopic must be called with h.mu held.
func (h *Hub) decrefTopic(topic string) {
	sub, ok := h.topics[topic]
	if !ok {
		return
	}
	sub.refCount--
	if sub.refCount <= 0 {
		sub.cancel()
		delete(h.topics, topic)
	}
}

// deliverFunc returns the bus handler for topic: it fans the envelope out
// to every currently-subscribed local session's outbound buffer, including
// the session that originated the event (if still subscribed) so it gets
// its own echo. Only that sender's copy carries the nonce, so recipients
// can't observe a value that only has meaning for the publishing session.
func (h *Hub) deliverFunc(topic string) func(bus.Envelope) {
	return func(env bus.Envelope) {
		h.mu.Lock()
		var targets []*Session
		for id := range h.sessions {
			sess := h.sessions[id]
			if sess.hasTopic(topic) {
				targets = append(targets, sess)
			}
		}
		h.mu.Unlock()

		data, err := marshalFrame(Frame{Type: env.Event, Payload: env.Payload})
		if err != nil {
			return
		}

		var echoData []byte
		if env.SenderSessionID != "" && env.Nonce != "" {
			echoData, err = marshalFrame(Frame{Type: env.Event, Payload: env.Payload, Nonce: env.Nonce})
			if err != nil {
				echoData = nil
			}
		}

		for _, sess := range targets {
			if echoData != nil && sess.ID == env.SenderSessionID {
				sess.enqueue(echoData)
				continue
			}
			sess.enqueue(data)
		}
	}
}

// Shutdown waits up to the given deadline for active sessions to drain
// after the process context has been cancelled by the caller.
func (h *Hub) Shutdown(timeout time.Duration) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		h.mu.Lock()
		n := len(h.sessions)
		h.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

// Package voice implements the Voice Coordinator: room lifecycle
// management independent of the SFU's internal state, SFU admission
// token issuance, webhook normalization, and participant bookkeeping.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/apperr"
	"github.com/discordant/realtime-core/internal/bus"
	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/metrics"
	"github.com/discordant/realtime-core/internal/ratelimit"
)

const (
	roomTTL        = time.Hour
	participantTTL = time.Hour
)

func roomKeyRedisKey(key RoomKey) string        { return fmt.Sprintf("room:%s", key) }
func participantRedisKey(key RoomKey, userID string) string {
	return fmt.Sprintf("participant:%s:%s", key, userID)
}
func sessionRedisKey(userID string) string { return fmt.Sprintf("session:%s", userID) }

const activeRoomsKey = "rooms:active"

// Coordinator owns voice room/participant lifecycle.
type Coordinator struct {
	redis *redis.Client
	bus   *bus.Service
	sfu   sfuBackend
	rl    *ratelimit.Limiter

	maxParticipants int
	emptyTimeout    time.Duration
	tokenTTL        time.Duration

	sfuAPIKeyVal        string
	sfuAPISecretVal     string
	sfuWebhookSecretVal []byte

	turn *turnIssuer

	mu              sync.Mutex
	pendingDeletion map[RoomKey]*time.Timer

	sweepStop chan struct{}
}

// Config bundles everything the Coordinator needs to construct its SFU
// client and TURN credential issuer.
type Config struct {
	SFUBaseURL       string
	SFUAPIKey        string
	SFUAPISecret     string
	SFUWebhookSecret string
	AllowPrivateHost bool

	TURNEnabled bool
	TURNSecret  string
	TURNRealm   string
	TURNTTL     time.Duration
	TURNURIs    []string
	STUNURIs    []string

	MaxParticipants int
	EmptyTimeout    time.Duration
	TokenTTL        time.Duration
}

func New(redisClient *redis.Client, busService *bus.Service, rl *ratelimit.Limiter, cfg Config) *Coordinator {
	return newWithBackend(redisClient, busService, rl, cfg, newSFUClient(cfg.SFUBaseURL, cfg.SFUAPIKey, cfg.SFUAPISecret, cfg.AllowPrivateHost))
}

// newWithBackend is the shared constructor used by New (a real sfuClient)
// and by tests (a fake sfuBackend).
func newWithBackend(redisClient *redis.Client, busService *bus.Service, rl *ratelimit.Limiter, cfg Config, backend sfuBackend) *Coordinator {
	return &Coordinator{
		redis:               redisClient,
		bus:                 busService,
		sfu:                 backend,
		rl:                  rl,
		maxParticipants:     cfg.MaxParticipants,
		emptyTimeout:        cfg.EmptyTimeout,
		tokenTTL:            cfg.TokenTTL,
		sfuAPIKeyVal:        cfg.SFUAPIKey,
		sfuAPISecretVal:     cfg.SFUAPISecret,
		sfuWebhookSecretVal: []byte(cfg.SFUWebhookSecret),
		turn:                newTURNIssuer(cfg.TURNEnabled, cfg.TURNSecret, cfg.TURNRealm, cfg.TURNTTL, cfg.TURNURIs, cfg.STUNURIs),
		pendingDeletion:     make(map[RoomKey]*time.Timer),
		sweepStop:           make(chan struct{}),
	}
}

func (c *Coordinator) sfuAPIKey() string    { return c.sfuAPIKeyVal }
func (c *Coordinator) sfuAPISecret() string { return c.sfuAPISecretVal }

// GetRoom returns the room at key, or nil if it has never been created.
func (c *Coordinator) GetRoom(ctx context.Context, key RoomKey) (*Room, error) {
	return c.loadRoom(ctx, key)
}

// RoomFilter narrows ListRooms to a guild and/or active-only rooms.
type RoomFilter struct {
	GuildID    string
	ActiveOnly bool
	Limit      int
}

// ListRooms returns every room currently indexed in the active-rooms set,
// matching filter. Rooms are looked up individually since the set only
// indexes keys, not full records.
func (c *Coordinator) ListRooms(ctx context.Context, filter RoomFilter) ([]*Room, error) {
	ids, err := c.redis.SMembers(ctx, activeRoomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active rooms: %w", err)
	}

	rooms := make([]*Room, 0, len(ids))
	for _, id := range ids {
		key := parseRoomKey(id)
		if filter.GuildID != "" && key.GuildID != filter.GuildID {
			continue
		}
		room, err := c.loadRoom(ctx, key)
		if err != nil || room == nil {
			continue
		}
		if filter.ActiveOnly && !room.Active {
			continue
		}
		rooms = append(rooms, room)
		if filter.Limit > 0 && len(rooms) >= filter.Limit {
			break
		}
	}
	return rooms, nil
}

// DeleteRoom tears a room down immediately: deletes the SFU room, marks
// the local record inactive, and drops it from the active set. Unlike the
// empty-timeout path this is an explicit administrative action and does
// not wait for participants to leave.
func (c *Coordinator) DeleteRoom(ctx context.Context, key RoomKey) error {
	room, err := c.loadRoom(ctx, key)
	if err != nil {
		return err
	}
	if room == nil {
		return apperr.New(apperr.KindNotFound, "room_not_found", "voice room not found")
	}

	c.cancelPendingDeletion(key)
	if err := c.sfu.deleteRoom(ctx, room.SFURoomName); err != nil {
		logging.Warn(ctx, "failed to delete sfu room", zap.String("room", room.SFURoomName), zap.Error(err))
	}

	room.Active = false
	if err := c.saveRoom(ctx, room); err != nil {
		return err
	}
	if err := c.redis.SRem(ctx, activeRoomsKey, key.String()).Err(); err != nil {
		logging.Error(ctx, "failed to remove room from active set", zap.Error(err))
	}
	metrics.ActiveVoiceRooms.Dec()
	metrics.VoiceParticipants.DeleteLabelValues(key.String())

	_ = c.bus.Publish(ctx, bus.TopicVoiceRoom(key.String()), "voice_room_deleted", room, "", "")
	return nil
}

// ICEServers returns the currently configured STUN/TURN URI list, for the
// ice-servers HTTP endpoint; credentials are derived separately per caller
// since they're time-boxed to the request.
func (c *Coordinator) ICEServers() ([]string, []string) {
	return c.turn.iceURIs(), c.turn.stunURIs()
}

// IssueTURNCredentials mints a fresh temporary TURN username/credential
// pair for userID, or nil if TURN is disabled.
func (c *Coordinator) IssueTURNCredentials(userID string) (*Credentials, error) {
	return c.turn.Issue(userID)
}

func (c *Coordinator) loadRoom(ctx context.Context, key RoomKey) (*Room, error) {
	raw, err := c.redis.Get(ctx, roomKeyRedisKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	var room Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return nil, fmt.Errorf("unmarshal room: %w", err)
	}
	return &room, nil
}

func (c *Coordinator) saveRoom(ctx context.Context, room *Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, roomKeyRedisKey(room.Key), data, roomTTL).Err()
}

// CreateRoom is idempotent by key: an existing active room is returned
// unchanged rather than recreated.
func (c *Coordinator) CreateRoom(ctx context.Context, key RoomKey) (*Room, error) {
	existing, err := c.loadRoom(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Active {
		return existing, nil
	}

	sfuName := key.String()
	if err := c.sfu.createRoom(ctx, sfuName, uint32(c.maxParticipants), c.emptyTimeout); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "sfu_create_room_failed", "failed to create sfu room", err)
	}

	room := &Room{
		Key:             key,
		SFURoomName:     sfuName,
		MaxParticipants: c.maxParticipants,
		CreatedAt:       time.Now(),
		Active:          true,
	}
	if err := c.saveRoom(ctx, room); err != nil {
		return nil, err
	}
	if err := c.redis.SAdd(ctx, activeRoomsKey, key.String()).Err(); err != nil {
		logging.Error(ctx, "failed to index room into active set", zap.Error(err))
	}
	metrics.ActiveVoiceRooms.Inc()

	_ = c.bus.Publish(ctx, bus.TopicVoiceRoom(key.String()), "voice_room_created", room, "", "")
	return room, nil
}

// JoinResult is returned to the Gateway for relay to the client.
type JoinResult struct {
	Token       string   `json:"token"`
	RoomName    string   `json:"room_name"`
	ICEServers  []string `json:"ice_servers"`
	STUNServers []string `json:"stun_servers"`
}

// JoinRoom admits userID to the room at key, issuing an SFU token scoped
// to role's permissions.
func (c *Coordinator) JoinRoom(ctx context.Context, key RoomKey, userID string, role Role) (*JoinResult, error) {
	if c.rl != nil {
		if err := c.rl.AllowFrame(ctx, ratelimit.FrameOther, userID); err != nil {
			return nil, err
		}
	}

	room, err := c.CreateRoom(ctx, key) // idempotent: reuses an active room
	if err != nil {
		return nil, err
	}
	if len(room.Participants) >= room.MaxParticipants {
		return nil, apperr.New(apperr.KindConflict, "room_full", "voice room is at capacity")
	}

	c.cancelPendingDeletion(key)

	sfuIdentity := fmt.Sprintf("%s-%d", userID, time.Now().UnixNano())
	grant := ResolvePermissions(role)

	token, err := issueToken(c.sfuAPIKey(), c.sfuAPISecret(), sfuIdentity, room.SFURoomName, grant, c.tokenTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "sfu_token_failed", "failed to issue sfu token", err)
	}

	now := time.Now()
	participant := &Participant{
		RoomKey:      key,
		UserID:       userID,
		SFUIdentity:  sfuIdentity,
		Role:         role,
		JoinedAt:     now,
		LastActivity: now,
	}
	if err := c.saveParticipant(ctx, participant); err != nil {
		return nil, err
	}

	session := &UserSession{
		UserID:      userID,
		RoomKey:     key,
		SFUIdentity: sfuIdentity,
		JoinedAt:    now,
		ExpiresAt:   now.Add(c.tokenTTL),
	}
	if err := c.saveSession(ctx, session); err != nil {
		return nil, err
	}

	room.Participants = appendUnique(room.Participants, userID)
	room.EmptySince = time.Time{}
	if err := c.saveRoom(ctx, room); err != nil {
		return nil, err
	}
	metrics.VoiceParticipants.WithLabelValues(key.String()).Set(float64(len(room.Participants)))

	_ = c.bus.Publish(ctx, bus.TopicVoiceRoom(key.String()), "participant_joined", participant, "", "")

	return &JoinResult{
		Token:       token,
		RoomName:    room.SFURoomName,
		ICEServers:  c.turn.iceURIs(),
		STUNServers: c.turn.stunURIs(),
	}, nil
}

// LeaveRoom removes userID's participant record. If the room becomes
// empty, SFU room deletion is scheduled after the empty-timeout. A replay
// of the same leave (e.g. a retried webhook) is a no-op: once the
// participant record is gone, there is nothing left to remove, so no
// second participant_left is published.
func (c *Coordinator) LeaveRoom(ctx context.Context, key RoomKey, userID string) error {
	participant, err := c.loadParticipant(ctx, key, userID)
	if err != nil {
		return err
	}
	if participant == nil {
		return nil
	}

	if err := c.redis.Del(ctx, participantRedisKey(key, userID)).Err(); err != nil {
		logging.Error(ctx, "failed to delete participant record", zap.Error(err))
	}
	_ = c.redis.Del(ctx, sessionRedisKey(userID)).Err()

	room, err := c.loadRoom(ctx, key)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}

	room.Participants = removeString(room.Participants, userID)
	if len(room.Participants) == 0 {
		room.EmptySince = time.Now()
		c.scheduleRoomDeletion(key)
	}
	if err := c.saveRoom(ctx, room); err != nil {
		return err
	}
	metrics.VoiceParticipants.WithLabelValues(key.String()).Set(float64(len(room.Participants)))

	_ = c.bus.Publish(ctx, bus.TopicVoiceRoom(key.String()), "participant_left", participantLeftEvent{RoomKey: key, UserID: userID}, "", "")
	return nil
}

// participantLeftEvent is the payload published for both explicit leaves
// and webhook-driven participant-left cleanup.
type participantLeftEvent struct {
	RoomKey RoomKey `json:"room_key"`
	UserID  string  `json:"user_id"`
}

func (c *Coordinator) scheduleRoomDeletion(key RoomKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, exists := c.pendingDeletion[key]; exists {
		t.Stop()
	}
	c.pendingDeletion[key] = time.AfterFunc(c.emptyTimeout, func() {
		ctx := context.Background()
		room, err := c.loadRoom(ctx, key)
		if err != nil || room == nil || len(room.Participants) > 0 {
			return
		}
		room.Active = false
		_ = c.saveRoom(ctx, room)
		_ = c.redis.SRem(ctx, activeRoomsKey, key.String()).Err()
		_ = c.sfu.deleteRoom(ctx, room.SFURoomName)
		metrics.ActiveVoiceRooms.Dec()
		metrics.VoiceParticipants.DeleteLabelValues(key.String())

		c.mu.Lock()
		delete(c.pendingDeletion, key)
		c.mu.Unlock()
	})
}

func (c *Coordinator) cancelPendingDeletion(key RoomKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, exists := c.pendingDeletion[key]; exists {
		t.Stop()
		delete(c.pendingDeletion, key)
	}
}

// UpdateParticipant applies mute/deafen/streaming mutations, enforcing
// deafened => muted, then publishes participant_updated.
func (c *Coordinator) UpdateParticipant(ctx context.Context, key RoomKey, userID string, muted, deafened, streaming *bool) error {
	p, err := c.loadParticipant(ctx, key, userID)
	if err != nil {
		return err
	}
	if p == nil {
		return apperr.New(apperr.KindNotFound, "participant_not_found", "participant not found in room")
	}

	if muted != nil {
		p.Muted = *muted
	}
	if deafened != nil {
		p.Deafened = *deafened
	}
	if streaming != nil {
		p.Streaming = *streaming
	}
	if p.Deafened {
		p.Muted = true
	}
	p.LastActivity = time.Now()

	if err := c.saveParticipant(ctx, p); err != nil {
		return err
	}
	if err := c.sfu.updateParticipantPermission(ctx, key.String(), p.SFUIdentity, !p.Muted, !p.Deafened); err != nil {
		logging.Warn(ctx, "failed to push permission update to sfu", zap.Error(err))
	}

	_ = c.bus.Publish(ctx, bus.TopicVoiceRoom(key.String()), "participant_updated", p, "", "")
	return nil
}

func (c *Coordinator) loadParticipant(ctx context.Context, key RoomKey, userID string) (*Participant, error) {
	raw, err := c.redis.Get(ctx, participantRedisKey(key, userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load participant: %w", err)
	}
	var p Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal participant: %w", err)
	}
	return &p, nil
}

func (c *Coordinator) saveParticipant(ctx context.Context, p *Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, participantRedisKey(p.RoomKey, p.UserID), data, participantTTL).Err()
}

func (c *Coordinator) saveSession(ctx context.Context, s *UserSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return c.redis.Set(ctx, sessionRedisKey(s.UserID), data, ttl).Err()
}

// Sweep marks rooms that have been empty for longer than one hour as
// inactive, removes them from the active set, and
// best-effort deletes their SFU counterpart. Run every 5 minutes.
func (c *Coordinator) Sweep(ctx context.Context) {
	ids, err := c.redis.SMembers(ctx, activeRoomsKey).Result()
	if err != nil {
		logging.Error(ctx, "voice sweep failed to list active rooms", zap.Error(err))
		return
	}
	for _, id := range ids {
		key := parseRoomKey(id)
		room, err := c.loadRoom(ctx, key)
		if err != nil || room == nil {
			continue
		}
		if len(room.Participants) > 0 {
			continue
		}
		if room.EmptySince.IsZero() || time.Since(room.EmptySince) < time.Hour {
			continue
		}
		room.Active = false
		_ = c.saveRoom(ctx, room)
		_ = c.redis.SRem(ctx, activeRoomsKey, id).Err()
		_ = c.sfu.deleteRoom(ctx, room.SFURoomName)
		metrics.ActiveVoiceRooms.Dec()
	}
}

// StartSweeper runs Sweep every 5 minutes until Stop is called.
func (c *Coordinator) StartSweeper(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-c.sweepStop:
				return
			case <-ticker.C:
				c.Sweep(context.Background())
			}
		}
	}()
}

func (c *Coordinator) Stop() {
	close(c.sweepStop)
	c.mu.Lock()
	for _, t := range c.pendingDeletion {
		t.Stop()
	}
	c.mu.Unlock()
}

func parseRoomKey(id string) RoomKey {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return RoomKey{GuildID: id[:i], ChannelID: id[i+1:]}
		}
	}
	return RoomKey{GuildID: id}
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}

func removeString(list []string, item string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}

// Package presence implements the single source of truth for user
// status: Offline -> Online -> {Idle, DoNotDisturb, Invisible} -> Offline,
// with grace-window debounce on disconnect and fan-out to the pub/sub
// fabric on every transition.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/bus"
	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/metrics"
)

// Status is one of the five presence states a user can be in.
type Status string

const (
	StatusOffline      Status = "offline"
	StatusOnline       Status = "online"
	StatusIdle         Status = "idle"
	StatusDoNotDisturb Status = "dnd"
	StatusInvisible    Status = "invisible"
)

// Record is the presence state for a single user, versioned for
// optimistic compare-and-set against the coordination store.
type Record struct {
	UserID     string    `json:"user_id"`
	Status     Status    `json:"status"`
	Activity   string    `json:"activity,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	GuildIDs   []string  `json:"guild_ids"`
	Version    int64     `json:"version"`
	Connections int      `json:"connections"`
}

func recordKey(userID string) string { return fmt.Sprintf("presence:%s", userID) }
func guildOnlineKey(guildID string) string { return fmt.Sprintf("online:guild:%s", guildID) }

// knownUsersKey indexes every user id a presence record has ever been
// written for, so the sweeper can scan a shared, fleet-wide source of
// truth instead of whatever happens to be in one process's local cache.
const knownUsersKey = "presence:known"

const recordTTL = time.Hour

// cacheEntry is a short-TTL local read-through cache entry.
type cacheEntry struct {
	record    Record
	expiresAt time.Time
}

// Coordinator owns every presence record in the fleet, serializing writes
// through Redis optimistic locking and publishing every transition to the
// pub/sub fabric.
type Coordinator struct {
	redis *redis.Client
	bus   *bus.Service

	graceWindow    time.Duration
	livenessWindow time.Duration

	cache   sync.Map // userID -> cacheEntry
	cacheTTL time.Duration

	mu            sync.Mutex
	pendingOffline map[string]*time.Timer

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// New builds a Coordinator. graceWindow controls how long a user's
// last connection may be absent before Offline is published; livenessWindow
// controls the sweeper's forced-offline threshold.
func New(redisClient *redis.Client, busService *bus.Service, graceWindow, livenessWindow time.Duration) *Coordinator {
	return &Coordinator{
		redis:          redisClient,
		bus:            busService,
		graceWindow:    graceWindow,
		livenessWindow: livenessWindow,
		cacheTTL:       5 * time.Second,
		pendingOffline: make(map[string]*time.Timer),
		sweepStop:      make(chan struct{}),
	}
}

// StartSweeper launches the background goroutine that forces stale
// records offline every 5 minutes. Call Stop to join it on shutdown.
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
				c.sweep(context.Background())
			}
		}
	}()
}

// Stop halts the sweeper and cancels any pending grace-window timers.
func (c *Coordinator) Stop() {
	close(c.sweepStop)
	c.mu.Lock()
	for _, t := range c.pendingOffline {
		t.Stop()
	}
	c.mu.Unlock()
}

func (c *Coordinator) get(ctx context.Context, userID string) (Record, error) {
	if v, ok := c.cache.Load(userID); ok {
		entry := v.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.record, nil
		}
	}

	raw, err := c.redis.Get(ctx, recordKey(userID)).Result()
	if err == redis.Nil {
		rec := Record{UserID: userID, Status: StatusOffline, LastSeen: time.Now()}
		return rec, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read presence record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal presence record: %w", err)
	}
	c.cache.Store(userID, cacheEntry{record: rec, expiresAt: time.Now().Add(c.cacheTTL)})
	return rec, nil
}

// casSave writes rec with an optimistic check: it retries the whole
// read-modify-write against Redis's WATCH mechanism if another writer
// raced it, bounded to a handful of attempts.
func (c *Coordinator) casSave(ctx context.Context, userID string, mutate func(Record) Record) (Record, error) {
	var final Record
	key := recordKey(userID)

	for attempt := 0; attempt < 5; attempt++ {
		var txErr error
		err := c.redis.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			var current Record
			if err == redis.Nil {
				current = Record{UserID: userID, Status: StatusOffline, LastSeen: time.Now()}
			} else if err != nil {
				return err
			} else if err := json.Unmarshal([]byte(raw), &current); err != nil {
				return err
			}

			next := mutate(current)
			next.Version = current.Version + 1

			data, err := json.Marshal(next)
			if err != nil {
				return err
			}

			_, txErr = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, recordTTL)
				return nil
			})
			if txErr == nil {
				final = next
			}
			return txErr
		}, key)

		if err == nil {
			c.cache.Store(userID, cacheEntry{record: final, expiresAt: time.Now().Add(c.cacheTTL)})
			if err := c.redis.SAdd(ctx, knownUsersKey, userID).Err(); err != nil {
				logging.Warn(ctx, "failed to index user into presence sweep set", zap.String("user_id", userID), zap.Error(err))
			}
			return final, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return Record{}, fmt.Errorf("cas save presence record: %w", err)
	}
	return Record{}, fmt.Errorf("cas save presence record: exhausted retries")
}

// Connect records a new active gateway connection for the user, joining
// guildIDs to the record and moving status to Online unless the user had
// explicitly set Invisible.
func (c *Coordinator) Connect(ctx context.Context, userID string, guildIDs []string) (Record, error) {
	c.cancelPendingOffline(userID)

	rec, err := c.casSave(ctx, userID, func(cur Record) Record {
		cur.Connections++
		cur.LastSeen = time.Now()
		cur.GuildIDs = mergeGuildIDs(cur.GuildIDs, guildIDs)
		if cur.Status != StatusInvisible {
			cur.Status = StatusOnline
		}
		return cur
	})
	if err != nil {
		return Record{}, err
	}

	c.publishTransition(ctx, rec)
	return rec, nil
}

// Disconnect decrements the connection count for the user. When the
// count reaches zero, Offline is scheduled after the grace window rather
// than published immediately.
func (c *Coordinator) Disconnect(ctx context.Context, userID string) error {
	rec, err := c.casSave(ctx, userID, func(cur Record) Record {
		if cur.Connections > 0 {
			cur.Connections--
		}
		cur.LastSeen = time.Now()
		return cur
	})
	if err != nil {
		return err
	}

	if rec.Connections == 0 {
		c.scheduleOffline(userID)
	}
	return nil
}

func (c *Coordinator) scheduleOffline(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, exists := c.pendingOffline[userID]; exists {
		t.Stop()
	}
	c.pendingOffline[userID] = time.AfterFunc(c.graceWindow, func() {
		ctx := context.Background()
		rec, err := c.casSave(ctx, userID, func(cur Record) Record {
			if cur.Connections > 0 {
				return cur // a reconnect raced the timer; nothing to do
			}
			cur.Status = StatusOffline
			cur.LastSeen = time.Now()
			return cur
		})
		if err != nil {
			logging.Error(ctx, "failed to apply grace-window offline transition", zap.String("user_id", userID), zap.Error(err))
			return
		}
		if rec.Connections == 0 {
			c.publishTransition(ctx, rec)
		}
		c.mu.Lock()
		delete(c.pendingOffline, userID)
		c.mu.Unlock()
	})
}

func (c *Coordinator) cancelPendingOffline(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, exists := c.pendingOffline[userID]; exists {
		t.Stop()
		delete(c.pendingOffline, userID)
	}
}

// SetStatus applies an explicit status_update command from the user.
func (c *Coordinator) SetStatus(ctx context.Context, userID string, status Status, activity string) (Record, error) {
	rec, err := c.casSave(ctx, userID, func(cur Record) Record {
		cur.Status = status
		cur.Activity = activity
		cur.LastSeen = time.Now()
		return cur
	})
	if err != nil {
		return Record{}, err
	}
	c.publishTransition(ctx, rec)
	return rec, nil
}

// Get returns the current presence record for userID, served from the
// local cache when fresh.
func (c *Coordinator) Get(ctx context.Context, userID string) (Record, error) {
	return c.get(ctx, userID)
}

// BulkGet resolves presence for many users in one pipelined round trip —
// used by the bulk and guild presence HTTP routes, which would otherwise
// issue one GET per member.
func (c *Coordinator) BulkGet(ctx context.Context, userIDs []string) (map[string]Record, error) {
	out := make(map[string]Record, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = recordKey(id)
	}

	results, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("bulk presence lookup: %w", err)
	}

	for i, raw := range results {
		userID := userIDs[i]
		if raw == nil {
			out[userID] = Record{UserID: userID, Status: StatusOffline}
			continue
		}
		s, ok := raw.(string)
		if !ok {
			out[userID] = Record{UserID: userID, Status: StatusOffline}
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			out[userID] = Record{UserID: userID, Status: StatusOffline}
			continue
		}
		out[userID] = rec
	}
	return out, nil
}

// publishTransition fans the record out to user:{id} (always the true
// status) and guild:{g} for every guild (Invisible shown as Offline to
// observers).
func (c *Coordinator) publishTransition(ctx context.Context, rec Record) {
	metrics.PresenceTransitions.WithLabelValues(string(rec.Status)).Inc()

	_ = c.bus.Publish(ctx, bus.TopicUser(rec.UserID), "presence_update", rec, "", "")

	observed := rec
	if rec.Status == StatusInvisible {
		observed.Status = StatusOffline
	}
	for _, g := range rec.GuildIDs {
		_ = c.bus.Publish(ctx, bus.TopicGuild(g), "presence_update", observed, "", "")
		if observed.Status == StatusOffline {
			_ = c.bus.SetRem(ctx, guildOnlineKey(g), rec.UserID)
		} else {
			_ = c.bus.SetAdd(ctx, guildOnlineKey(g), rec.UserID)
		}
	}
}

// GuildOnline lists the user ids currently shown online (non-Invisible,
// non-Offline) to observers in guildID.
func (c *Coordinator) GuildOnline(ctx context.Context, guildID string) ([]string, error) {
	return c.bus.SetMembers(ctx, guildOnlineKey(guildID))
}

// sweep scans the fleet-wide known-users index in Redis — not this
// process's local read-through cache — so a record is forced offline
// regardless of which gateway instance last wrote it, and survives that
// instance crashing.
func (c *Coordinator) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-c.livenessWindow)

	userIDs, err := c.redis.SMembers(ctx, knownUsersKey).Result()
	if err != nil {
		logging.Error(ctx, "presence sweep failed to list known users", zap.Error(err))
		return
	}

	for _, userID := range userIDs {
		raw, err := c.redis.Get(ctx, recordKey(userID)).Result()
		if err == redis.Nil {
			// Record expired (TTL) with no write since; drop it from the
			// index so future sweeps don't keep paying for it.
			_ = c.redis.SRem(ctx, knownUsersKey, userID).Err()
			continue
		}
		if err != nil {
			logging.Error(ctx, "presence sweep failed to read record", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		var current Record
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			logging.Error(ctx, "presence sweep failed to unmarshal record", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if current.Status == StatusOffline || current.LastSeen.After(cutoff) {
			continue
		}

		rec, err := c.casSave(ctx, userID, func(cur Record) Record {
			if cur.LastSeen.After(cutoff) {
				return cur
			}
			cur.Status = StatusOffline
			return cur
		})
		if err != nil {
			logging.Error(ctx, "presence sweep failed to apply offline transition", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if rec.Status == StatusOffline {
			c.publishTransition(ctx, rec)
		}
	}
}

func mergeGuildIDs(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, g := range existing {
		if _, ok := seen[g]; !ok {
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	for _, g := range incoming {
		if _, ok := seen[g]; !ok {
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

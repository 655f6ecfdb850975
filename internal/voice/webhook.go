package voice

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/metrics"
)

// WebhookEvent is the normalized shape of an SFU webhook, after signature
// verification, independent of whatever wire format the SFU itself uses.
type WebhookEvent struct {
	Event       string `json:"event"`
	RoomName    string `json:"room_name"`
	Identity    string `json:"identity,omitempty"`
	TrackSID    string `json:"track_sid,omitempty"`
}

// verifySignature checks an HMAC-SHA256 signature over body against the
// shared SFU webhook secret, using a constant-time comparison.
func (c *Coordinator) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, c.sfuWebhookSecretVal)
	mac.Write(body)
	expected := mac.Sum(nil)

	decoded, err := decodeHexOrBase64(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(decoded, expected)
}

// decodeHexOrBase64 tolerates either encoding since different SFU
// deployments format the signature header differently.
func decodeHexOrBase64(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// HandleWebhook is the gin handler mounted at the SFU webhook ingress
// route. Unsigned or mis-signed payloads are rejected with 401 before any
// parsing happens.
func (c *Coordinator) HandleWebhook(ctx *gin.Context) {
	body, err := ctx.GetRawData()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	signature := ctx.GetHeader("X-SFU-Signature")
	if signature == "" || !c.verifySignature(body, signature) {
		metrics.WebhookEvents.WithLabelValues("unknown", "unauthorized").Inc()
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	if err := c.applyWebhookEvent(ctx.Request.Context(), event); err != nil {
		metrics.WebhookEvents.WithLabelValues(event.Event, "error").Inc()
		logging.Error(ctx.Request.Context(), "failed to apply sfu webhook", zap.String("event", event.Event), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
		return
	}

	metrics.WebhookEvents.WithLabelValues(event.Event, "ok").Inc()
	ctx.Status(http.StatusOK)
}

func (c *Coordinator) applyWebhookEvent(ctx context.Context, event WebhookEvent) error {
	key := parseRoomKey(event.RoomName)

	switch event.Event {
	case "room_finished":
		room, err := c.loadRoom(ctx, key)
		if err != nil || room == nil {
			return err
		}
		room.Active = false
		if err := c.saveRoom(ctx, room); err != nil {
			return err
		}
		return c.redis.SRem(ctx, activeRoomsKey, key.String()).Err()

	case "participant_left":
		// SFU identity is "{userID}-{nonce}"; the user id is the part
		// before the last hyphen-delimited nonce segment.
		userID := userIDFromSFUIdentity(event.Identity)
		return c.LeaveRoom(ctx, key, userID)

	case "room_started", "participant_joined", "track_published", "track_unpublished":
		_ = c.bus.Publish(ctx, roomTopic(key), event.Event, event, "", "")
		return nil

	default:
		return fmt.Errorf("unrecognized webhook event %q", event.Event)
	}
}

func roomTopic(key RoomKey) string { return "voice:room:" + key.String() }

func userIDFromSFUIdentity(identity string) string {
	for i := len(identity) - 1; i >= 0; i-- {
		if identity[i] == '-' {
			return identity[:i]
		}
	}
	return identity
}

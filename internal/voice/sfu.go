package voice

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/sony/gobreaker"
	"github.com/twitchylabs/twirp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/discordant/realtime-core/internal/metrics"
	"github.com/discordant/realtime-core/internal/obs"
)

// sfuBackend is the subset of SFU operations the Voice Coordinator
// depends on. The Coordinator accepts this interface rather than
// *sfuClient directly so tests can substitute a fake instead of dialing a
// real LiveKit deployment.
type sfuBackend interface {
	createRoom(ctx context.Context, name string, maxParticipants uint32, emptyTimeout time.Duration) error
	deleteRoom(ctx context.Context, name string) error
	listParticipants(ctx context.Context, room string) ([]*livekit.ParticipantInfo, error)
	removeParticipant(ctx context.Context, room, identity string) error
	updateParticipantPermission(ctx context.Context, room, identity string, canPublish, canSubscribe bool) error
	reachable(ctx context.Context) error
}

// sfuClient wraps the LiveKit room-service client in a circuit breaker,
// matching the breaker shape (MaxRequests/Interval/Timeout/OnStateChange
// updating a gauge) used for every other remote dependency in this
// process.
type sfuClient struct {
	room       *lksdk.RoomServiceClient
	cb         *gobreaker.CircuitBreaker
	baseURL    string
	httpClient *http.Client
}

func newSFUClient(baseURL, apiKey, apiSecret string, allowPrivate bool) *sfuClient {
	st := gobreaker.Settings{
		Name:        "sfu",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.SetBreakerState("sfu", v)
		},
	}

	httpClient := safeHTTPClient(allowPrivate)
	return &sfuClient{
		room:       lksdk.NewRoomServiceClient(baseURL, apiKey, apiSecret, twirp.WithClient(httpClient)),
		cb:         gobreaker.NewCircuitBreaker(st),
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *sfuClient) execute(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	_, span := obs.Tracer("voice").Start(ctx, "sfu."+op, trace.WithAttributes(attribute.String("operation", op)))
	defer span.End()

	resp, err := c.cb.Execute(fn)
	metrics.SFURequests.WithLabelValues(op, statusLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("sfu circuit breaker open for %s", op)
		}
		return nil, err
	}
	return resp, nil
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if err == gobreaker.ErrOpenState {
		return "breaker_open"
	}
	return "error"
}

// createRoom requests the SFU create an externally named room. Creating a
// room that already exists is not an error in LiveKit.
func (c *sfuClient) createRoom(ctx context.Context, name string, maxParticipants uint32, emptyTimeout time.Duration) error {
	_, err := c.execute(ctx, "create_room", func() (interface{}, error) {
		return c.room.CreateRoom(ctx, &livekit.CreateRoomRequest{
			Name:            name,
			EmptyTimeout:    uint32(emptyTimeout.Seconds()),
			MaxParticipants: maxParticipants,
		})
	})
	return err
}

func (c *sfuClient) deleteRoom(ctx context.Context, name string) error {
	_, err := c.execute(ctx, "delete_room", func() (interface{}, error) {
		return c.room.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name})
	})
	return err
}

func (c *sfuClient) listParticipants(ctx context.Context, room string) ([]*livekit.ParticipantInfo, error) {
	resp, err := c.execute(ctx, "list_participants", func() (interface{}, error) {
		return c.room.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: room})
	})
	if err != nil {
		return nil, err
	}
	return resp.(*livekit.ListParticipantsResponse).Participants, nil
}

func (c *sfuClient) removeParticipant(ctx context.Context, room, identity string) error {
	_, err := c.execute(ctx, "remove_participant", func() (interface{}, error) {
		return c.room.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{Room: room, Identity: identity})
	})
	return err
}

func (c *sfuClient) updateParticipantPermission(ctx context.Context, room, identity string, canPublish, canSubscribe bool) error {
	_, err := c.execute(ctx, "update_participant", func() (interface{}, error) {
		return c.room.UpdateParticipant(ctx, &livekit.UpdateParticipantRequest{
			Room:     room,
			Identity: identity,
			Permission: &livekit.ParticipantPermission{
				CanPublish:   canPublish,
				CanSubscribe: canSubscribe,
				CanPublishData: canPublish,
			},
		})
	})
	return err
}

// issueToken mints a short-lived SFU access token scoped to one room.
func issueToken(apiKey, apiSecret, identity, room string, grant Permissions, ttl time.Duration) (string, error) {
	at := auth.NewAccessToken(apiKey, apiSecret)
	videoGrant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         room,
		CanPublish:   boolPtr(grant.CanPublish),
		CanSubscribe: boolPtr(grant.CanSubscribe),
		CanPublishData: boolPtr(grant.CanPublish),
		RoomAdmin:    grant.CanKickMute,
		RoomRecord:   grant.CanRecord,
	}
	at.SetVideoGrant(videoGrant).SetIdentity(identity).SetValidFor(ttl)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("issue sfu token: %w", err)
	}
	return token, nil
}

func boolPtr(b bool) *bool { return &b }

// reachable probes the SFU's HTTP listener through the SSRF-safe client.
// The readiness handler does not call it; internal/health probes the SFU
// with its own checker.
func (c *sfuClient) reachable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("sfu returned status %d", resp.StatusCode)
	}
	return nil
}

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discordant/realtime-core/internal/auth"
	"github.com/discordant/realtime-core/internal/bus"
	"github.com/discordant/realtime-core/internal/presence"
)

// fakeConn implements wsConnection without a real socket, letting tests
// drive readPump/writePump deterministically.
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound [][]byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.outbound = append(f.outbound, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(h func(string) error) {}

func (f *fakeConn) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.outbound))
	copy(out, f.outbound)
	return out
}

func newTestHub(t *testing.T) (*Hub, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	busSvc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { busSvc.Close() })

	presCoord := presence.New(redisClient, busSvc, time.Minute, 15*time.Minute)
	t.Cleanup(presCoord.Stop)

	validator := &auth.MockValidator{DefaultSubject: "user-1"}
	hub := NewHub(context.Background(), validator, busSvc, presCoord, nil, []string{"http://localhost:3000"}, "")
	return hub, redisClient
}

func newRegisteredSession(hub *Hub, userID string) (*Session, *fakeConn) {
	conn := newFakeConn()
	s := newSession(context.Background(), "sess-"+userID, userID, "display-"+userID, conn, hub)
	hub.register(s)
	go s.writePump()
	return s, conn
}

func TestJoinChannelSubscribesAndBroadcasts(t *testing.T) {
	hub, _ := newTestHub(t)
	s1, conn1 := newRegisteredSession(hub, "user-1")
	s2, conn2 := newRegisteredSession(hub, "user-2")
	_ = conn1

	hub.subscribeTopic(s2, bus.TopicChannel("chan-1"))
	time.Sleep(50 * time.Millisecond)

	payload, _ := json.Marshal(ChannelPayload{ChannelID: "chan-1"})
	hub.dispatch(s1, Frame{Type: FrameJoinChannel, Payload: payload})

	time.Sleep(100 * time.Millisecond)
	assert.True(t, s1.hasTopic(bus.TopicChannel("chan-1")))

	msgs := conn2.messages()
	require.NotEmpty(t, msgs)
	var f Frame
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &f))
	assert.Equal(t, FrameUserJoined, f.Type)
}

func TestBusDeliveryEchoesNonceToSenderOnly(t *testing.T) {
	hub, _ := newTestHub(t)
	s1, conn1 := newRegisteredSession(hub, "user-1")
	s2, conn2 := newRegisteredSession(hub, "user-2")

	topic := bus.TopicChannel("chan-1")
	hub.subscribeTopic(s1, topic)
	hub.subscribeTopic(s2, topic)
	time.Sleep(50 * time.Millisecond)

	payload, _ := json.Marshal(map[string]string{"content": "hi"})
	require.NoError(t, hub.bus.Publish(context.Background(), topic, FrameMessageCreated, json.RawMessage(payload), s1.ID, "nonce-123"))
	time.Sleep(100 * time.Millisecond)

	senderMsgs := conn1.messages()
	require.NotEmpty(t, senderMsgs)
	var senderFrame Frame
	require.NoError(t, json.Unmarshal(senderMsgs[len(senderMsgs)-1], &senderFrame))
	assert.Equal(t, FrameMessageCreated, senderFrame.Type)
	assert.Equal(t, "nonce-123", senderFrame.Nonce)

	otherMsgs := conn2.messages()
	require.NotEmpty(t, otherMsgs)
	var otherFrame Frame
	require.NoError(t, json.Unmarshal(otherMsgs[len(otherMsgs)-1], &otherFrame))
	assert.Equal(t, FrameMessageCreated, otherFrame.Type)
	assert.Empty(t, otherFrame.Nonce)
}

func TestPingRepliesWithPongWithoutBus(t *testing.T) {
	hub, _ := newTestHub(t)
	s, conn := newRegisteredSession(hub, "user-1")

	hub.dispatch(s, Frame{Type: FramePing, Nonce: "abc"})
	time.Sleep(20 * time.Millisecond)

	msgs := conn.messages()
	require.NotEmpty(t, msgs)
	var f Frame
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &f))
	assert.Equal(t, FramePong, f.Type)
	assert.Equal(t, "abc", f.Nonce)
}

func TestUnknownFrameTypeReturnsError(t *testing.T) {
	hub, _ := newTestHub(t)
	s, conn := newRegisteredSession(hub, "user-1")

	hub.dispatch(s, Frame{Type: "bogus_frame"})
	time.Sleep(20 * time.Millisecond)

	msgs := conn.messages()
	require.NotEmpty(t, msgs)
	var f Frame
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &f))
	assert.Equal(t, FrameError, f.Type)
}

func TestSlowConsumerDropsFramesWhenBufferFull(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := newFakeConn()
	s := newSession(context.Background(), "sess-slow", "user-1", "display", conn, hub)
	hub.register(s)
	// No writePump started: the outbound buffer fills up and stays full.

	for i := 0; i < sendBufferSize+5; i++ {
		s.enqueue([]byte("x"))
	}

	assert.Equal(t, sendBufferSize, len(s.send))
}

func TestUnregisterDisconnectsPresenceForLastSession(t *testing.T) {
	hub, _ := newTestHub(t)
	s, _ := newRegisteredSession(hub, "user-1")

	ctx := context.Background()
	_, err := hub.presence.Connect(ctx, "user-1", nil)
	require.NoError(t, err)

	hub.unregister(s)

	rec, err := hub.presence.(*presence.Coordinator).Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Connections)
	// offline transition is scheduled after the grace window, not immediate
	assert.Equal(t, presence.StatusOnline, rec.Status)
}

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/apperr"
	"github.com/discordant/realtime-core/internal/bus"
	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/metrics"
	"github.com/discordant/realtime-core/internal/presence"
	"github.com/discordant/realtime-core/internal/ratelimit"
)

// dispatch routes one inbound frame to its handler, rate-limiting every
// kind before it runs. ping is exempt: it never touches the bus or a
// coordinator and must stay cheap.
func (h *Hub) dispatch(s *Session, frame Frame) {
	if frame.Type == FramePing {
		s.sendFrame(FramePong, nil, frame.Nonce)
		return
	}

	kind := ratelimit.FrameOther
	if frame.Type == FrameSendMessage {
		kind = ratelimit.FrameSendMessage
	}
	if h.rl != nil {
		if err := h.rl.AllowFrame(s.ctx, kind, s.UserID); err != nil {
			h.sendRateLimitError(s, err)
			metrics.FrameEvents.WithLabelValues(frame.Type, "rate_limited").Inc()
			return
		}
	}

	var err error
	switch frame.Type {
	case FrameJoinChannel:
		err = h.handleJoinChannel(s, frame)
	case FrameLeaveChannel:
		err = h.handleLeaveChannel(s, frame)
	case FrameJoinGuild:
		err = h.handleJoinGuild(s, frame)
	case FrameLeaveGuild:
		err = h.handleLeaveGuild(s, frame)
	case FrameSendMessage:
		err = h.handleSendMessage(s, frame)
	case FrameTypingStart:
		err = h.handleTyping(s, frame, true)
	case FrameTypingStop:
		err = h.handleTyping(s, frame, false)
	case FramePresenceUpdate:
		err = h.handlePresenceUpdate(s, frame)
	default:
		err = apperr.New(apperr.KindValidation, "unknown_frame", fmt.Sprintf("unrecognized frame type %q", frame.Type))
	}

	status := "ok"
	if err != nil {
		status = "error"
		h.sendGenericError(s, err)
	}
	metrics.FrameEvents.WithLabelValues(frame.Type, status).Inc()
}

func (h *Hub) sendRateLimitError(s *Session, err error) {
	if ae, ok := apperr.Of(err); ok {
		s.sendFrame(FrameError, ErrorPayload{Code: ae.Code, Message: ae.Message}, "")
		return
	}
	s.sendFrame(FrameError, ErrorPayload{Code: "rate_limited", Message: "rate limit exceeded"}, "")
}

func (h *Hub) sendGenericError(s *Session, err error) {
	if ae, ok := apperr.Of(err); ok {
		s.sendFrame(FrameError, ErrorPayload{Code: ae.Code, Message: ae.Message}, "")
		return
	}
	logging.Error(s.ctx, "unhandled frame error", zap.Error(err))
	s.sendFrame(FrameError, ErrorPayload{Code: "internal_error", Message: "internal error"}, "")
}

func (h *Hub) handleJoinChannel(s *Session, frame Frame) error {
	var p ChannelPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.ChannelID == "" {
		return apperr.New(apperr.KindValidation, "invalid_payload", "channel_id is required")
	}
	topic := bus.TopicChannel(p.ChannelID)
	h.subscribeTopic(s, topic)
	_ = h.bus.Publish(s.ctx, topic, FrameUserJoined, UserJoinedPayload{UserID: s.UserID, DisplayName: s.DisplayName}, s.ID, "")
	return nil
}

func (h *Hub) handleLeaveChannel(s *Session, frame Frame) error {
	var p ChannelPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.ChannelID == "" {
		return apperr.New(apperr.KindValidation, "invalid_payload", "channel_id is required")
	}
	topic := bus.TopicChannel(p.ChannelID)
	h.unsubscribeTopic(s, topic)
	_ = h.bus.Publish(s.ctx, topic, FrameUserLeft, UserLeftPayload{UserID: s.UserID}, s.ID, "")
	return nil
}

func (h *Hub) handleJoinGuild(s *Session, frame Frame) error {
	var p GuildPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.GuildID == "" {
		return apperr.New(apperr.KindValidation, "invalid_payload", "guild_id is required")
	}
	topic := bus.TopicGuild(p.GuildID)
	h.subscribeTopic(s, topic)
	_ = h.bus.Publish(s.ctx, topic, FrameUserJoined, UserJoinedPayload{UserID: s.UserID, DisplayName: s.DisplayName}, s.ID, "")
	return nil
}

func (h *Hub) handleLeaveGuild(s *Session, frame Frame) error {
	var p GuildPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.GuildID == "" {
		return apperr.New(apperr.KindValidation, "invalid_payload", "guild_id is required")
	}
	topic := bus.TopicGuild(p.GuildID)
	h.unsubscribeTopic(s, topic)
	_ = h.bus.Publish(s.ctx, topic, FrameUserLeft, UserLeftPayload{UserID: s.UserID}, s.ID, "")
	return nil
}

// handleSendMessage forwards the message to the Chat collaborator over
// HTTP; the collaborator republishes the resulting event (including the
// sender's echo tagged with the nonce) onto the bus, which this gateway
// delivers back through the normal subscription path.
func (h *Hub) handleSendMessage(s *Session, frame Frame) error {
	var p SendMessagePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.ChannelID == "" || p.Content == "" {
		return apperr.New(apperr.KindValidation, "invalid_payload", "channel_id and content are required")
	}
	if h.chatBaseURL == "" {
		return apperr.New(apperr.KindUpstream, "chat_unavailable", "chat collaborator is not configured")
	}

	body, _ := json.Marshal(map[string]string{
		"channel_id":        p.ChannelID,
		"user_id":           s.UserID,
		"content":           p.Content,
		"nonce":             frame.Nonce,
		"sender_session_id": s.ID,
	})
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, h.chatBaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "chat_unavailable", "failed to build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "chat_unavailable", "chat collaborator request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apperr.New(apperr.KindUpstream, "chat_rejected", fmt.Sprintf("chat collaborator returned %d", resp.StatusCode))
	}
	return nil
}

func (h *Hub) handleTyping(s *Session, frame Frame, starting bool) error {
	var p TypingPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.ChannelID == "" {
		return apperr.New(apperr.KindValidation, "invalid_payload", "channel_id is required")
	}
	state := "stop"
	if starting {
		state = "start"
	}
	return h.bus.Publish(s.ctx, bus.TopicChannel(p.ChannelID), FrameTyping, map[string]string{
		"user_id": s.UserID,
		"state":   state,
	}, s.ID, "")
}

func (h *Hub) handlePresenceUpdate(s *Session, frame Frame) error {
	var p PresenceUpdatePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Status == "" {
		return apperr.New(apperr.KindValidation, "invalid_payload", "status is required")
	}
	status := presence.Status(p.Status)
	switch status {
	case presence.StatusOnline, presence.StatusIdle, presence.StatusDoNotDisturb, presence.StatusInvisible, presence.StatusOffline:
	default:
		return apperr.New(apperr.KindValidation, "invalid_status", fmt.Sprintf("unknown status %q", p.Status))
	}
	_, err := h.presence.SetStatus(s.ctx, s.UserID, status, p.Activity)
	return err
}

package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/metrics"
	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// dispatch routes one inbound envelope. Failures become error events on
// the sender's socket; nothing a client sends can crash the pump.
func (h *Hub) dispatch(ctx context.Context, c *Client, ev *protocol.Event) {
	start := time.Now()
	err := h.route(ctx, c, ev)
	metrics.MessageProcessingDuration.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		clientErr := protocol.AsClientError(err)
		if clientErr.Code == protocol.CodeInternal {
			logging.Error(ctx, "event handler failed",
				zap.String("socket_id", string(c.socketId)),
				zap.String("type", ev.Type),
				zap.Error(err))
		}
		errEv := protocol.ErrorEvent(err)
		errEv.AckId = ev.AckId
		c.SendEvent(errEv)
	}
	metrics.WebsocketEvents.WithLabelValues(ev.Type, status).Inc()
}

func (h *Hub) route(ctx context.Context, c *Client, ev *protocol.Event) error {
	switch ev.Type {
	case protocol.EventRoomJoin:
		return h.handleJoin(ctx, c, ev)
	case protocol.EventRoomCreate:
		return h.handleCreate(ctx, c, ev)
	case protocol.EventRoomLeave:
		return h.handleLeave(ctx, c, ev)
	case protocol.EventRoomEndCall:
		return h.handleEndCall(ctx, c, ev)

	case protocol.EventUpdateMediaState:
		payload, err := protocol.DecodePayload[protocol.UpdateMediaStatePayload](ev.Payload)
		if err != nil {
			return err
		}
		return h.rooms.UpdateMediaState(ctx, c, payload)

	case protocol.EventWebRTCOffer:
		return h.relayOffer(ctx, c, ev)
	case protocol.EventWebRTCAnswer:
		return h.relayAnswer(ctx, c, ev)
	case protocol.EventWebRTCICECandidate:
		return h.relayICECandidate(ctx, c, ev)
	case protocol.EventWebRTCGetICEServers:
		return h.sendICEServers(c)

	case protocol.EventSfuJoinRoom:
		payload, err := protocol.DecodePayload[protocol.SfuJoinPayload](ev.Payload)
		if err != nil {
			return err
		}
		return h.media.JoinRoom(ctx, c, payload)
	case protocol.EventSfuCreateTransport:
		payload, err := protocol.DecodePayload[protocol.CreateTransportPayload](ev.Payload)
		if err != nil {
			return err
		}
		return h.media.CreateTransport(ctx, c, payload)
	case protocol.EventSfuConnectTransport:
		payload, err := protocol.DecodePayload[protocol.ConnectTransportPayload](ev.Payload)
		if err != nil {
			return err
		}
		return h.media.ConnectTransport(ctx, c, payload)
	case protocol.EventSfuProduce:
		payload, err := protocol.DecodePayload[protocol.ProducePayload](ev.Payload)
		if err != nil {
			return err
		}
		return h.media.Produce(ctx, c, payload)
	case protocol.EventSfuConsume:
		payload, err := protocol.DecodePayload[protocol.ConsumePayload](ev.Payload)
		if err != nil {
			return err
		}
		return h.media.Consume(ctx, c, payload)
	case protocol.EventSfuResumeConsumer:
		payload, err := protocol.DecodePayload[protocol.ResumeConsumerPayload](ev.Payload)
		if err != nil {
			return err
		}
		return h.media.ResumeConsumer(ctx, c, payload)
	case protocol.EventSfuPauseProducer:
		payload, err := protocol.DecodePayload[protocol.PauseProducerPayload](ev.Payload)
		if err != nil {
			return err
		}
		return h.media.PauseProducer(ctx, c, payload)

	case protocol.EventChatMessage:
		return h.handleChatMessage(ctx, c, ev)
	case protocol.EventChatTyping:
		return h.handleChatTyping(ctx, c, ev)

	case protocol.EventAdminGetRoomStats:
		return h.handleRoomStats(c, ev)
	case protocol.EventAdminGetAllRooms:
		return h.handleAllRooms(c, ev)
	}

	logging.Warn(ctx, "unknown event type",
		zap.String("socket_id", string(c.socketId)), zap.String("type", ev.Type))
	return protocol.NewError(protocol.CodeInternal, "unknown event type")
}

// --- Room events ---

func (h *Hub) handleJoin(ctx context.Context, c *Client, ev *protocol.Event) error {
	payload, err := protocol.DecodePayload[protocol.JoinRoomPayload](ev.Payload)
	if err != nil {
		return err
	}

	snapshot, err := h.rooms.Join(ctx, c, types.RoomIdType(payload.RoomID), payload.Passcode)
	if err != nil {
		return err
	}
	return h.reply(c, protocol.EventRoomJoined, snapshot, ev.AckId)
}

func (h *Hub) handleCreate(ctx context.Context, c *Client, ev *protocol.Event) error {
	payload, err := protocol.DecodePayload[protocol.CreateRoomPayload](ev.Payload)
	if err != nil {
		return err
	}

	snapshot, err := h.rooms.CreateRoom(ctx, c, payload)
	if err != nil {
		return err
	}
	if err := h.reply(c, protocol.EventRoomCreated, protocol.RoomCreatedPayload{
		ID:       snapshot.RoomID,
		Settings: snapshot.Settings,
	}, ev.AckId); err != nil {
		return err
	}
	return h.reply(c, protocol.EventRoomJoined, snapshot, "")
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, ev *protocol.Event) error {
	var roomID types.RoomIdType
	if len(ev.Payload) > 0 {
		payload, err := protocol.DecodePayload[protocol.LeaveRoomPayload](ev.Payload)
		if err != nil {
			return err
		}
		roomID = types.RoomIdType(payload.RoomID)
	}
	return h.rooms.Leave(ctx, c, roomID)
}

func (h *Hub) handleEndCall(ctx context.Context, c *Client, ev *protocol.Event) error {
	payload, err := protocol.DecodePayload[protocol.EndCallPayload](ev.Payload)
	if err != nil {
		return err
	}
	return h.rooms.EndCall(ctx, c, types.RoomIdType(payload.RoomID))
}

// --- WebRTC mesh relay ---
//
// The relay never interprets SDP or candidates; it rebuilds the
// envelope with the sender's authoritative peer id and forwards it.

// senderRef resolves the caller's room membership for relay stamping.
func (h *Hub) senderRef(c *Client) (types.ParticipantRef, error) {
	ref, ok := h.rooms.ParticipantOf(c.socketId)
	if !ok {
		return types.ParticipantRef{}, protocol.NewError(protocol.CodeRoomNotFound, "not in a room")
	}
	return ref, nil
}

// targetPeer resolves the destination peer's live socket in the
// sender's room.
func (h *Hub) targetPeer(ref types.ParticipantRef, to string) (types.ClientInterface, bool) {
	if to == "" {
		return nil, false
	}
	return h.rooms.ClientByPeer(ref.RoomId, types.PeerIdType(to))
}

func (h *Hub) relayOffer(ctx context.Context, c *Client, ev *protocol.Event) error {
	payload, err := protocol.DecodePayload[protocol.OfferPayload](ev.Payload)
	if err != nil {
		return err
	}
	ref, err := h.senderRef(c)
	if err != nil {
		return err
	}

	target, ok := h.targetPeer(ref, payload.To)
	if !ok {
		metrics.SignalsRelayed.WithLabelValues("offer", "unreachable").Inc()
		return protocol.NewError(protocol.CodePeerUnreachable, "peer not reachable")
	}

	user := ref.User.Info()
	payload.From = string(ref.PeerId)
	payload.User = &user
	if out, err := protocol.NewEvent(protocol.EventWebRTCOffer, payload); err == nil {
		target.SendEvent(out)
	}
	metrics.SignalsRelayed.WithLabelValues("offer", "relayed").Inc()
	return nil
}

func (h *Hub) relayAnswer(ctx context.Context, c *Client, ev *protocol.Event) error {
	payload, err := protocol.DecodePayload[protocol.AnswerPayload](ev.Payload)
	if err != nil {
		return err
	}
	ref, err := h.senderRef(c)
	if err != nil {
		return err
	}

	target, ok := h.targetPeer(ref, payload.To)
	if !ok {
		metrics.SignalsRelayed.WithLabelValues("answer", "unreachable").Inc()
		return protocol.NewError(protocol.CodePeerUnreachable, "peer not reachable")
	}

	user := ref.User.Info()
	payload.From = string(ref.PeerId)
	payload.User = &user
	if out, err := protocol.NewEvent(protocol.EventWebRTCAnswer, payload); err == nil {
		target.SendEvent(out)
	}
	metrics.SignalsRelayed.WithLabelValues("answer", "relayed").Inc()
	return nil
}

// relayICECandidate forwards one trickled candidate. An unreachable
// target is dropped silently: candidates race disconnects by design and
// an error would only add noise to a normal teardown.
func (h *Hub) relayICECandidate(ctx context.Context, c *Client, ev *protocol.Event) error {
	payload, err := protocol.DecodePayload[protocol.ICECandidatePayload](ev.Payload)
	if err != nil {
		return err
	}
	ref, err := h.senderRef(c)
	if err != nil {
		return err
	}

	target, ok := h.targetPeer(ref, payload.To)
	if !ok {
		metrics.SignalsRelayed.WithLabelValues("ice_candidate", "dropped").Inc()
		return nil
	}

	payload.From = string(ref.PeerId)
	if out, err := protocol.NewEvent(protocol.EventWebRTCICECandidate, payload); err == nil {
		target.SendEvent(out)
	}
	metrics.SignalsRelayed.WithLabelValues("ice_candidate", "relayed").Inc()
	return nil
}

func (h *Hub) sendICEServers(c *Client) error {
	return h.reply(c, protocol.EventWebRTCICEServers, protocol.ICEServersPayload{
		ICEServers: h.iceServers,
	}, "")
}

// --- Chat ---

// handleChatMessage stamps id, timestamp, and sender, then fans out to
// the room or delivers a DM. Messages are never persisted.
func (h *Hub) handleChatMessage(ctx context.Context, c *Client, ev *protocol.Event) error {
	payload, err := protocol.DecodePayload[protocol.ChatMessagePayload](ev.Payload)
	if err != nil {
		return err
	}
	if payload.Message == "" {
		return nil
	}
	ref, err := h.senderRef(c)
	if err != nil {
		return err
	}

	message := protocol.ChatMessageEvent{
		ID:        uuid.NewString(),
		RoomID:    string(ref.RoomId),
		PeerID:    string(ref.PeerId),
		User:      ref.User.Info(),
		Message:   payload.Message,
		Timestamp: time.Now().UnixMilli(),
		Direct:    payload.To != "",
	}
	out, err := protocol.NewEvent(protocol.EventChatMessage, message)
	if err != nil {
		return err
	}

	if payload.To != "" {
		target, ok := h.targetPeer(ref, payload.To)
		if !ok {
			return protocol.NewError(protocol.CodePeerUnreachable, "peer not reachable")
		}
		target.SendEvent(out)
		return nil
	}

	for _, other := range h.rooms.ConnectedClients(ref.RoomId, c.socketId) {
		other.SendEvent(out)
	}
	return nil
}

func (h *Hub) handleChatTyping(ctx context.Context, c *Client, ev *protocol.Event) error {
	payload, err := protocol.DecodePayload[protocol.ChatTypingPayload](ev.Payload)
	if err != nil {
		return err
	}
	ref, err := h.senderRef(c)
	if err != nil {
		return err
	}

	out, err := protocol.NewEvent(protocol.EventChatTyping, protocol.ChatTypingEvent{
		PeerID:   string(ref.PeerId),
		User:     ref.User.Info(),
		IsTyping: payload.IsTyping,
	})
	if err != nil {
		return err
	}
	for _, other := range h.rooms.ConnectedClients(ref.RoomId, c.socketId) {
		other.SendEvent(out)
	}
	return nil
}

// --- Admin ---

func (h *Hub) handleRoomStats(c *Client, ev *protocol.Event) error {
	payload, err := protocol.DecodePayload[protocol.RoomStatsPayload](ev.Payload)
	if err != nil {
		return err
	}
	stats, err := h.rooms.RoomStats(types.RoomIdType(payload.RoomID))
	if err != nil {
		return err
	}
	return h.reply(c, protocol.EventAdminRoomStats, stats, ev.AckId)
}

func (h *Hub) handleAllRooms(c *Client, ev *protocol.Event) error {
	return h.reply(c, protocol.EventAdminAllRooms, h.rooms.AllRooms(), ev.AckId)
}

// reply sends a direct response to the caller, echoing the request's
// ackId for callback-style clients.
func (h *Hub) reply(c *Client, eventType string, payload any, ackId string) error {
	out, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	out.AckId = ackId
	c.SendEvent(out)
	return nil
}

// Package registry is the authoritative in-memory index of live rooms
// and participants. Every membership mutation funnels through it; the
// relay and media layers read it through the types.RegistryView
// contract. Durable call records are mirrored to a types.CallStore,
// whose failures are logged and never block session progress.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/metrics"
	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Options configures a Registry. Zero durations fall back to the
// defaults below.
type Options struct {
	Store         types.CallStore
	Clock         clock.WithTickerAndDelayedExecution
	GracePeriod   time.Duration
	SweepInterval time.Duration
	EmptyTTL      time.Duration
}

const (
	defaultGracePeriod   = 30 * time.Second
	defaultSweepInterval = 2 * time.Minute
	defaultEmptyTTL      = 5 * time.Minute
)

// Registry tracks every live room. Rooms serialize their own mutations
// under a per-room mutex; the registry lock covers only the room map
// and the socket indexes.
type Registry struct {
	store types.CallStore
	clk   clock.WithTickerAndDelayedExecution

	gracePeriod   time.Duration
	sweepInterval time.Duration
	emptyTTL      time.Duration

	mu          sync.RWMutex
	rooms       map[types.RoomIdType]*Room
	socketRooms map[types.SocketIdType]types.RoomIdType
	media       types.MediaProvider

	reaper   *reaper
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a registry and starts its background sweep. Callers must
// Stop it on shutdown.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.EmptyTTL <= 0 {
		opts.EmptyTTL = defaultEmptyTTL
	}

	reg := &Registry{
		store:         opts.Store,
		clk:           opts.Clock,
		gracePeriod:   opts.GracePeriod,
		sweepInterval: opts.SweepInterval,
		emptyTTL:      opts.EmptyTTL,
		rooms:         make(map[types.RoomIdType]*Room),
		socketRooms:   make(map[types.SocketIdType]types.RoomIdType),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	reg.reaper = newReaper(opts.Clock, opts.GracePeriod)

	go reg.sweepLoop()
	return reg
}

// SetMediaProvider wires the SFU layer in after construction. The media
// layer needs the registry first, so the dependency is injected late.
func (reg *Registry) SetMediaProvider(media types.MediaProvider) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.media = media
}

func (reg *Registry) mediaProvider() types.MediaProvider {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.media
}

// Stop halts the sweep loop and cancels every pending reap timer.
func (reg *Registry) Stop() {
	reg.stopOnce.Do(func() {
		close(reg.stopCh)
	})
	<-reg.doneCh
	reg.reaper.stopAll()
}

func newPeerID() types.PeerIdType {
	return types.PeerIdType("peer_" + uuid.NewString())
}

// --- Join / Create ---

// Join admits a client into the room backed by roomID's call record.
// Admission checks run in order: room existence, passcode, rebind,
// invite list, capacity. On success the rest of the room learns about
// the joiner and the caller gets its snapshot.
func (reg *Registry) Join(ctx context.Context, client types.ClientInterface, roomID types.RoomIdType, passcode string) (*protocol.RoomJoinedPayload, error) {
	room, err := reg.roomOrFetch(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return reg.admit(ctx, client, room, passcode)
}

// CreateRoom writes a new call record and joins the creator as host.
// Guests cannot create rooms.
func (reg *Registry) CreateRoom(ctx context.Context, client types.ClientInterface, payload protocol.CreateRoomPayload) (*protocol.RoomJoinedPayload, error) {
	identity := client.GetIdentity()
	if identity.IsGuest() {
		return nil, protocol.NewError(protocol.CodeAuthenticationFailed, "guests cannot create rooms")
	}

	roomID := types.RoomIdType(payload.ID)
	if roomID == "" {
		roomID = types.RoomIdType(uuid.NewString())
	}

	// Idempotent on the requested id: if the room is already live, the
	// create collapses into a join.
	if room := reg.room(roomID); room != nil {
		return reg.admit(ctx, client, room, payload.Passcode)
	}

	name := payload.Name
	if name == "" {
		name = "Huddle call"
	}
	callType := types.CallAccessPublic
	if payload.IsPrivate {
		callType = types.CallAccessInvitedOnly
	}
	passcodeHash := ""
	if payload.Passcode != "" {
		passcodeHash = HashPasscode(payload.Passcode)
	}

	now := reg.clk.Now()
	record := &types.CallRecord{
		CallId:          "call_" + uuid.NewString(),
		RoomId:          roomID,
		Name:            name,
		HostUserId:      identity.UserId,
		Status:          types.CallStatusWaiting,
		CallType:        callType,
		PasscodeHash:    passcodeHash,
		MaxParticipants: payload.MaxParticipants,
		CreatedAt:       now,
	}

	if err := reg.store.Create(ctx, record); err != nil {
		logging.Warn(ctx, "call store create failed, continuing on in-memory state",
			zap.String("room_id", string(roomID)), zap.Error(err))
	}

	room := reg.insertRoom(newRoom(record, now))
	return reg.admit(ctx, client, room, payload.Passcode)
}

// roomOrFetch resolves a live room, lazily creating it from the call
// store on first join. The store read never runs under a lock.
func (reg *Registry) roomOrFetch(ctx context.Context, roomID types.RoomIdType) (*Room, error) {
	if room := reg.room(roomID); room != nil {
		return room, nil
	}

	record, err := reg.store.GetByRoomId(ctx, roomID)
	if err != nil {
		if err == types.ErrCallNotFound {
			return nil, protocol.NewError(protocol.CodeRoomNotFound, "room not found")
		}
		logging.Error(ctx, "call store lookup failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
		return nil, protocol.NewError(protocol.CodeInternal, "internal error")
	}
	if record.IsTerminal() {
		return nil, protocol.NewError(protocol.CodeRoomNotFound, "call has ended")
	}

	return reg.insertRoom(newRoom(record, reg.clk.Now())), nil
}

func (reg *Registry) room(roomID types.RoomIdType) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[roomID]
}

// insertRoom registers a room, returning the existing one if another
// join won the race.
func (reg *Registry) insertRoom(room *Room) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if existing, ok := reg.rooms[room.ID]; ok {
		return existing
	}
	reg.rooms[room.ID] = room
	metrics.ActiveRooms.Inc()
	return room
}

// admit performs the membership mutation for Join and CreateRoom. The
// room lock covers the admission decision; store writes and broadcasts
// run after it is released.
func (reg *Registry) admit(ctx context.Context, client types.ClientInterface, room *Room, passcode string) (*protocol.RoomJoinedPayload, error) {
	identity := client.GetIdentity()
	socketId := client.GetSocketId()
	now := reg.clk.Now()

	room.mu.Lock()
	if room.status == types.CallStatusEnded {
		room.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeRoomNotFound, "call has ended")
	}
	if !passcodeMatches(room.passcodeHash, passcode) {
		room.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeInvalidPasscode, "invalid passcode")
	}

	var p *Participant
	var stale types.ClientInterface
	rebound := false

	if existing := room.participantByUserLocked(identity.UserId); existing != nil {
		// P2: one connected participant per user. A reconnect rebinds the
		// existing peer; a duplicate connection displaces the old socket.
		if existing.IsConnected && existing.SocketId != socketId {
			stale = room.clients[existing.SocketId]
			delete(room.clients, existing.SocketId)
			delete(room.socketPeers, existing.SocketId)
		}
		existing.SocketId = socketId
		existing.IsConnected = true
		existing.LeftAt = time.Time{}
		existing.User = identity
		p = existing
		rebound = true
	} else {
		if room.settings.CallType == string(types.CallAccessInvitedOnly) &&
			!identity.IsGuest() && !room.isInvitedLocked(identity.Email) {
			room.mu.Unlock()
			return nil, protocol.NewError(protocol.CodeNotInvited, "you are not invited to this call")
		}
		if room.connectedCountLocked() >= room.settings.MaxParticipants {
			room.mu.Unlock()
			return nil, protocol.NewError(protocol.CodeRoomFull, "room is full")
		}

		role := types.RoleTypeParticipant
		switch {
		case identity.UserId == room.HostUserId:
			role = types.RoleTypeHost
		case identity.IsGuest():
			role = types.RoleTypeGuest
		}

		p = &Participant{
			PeerId:      newPeerID(),
			UserId:      identity.UserId,
			SocketId:    socketId,
			User:        identity,
			Role:        role,
			JoinedAt:    now,
			IsConnected: true,
			MediaState:  protocol.MediaState{Audio: true, Video: true},
		}
		room.participants[p.PeerId] = p
	}

	room.clients[socketId] = client
	room.socketPeers[socketId] = p.PeerId
	room.emptySince = time.Time{}

	wentLive := false
	if room.status == types.CallStatusWaiting {
		room.status = types.CallStatusLive
		room.startedAt = now
		wentLive = true
	}

	joined := p.Info()
	isHost := p.Role == types.RoleTypeHost
	snapshot := &protocol.RoomJoinedPayload{
		RoomID:       string(room.ID),
		User:         identity.Info(),
		Participants: room.snapshotParticipantsLocked(),
		Settings:     room.settings,
		IsHost:       isHost,
	}
	participantCount := len(room.participants)
	room.mu.Unlock()

	reg.mu.Lock()
	reg.socketRooms[socketId] = room.ID
	if stale != nil {
		delete(reg.socketRooms, stale.GetSocketId())
	}
	reg.mu.Unlock()

	if stale != nil {
		// The displaced socket's SFU footprint dies with it; the new
		// socket negotiates its own transports.
		stale.Disconnect()
		if media := reg.mediaProvider(); media != nil {
			media.ClosePeer(stale.GetSocketId())
		}
	}

	reg.reaper.cancel(room.ID, p.PeerId)
	metrics.RoomParticipants.WithLabelValues(string(room.ID)).Set(float64(participantCount))

	// P3: guest participant transitions never touch the call store.
	if !identity.IsGuest() {
		if !rebound {
			if err := reg.store.AddParticipant(ctx, room.CallId, identity.UserId, p.Role); err != nil {
				logging.Warn(ctx, "call store add participant failed", zap.Error(err))
			}
		}
		if err := reg.store.UpdateParticipantStatus(ctx, room.CallId, identity.UserId, true, socketId); err != nil {
			logging.Warn(ctx, "call store status update failed", zap.Error(err))
		}
	}
	if wentLive {
		if err := reg.store.Start(ctx, room.CallId); err != nil {
			logging.Warn(ctx, "call store start failed", zap.Error(err))
		}
	}

	if ev, err := protocol.NewEvent(protocol.EventUserJoined, protocol.UserJoinedPayload{
		User:        identity.Info(),
		Participant: joined,
	}); err == nil {
		room.Broadcast(ev, socketId)
	}

	logging.Info(ctx, "participant joined",
		zap.String("room_id", string(room.ID)),
		zap.String("peer_id", string(p.PeerId)),
		zap.Bool("rebound", rebound))
	return snapshot, nil
}

// --- Leave / Disconnect / End ---

// Leave marks the caller disconnected, tells the room, and schedules
// the reap. Idempotent: leaving a room you are not in is a no-op.
func (reg *Registry) Leave(ctx context.Context, client types.ClientInterface, roomID types.RoomIdType) error {
	socketId := client.GetSocketId()
	if roomID == "" {
		current, ok := reg.RoomOf(socketId)
		if !ok {
			return nil
		}
		roomID = current
	}
	room := reg.room(roomID)
	if room == nil {
		return nil
	}

	now := reg.clk.Now()
	room.mu.Lock()
	p := room.participantBySocketLocked(socketId)
	if p == nil {
		room.mu.Unlock()
		return nil
	}
	p.IsConnected = false
	p.LeftAt = now
	p.SocketId = ""
	delete(room.clients, socketId)
	delete(room.socketPeers, socketId)
	left := p.Info()
	userId := p.UserId
	peerId := p.PeerId
	room.mu.Unlock()

	reg.mu.Lock()
	delete(reg.socketRooms, socketId)
	reg.mu.Unlock()

	if media := reg.mediaProvider(); media != nil {
		media.ClosePeer(socketId)
	}
	if !types.IsGuestUser(userId) {
		if err := reg.store.UpdateParticipantStatus(ctx, room.CallId, userId, false, socketId); err != nil {
			logging.Warn(ctx, "call store status update failed", zap.Error(err))
		}
	}

	if ev, err := protocol.NewEvent(protocol.EventUserLeft, protocol.UserLeftPayload{
		UserID:      string(userId),
		Participant: left,
	}); err == nil {
		room.Broadcast(ev, socketId)
	}

	reg.reaper.schedule(room.ID, peerId, func() {
		reg.reapParticipant(room.ID, peerId)
	})

	logging.Info(ctx, "participant left",
		zap.String("room_id", string(room.ID)),
		zap.String("peer_id", string(peerId)))
	return nil
}

// HandleDisconnect is the socket-drop path: same semantics as an
// explicit leave from the caller's current room.
func (reg *Registry) HandleDisconnect(client types.ClientInterface) {
	roomID, ok := reg.RoomOf(client.GetSocketId())
	if !ok {
		return
	}
	_ = reg.Leave(context.Background(), client, roomID)
}

// EndCall terminates a call for everyone. Host only.
func (reg *Registry) EndCall(ctx context.Context, client types.ClientInterface, roomID types.RoomIdType) error {
	room := reg.room(roomID)
	if room == nil {
		return protocol.NewError(protocol.CodeRoomNotFound, "room not found")
	}
	if client.GetIdentity().UserId != room.HostUserId {
		return protocol.NewError(protocol.CodeHostRequired, "only the host can end the call")
	}

	if ev, err := protocol.NewEvent(protocol.EventCallEnded, protocol.CallEndedPayload{
		RoomID: string(roomID),
		Reason: "Host ended the call",
	}); err == nil {
		// The actor hears it too; "" matches no socket.
		room.Broadcast(ev, "")
	}

	room.mu.Lock()
	room.participants = make(map[types.PeerIdType]*Participant)
	room.clients = make(map[types.SocketIdType]types.ClientInterface)
	room.socketPeers = make(map[types.SocketIdType]types.PeerIdType)
	room.mu.Unlock()

	reg.removeRoom(ctx, room)
	logging.Info(ctx, "call ended by host", zap.String("room_id", string(roomID)))
	return nil
}

// removeRoom deletes a room from the registry, closes its SFU state,
// and records the terminal transition. Safe to call more than once.
func (reg *Registry) removeRoom(ctx context.Context, room *Room) {
	reg.mu.Lock()
	if reg.rooms[room.ID] != room {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, room.ID)
	for socketId, roomID := range reg.socketRooms {
		if roomID == room.ID {
			delete(reg.socketRooms, socketId)
		}
	}
	reg.mu.Unlock()

	reg.reaper.cancelRoom(room.ID)

	room.mu.Lock()
	alreadyEnded := room.status == types.CallStatusEnded
	room.status = types.CallStatusEnded
	started := room.startedAt
	if started.IsZero() {
		started = room.createdAt
	}
	room.mu.Unlock()

	if media := reg.mediaProvider(); media != nil {
		media.CloseRoom(room.ID)
	}
	if !alreadyEnded {
		duration := reg.clk.Now().Sub(started)
		if err := reg.store.End(ctx, room.CallId, duration); err != nil {
			logging.Warn(ctx, "call store end failed", zap.Error(err))
		}
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(room.ID))
}

// reapParticipant fires at grace expiry. The participant is removed
// only if still disconnected; a rebind in the meantime cancels the
// timer, and a lost race here is a no-op.
func (reg *Registry) reapParticipant(roomID types.RoomIdType, peerId types.PeerIdType) {
	room := reg.room(roomID)
	if room == nil {
		return
	}

	room.mu.Lock()
	p, ok := room.participants[peerId]
	if !ok || p.IsConnected {
		room.mu.Unlock()
		return
	}
	delete(room.participants, peerId)
	empty := room.isEmptyLocked()
	if empty {
		room.emptySince = reg.clk.Now()
	}
	remaining := len(room.participants)
	room.mu.Unlock()

	metrics.ParticipantsReaped.Inc()
	if remaining > 0 {
		metrics.RoomParticipants.WithLabelValues(string(roomID)).Set(float64(remaining))
	}
	logging.Info(context.Background(), "participant reaped",
		zap.String("room_id", string(roomID)),
		zap.String("peer_id", string(peerId)))

	if empty {
		reg.removeRoom(context.Background(), room)
		metrics.RoomsReaped.Inc()
	}
}

// --- Media state ---

// UpdateMediaState merges a tri-state media update into the caller's
// participant and reflects it to the rest of the room.
func (reg *Registry) UpdateMediaState(ctx context.Context, client types.ClientInterface, payload protocol.UpdateMediaStatePayload) error {
	socketId := client.GetSocketId()
	roomID, ok := reg.RoomOf(socketId)
	if !ok {
		return protocol.NewError(protocol.CodeRoomNotFound, "not in a room")
	}
	room := reg.room(roomID)
	if room == nil {
		return protocol.NewError(protocol.CodeRoomNotFound, "not in a room")
	}

	room.mu.Lock()
	p := room.participantBySocketLocked(socketId)
	if p == nil {
		room.mu.Unlock()
		return protocol.NewError(protocol.CodeRoomNotFound, "not in a room")
	}
	if payload.AudioEnabled != nil {
		p.MediaState.Audio = *payload.AudioEnabled
	}
	if payload.VideoEnabled != nil {
		p.MediaState.Video = *payload.VideoEnabled
	}
	if payload.ScreenShareEnabled != nil {
		p.MediaState.Screen = *payload.ScreenShareEnabled
	}
	changed := protocol.MediaStateChangedPayload{
		UserID:     string(p.UserId),
		PeerID:     string(p.PeerId),
		MediaState: p.MediaState,
	}
	room.mu.Unlock()

	if ev, err := protocol.NewEvent(protocol.EventMediaStateChanged, changed); err == nil {
		room.Broadcast(ev, socketId)
	}
	return nil
}

// --- Lookups (types.RegistryView) ---

// RoomOf resolves the room a socket currently belongs to.
func (reg *Registry) RoomOf(socketId types.SocketIdType) (types.RoomIdType, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	roomID, ok := reg.socketRooms[socketId]
	return roomID, ok
}

// ParticipantOf resolves a socket to its participant snapshot.
func (reg *Registry) ParticipantOf(socketId types.SocketIdType) (types.ParticipantRef, bool) {
	roomID, ok := reg.RoomOf(socketId)
	if !ok {
		return types.ParticipantRef{}, false
	}
	room := reg.room(roomID)
	if room == nil {
		return types.ParticipantRef{}, false
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	p := room.participantBySocketLocked(socketId)
	if p == nil {
		return types.ParticipantRef{}, false
	}
	return room.refLocked(p), true
}

// ConnectedClients lists the live sockets in a room, skipping except.
func (reg *Registry) ConnectedClients(roomID types.RoomIdType, except types.SocketIdType) []types.ClientInterface {
	room := reg.room(roomID)
	if room == nil {
		return nil
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.connectedClientsLocked(except)
}

// ClientByPeer resolves a peer id to its live socket within a room.
func (reg *Registry) ClientByPeer(roomID types.RoomIdType, peerId types.PeerIdType) (types.ClientInterface, bool) {
	room := reg.room(roomID)
	if room == nil {
		return nil, false
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	p, ok := room.participants[peerId]
	if !ok || !p.IsConnected {
		return nil, false
	}
	client, ok := room.clients[p.SocketId]
	return client, ok
}

// --- Admin snapshots ---

// RoomStats renders one room's admin snapshot. No passcodes, no tokens.
func (reg *Registry) RoomStats(roomID types.RoomIdType) (*protocol.RoomStats, error) {
	room := reg.room(roomID)
	if room == nil {
		return nil, protocol.NewError(protocol.CodeRoomNotFound, "room not found")
	}

	room.mu.RLock()
	stats := &protocol.RoomStats{
		RoomID:           string(room.ID),
		CallID:           room.CallId,
		Status:           string(room.status),
		ParticipantCount: len(room.participants),
		ConnectedCount:   room.connectedCountLocked(),
		CreatedAt:        room.createdAt.UnixMilli(),
	}
	room.mu.RUnlock()

	if media := reg.mediaProvider(); media != nil {
		stats.SfuActive = media.RoomActive(roomID)
	}
	return stats, nil
}

// AllRooms renders the admin snapshot of every live room.
func (reg *Registry) AllRooms() *protocol.AllRoomsPayload {
	reg.mu.RLock()
	roomIDs := make([]types.RoomIdType, 0, len(reg.rooms))
	for roomID := range reg.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	reg.mu.RUnlock()

	payload := &protocol.AllRoomsPayload{Rooms: make([]protocol.RoomStats, 0, len(roomIDs))}
	for _, roomID := range roomIDs {
		stats, err := reg.RoomStats(roomID)
		if err != nil {
			continue
		}
		payload.Rooms = append(payload.Rooms, *stats)
	}
	payload.Count = len(payload.Rooms)
	return payload
}

// --- Background sweep ---

func (reg *Registry) sweepLoop() {
	defer close(reg.doneCh)
	ticker := reg.clk.NewTicker(reg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-reg.stopCh:
			return
		case <-ticker.C():
			reg.sweep()
		}
	}
}

// sweep removes rooms that have sat empty past the TTL. The per-peer
// reap timers already handle the common case; this is the backstop.
func (reg *Registry) sweep() {
	now := reg.clk.Now()

	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	for _, room := range rooms {
		room.mu.RLock()
		stale := room.isEmptyLocked() && !room.emptySince.IsZero() &&
			now.Sub(room.emptySince) >= reg.emptyTTL
		room.mu.RUnlock()

		if stale {
			logging.Info(context.Background(), "sweeping empty room",
				zap.String("room_id", string(room.ID)))
			reg.removeRoom(context.Background(), room)
			metrics.RoomsReaped.Inc()
		}
	}
}

package protocol

// Inbound event names (client to server).
const (
	EventRoomJoin    = "room:join"
	EventRoomCreate  = "room:create"
	EventRoomLeave   = "room:leave"
	EventRoomEndCall = "room:end-call"

	EventUpdateMediaState = "participant:update-media-state"

	EventWebRTCOffer         = "webrtc:offer"
	EventWebRTCAnswer        = "webrtc:answer"
	EventWebRTCICECandidate  = "webrtc:ice-candidate"
	EventWebRTCGetICEServers = "webrtc:get-ice-servers"

	EventSfuJoinRoom         = "sfu:join-room"
	EventSfuCreateTransport  = "sfu:create-transport"
	EventSfuConnectTransport = "sfu:connect-transport"
	EventSfuProduce          = "sfu:produce"
	EventSfuConsume          = "sfu:consume"
	EventSfuResumeConsumer   = "sfu:resume-consumer"
	EventSfuPauseProducer    = "sfu:pause-producer"

	EventChatMessage = "chat:message"
	EventChatTyping  = "chat:typing"

	EventAdminGetRoomStats = "admin:get-room-stats"
	EventAdminGetAllRooms  = "admin:get-all-rooms"
)

// Outbound event names (server to client). Chat and WebRTC forwarding
// reuse the inbound names with a server-stamped envelope.
const (
	EventRoomCreated = "room:created"
	EventRoomJoined  = "room:joined"
	EventUserJoined  = "room:user-joined"
	EventUserLeft    = "room:user-left"
	EventCallEnded   = "room:call-ended"

	EventMediaStateChanged = "participant:media-state-changed"

	EventWebRTCICEServers = "webrtc:ice-servers"

	EventSfuRouterRTPCapabilities = "sfu:router-rtp-capabilities"
	EventSfuTransportCreated      = "sfu:transport-created"
	EventSfuTransportConnected    = "sfu:transport-connected"
	EventSfuProducerCreated       = "sfu:producer-created"
	EventSfuConsumerCreated       = "sfu:consumer-created"
	EventSfuConsumerClosed        = "sfu:consumer-closed"
	EventSfuConsumerResumed       = "sfu:consumer-resumed"
	EventSfuProducerPaused        = "sfu:producer-paused"
	EventSfuNewProducer           = "sfu:new-producer"

	EventAdminRoomStats = "admin:room-stats"
	EventAdminAllRooms  = "admin:all-rooms"

	EventError = "error"
)

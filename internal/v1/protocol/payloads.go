package protocol

import "encoding/json"

// --- Shared wire snapshots ---

// UserInfo is the user snapshot attached to outbound events.
type UserInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// MediaState carries a participant's published media flags.
type MediaState struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// ParticipantInfo is the wire snapshot of one participant.
type ParticipantInfo struct {
	PeerID      string     `json:"peerId"`
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	Role        string     `json:"role"`
	IsConnected bool       `json:"isConnected"`
	JoinedAt    int64      `json:"joinedAt"`
	MediaState  MediaState `json:"mediaState"`
}

// RoomSettings is the room configuration echoed to joiners.
type RoomSettings struct {
	Name            string `json:"name"`
	MaxParticipants int    `json:"maxParticipants"`
	CallType        string `json:"callType"`
	HasPasscode     bool   `json:"hasPasscode"`
}

// --- Room events ---

// JoinRoomPayload is the body of room:join. Token is ignored when the
// handshake already authenticated the connection; the handshake
// identity is authoritative.
type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	Passcode string `json:"passcode,omitempty"`
	Token    string `json:"token,omitempty"`
}

// CreateRoomPayload is the body of room:create.
type CreateRoomPayload struct {
	Name            string `json:"name"`
	IsPrivate       bool   `json:"isPrivate,omitempty"`
	MaxParticipants int    `json:"maxParticipants,omitempty"`
	Passcode        string `json:"passcode,omitempty"`
	ID              string `json:"id,omitempty"`
}

// LeaveRoomPayload is the body of room:leave. RoomID is optional; the
// caller's current room is used when absent.
type LeaveRoomPayload struct {
	RoomID string `json:"roomId,omitempty"`
}

// EndCallPayload is the body of room:end-call.
type EndCallPayload struct {
	RoomID string `json:"roomId"`
}

// RoomCreatedPayload is the body of room:created.
type RoomCreatedPayload struct {
	ID       string       `json:"id"`
	Settings RoomSettings `json:"settings"`
}

// RoomJoinedPayload is the caller's view of the room after a join.
type RoomJoinedPayload struct {
	RoomID       string            `json:"roomId"`
	User         UserInfo          `json:"user"`
	Participants []ParticipantInfo `json:"participants"`
	Settings     RoomSettings      `json:"settings"`
	IsHost       bool              `json:"isHost"`
}

// UserJoinedPayload announces a new participant to the rest of the room.
type UserJoinedPayload struct {
	User        UserInfo        `json:"user"`
	Participant ParticipantInfo `json:"participant"`
}

// UserLeftPayload announces a departure to the rest of the room.
type UserLeftPayload struct {
	UserID      string          `json:"userId"`
	Participant ParticipantInfo `json:"participant"`
}

// CallEndedPayload announces the end of a call to the whole room.
type CallEndedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// --- Participant events ---

// UpdateMediaStatePayload is a tri-state update; nil fields keep the
// participant's previous value.
type UpdateMediaStatePayload struct {
	VideoEnabled       *bool `json:"videoEnabled,omitempty"`
	AudioEnabled       *bool `json:"audioEnabled,omitempty"`
	ScreenShareEnabled *bool `json:"screenShareEnabled,omitempty"`
}

// MediaStateChangedPayload reflects a media-state mutation to the room.
type MediaStateChangedPayload struct {
	UserID     string     `json:"userId"`
	PeerID     string     `json:"peerId"`
	MediaState MediaState `json:"mediaState"`
}

// --- WebRTC mesh signaling ---

// SessionDescription mirrors the browser RTCSessionDescriptionInit.
// The relay never interprets the SDP.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

// OfferPayload relays an SDP offer between two peers. From is stamped
// by the server; any client-supplied value is discarded.
type OfferPayload struct {
	To    string             `json:"to"`
	From  string             `json:"from,omitempty"`
	Offer SessionDescription `json:"offer"`
	User  *UserInfo          `json:"user,omitempty"`
}

// AnswerPayload relays an SDP answer between two peers.
type AnswerPayload struct {
	To     string             `json:"to"`
	From   string             `json:"from,omitempty"`
	Answer SessionDescription `json:"answer"`
	User   *UserInfo          `json:"user,omitempty"`
}

// ICECandidatePayload relays one trickled ICE candidate between peers.
type ICECandidatePayload struct {
	To        string       `json:"to"`
	From      string       `json:"from,omitempty"`
	Candidate ICECandidate `json:"candidate"`
}

// ICEServer is one STUN or TURN entry handed to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEServersPayload is the body of webrtc:ice-servers.
type ICEServersPayload struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// --- SFU events ---
//
// Capability and parameter blobs are opaque to the signaling layer;
// they are produced and consumed by the media worker and the client.

// SfuJoinPayload switches the caller's room presence into SFU mode.
type SfuJoinPayload struct {
	RoomID          string          `json:"roomId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// RouterRTPCapabilitiesPayload is the body of sfu:router-rtp-capabilities.
type RouterRTPCapabilitiesPayload struct {
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// CreateTransportPayload asks for a new transport. Direction is "send"
// or "recv".
type CreateTransportPayload struct {
	Direction string `json:"direction"`
}

// TransportCreatedPayload returns the server half of an SFU transport.
type TransportCreatedPayload struct {
	ID             string          `json:"id"`
	Direction      string          `json:"direction"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// ConnectTransportPayload finishes the DTLS handshake for the caller's
// most recently created transport, or the one named by TransportID.
type ConnectTransportPayload struct {
	TransportID    string          `json:"transportId,omitempty"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// TransportConnectedPayload acknowledges sfu:connect-transport.
type TransportConnectedPayload struct {
	TransportID string `json:"transportId"`
}

// ProducePayload publishes a track on the caller's send transport.
// Kind is "audio" or "video".
type ProducePayload struct {
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

// ProducerCreatedPayload returns the id of a newly created producer.
type ProducerCreatedPayload struct {
	ID string `json:"id"`
}

// ConsumePayload subscribes the caller to another peer's producer.
type ConsumePayload struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// ConsumerCreatedPayload returns a consumer created in the paused
// state; the client resumes it with sfu:resume-consumer once its
// receiver track is wired.
type ConsumerCreatedPayload struct {
	ID             string          `json:"id"`
	ProducerID     string          `json:"producerId"`
	Kind           string          `json:"kind"`
	RTPParameters  json.RawMessage `json:"rtpParameters"`
	ProducerPeerID string          `json:"producerPeerId"`
}

// ResumeConsumerPayload is the body of sfu:resume-consumer.
type ResumeConsumerPayload struct {
	ConsumerID string `json:"consumerId"`
}

// PauseProducerPayload pauses or resumes one of the caller's producers.
// ProducerID is optional; the caller's most recent video producer, then
// audio producer, is targeted when absent.
type PauseProducerPayload struct {
	Pause      bool   `json:"pause"`
	ProducerID string `json:"producerId,omitempty"`
}

// NewProducerPayload announces another peer's producer to the room.
type NewProducerPayload struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
}

// ProducerPausedPayload reflects a producer's pause state to the room.
type ProducerPausedPayload struct {
	ProducerID string `json:"producerId"`
	Paused     bool   `json:"paused"`
}

// ConsumerClosedPayload tells a client one of its consumers is gone.
type ConsumerClosedPayload struct {
	ConsumerID string `json:"consumerId"`
}

// ConsumerResumedPayload acknowledges sfu:resume-consumer.
type ConsumerResumedPayload struct {
	ConsumerID string `json:"consumerId"`
}

// --- Chat events ---

// ChatMessagePayload is the inbound chat body. To addresses a direct
// message to one peer; empty means the whole room.
type ChatMessagePayload struct {
	Message string `json:"message"`
	To      string `json:"to,omitempty"`
}

// ChatMessageEvent is the outbound chat body. ID and Timestamp are
// assigned by the server.
type ChatMessageEvent struct {
	ID        string   `json:"id"`
	RoomID    string   `json:"roomId"`
	PeerID    string   `json:"peerId"`
	User      UserInfo `json:"user"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
	Direct    bool     `json:"direct,omitempty"`
}

// ChatTypingPayload is the inbound typing indicator.
type ChatTypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// ChatTypingEvent is the outbound typing indicator.
type ChatTypingEvent struct {
	PeerID   string   `json:"peerId"`
	User     UserInfo `json:"user"`
	IsTyping bool     `json:"isTyping"`
}

// --- Admin events ---

// RoomStatsPayload requests a snapshot of one room.
type RoomStatsPayload struct {
	RoomID string `json:"roomId"`
}

// RoomStats is the admin snapshot of one room. It carries no passcodes
// and no tokens.
type RoomStats struct {
	RoomID           string `json:"roomId"`
	CallID           string `json:"callId"`
	Status           string `json:"status"`
	ParticipantCount int    `json:"participantCount"`
	ConnectedCount   int    `json:"connectedCount"`
	CreatedAt        int64  `json:"createdAt"`
	SfuActive        bool   `json:"sfuActive"`
}

// AllRoomsPayload is the admin snapshot of every live room.
type AllRoomsPayload struct {
	Rooms []RoomStats `json:"rooms"`
	Count int         `json:"count"`
}

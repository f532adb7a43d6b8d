package sfu

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v3"
)

// startBitrateKbps is the initial outgoing bitrate hint announced to
// clients alongside the codec set.
const startBitrateKbps = 1000

// codecCapability is one entry of the capability blobs exchanged with
// clients.
type codecCapability struct {
	MimeType             string `json:"mimeType"`
	ClockRate            uint32 `json:"clockRate"`
	Channels             uint16 `json:"channels,omitempty"`
	PreferredPayloadType uint8  `json:"preferredPayloadType,omitempty"`
}

// rtpCapabilities is the blob clients send in sfu:join-room and
// sfu:consume, and the router announces back.
type rtpCapabilities struct {
	Codecs       []codecCapability `json:"codecs"`
	StartBitrate int               `json:"startBitrate,omitempty"`
}

// rtpParameters is the blob clients send in sfu:produce: the single
// encoding they are about to publish.
type rtpParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SSRC        uint32 `json:"ssrc"`
}

// defaultCodecs is the worker codec set: Opus for audio, VP8/VP9/H.264
// for video.
func defaultCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			PayloadType:        111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			PayloadType:        96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000},
			PayloadType:        98,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
			PayloadType:        102,
		},
	}
}

// kindOfMimeType maps a codec mime type to its media kind.
func kindOfMimeType(mimeType string) MediaKind {
	if strings.HasPrefix(strings.ToLower(mimeType), "audio/") {
		return MediaKindAudio
	}
	return MediaKindVideo
}

// routerCapabilities renders the codec set as the capability blob
// announced in sfu:router-rtp-capabilities.
func routerCapabilities(codecs []webrtc.RTPCodecParameters) json.RawMessage {
	caps := rtpCapabilities{StartBitrate: startBitrateKbps}
	for _, c := range codecs {
		caps.Codecs = append(caps.Codecs, codecCapability{
			MimeType:             c.MimeType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			PreferredPayloadType: uint8(c.PayloadType),
		})
	}
	raw, err := json.Marshal(caps)
	if err != nil {
		return json.RawMessage(`{"codecs":[]}`)
	}
	return raw
}

// capabilitiesInclude reports whether the client capability blob lists
// a codec compatible with mimeType. A malformed or empty blob matches
// nothing.
func capabilitiesInclude(raw json.RawMessage, mimeType string) bool {
	if len(raw) == 0 {
		return false
	}
	var caps rtpCapabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// codecByMimeType finds the worker codec matching mimeType.
func codecByMimeType(codecs []webrtc.RTPCodecParameters, mimeType string) (webrtc.RTPCodecParameters, bool) {
	for _, c := range codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			return c, true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}

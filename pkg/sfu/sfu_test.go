package sfu

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ListenIP: "127.0.0.1",
		MinPort:  40000,
		MaxPort:  40099,
	}
}

func TestNewWorker_ConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad listen ip", func(c *Config) { c.ListenIP = "not-an-ip" }},
		{"bad announced ip", func(c *Config) { c.AnnouncedIP = "256.0.0.1" }},
		{"zero min port", func(c *Config) { c.MinPort = 0 }},
		{"inverted port range", func(c *Config) { c.MinPort = 50000; c.MaxPort = 40000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			w, err := NewWorker(cfg)
			assert.Error(t, err)
			assert.Nil(t, w)
		})
	}
}

func TestWorker_RouterLifecycle(t *testing.T) {
	w, err := NewWorker(validConfig())
	require.NoError(t, err)
	defer w.Close()

	r, err := w.NewRouter(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID())

	require.NoError(t, r.Close())

	// Closing again is a no-op.
	assert.NoError(t, r.Close())

	w.mu.Lock()
	assert.Empty(t, w.routers)
	w.mu.Unlock()
}

func TestWorker_ClosedRejectsNewRouters(t *testing.T) {
	w, err := NewWorker(validConfig())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.NewRouter(context.Background())
	assert.Error(t, err)
}

func TestRouterCapabilities_AnnouncesCodecSet(t *testing.T) {
	raw := routerCapabilities(defaultCodecs())

	var caps rtpCapabilities
	require.NoError(t, json.Unmarshal(raw, &caps))
	assert.Equal(t, startBitrateKbps, caps.StartBitrate)

	mimeTypes := make([]string, 0, len(caps.Codecs))
	for _, c := range caps.Codecs {
		mimeTypes = append(mimeTypes, c.MimeType)
	}
	assert.Contains(t, mimeTypes, webrtc.MimeTypeOpus)
	assert.Contains(t, mimeTypes, webrtc.MimeTypeVP8)
	assert.Contains(t, mimeTypes, webrtc.MimeTypeVP9)
	assert.Contains(t, mimeTypes, webrtc.MimeTypeH264)
}

func TestCapabilitiesInclude(t *testing.T) {
	caps := json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","clockRate":90000}]}`)

	assert.True(t, capabilitiesInclude(caps, "video/VP8"))
	assert.True(t, capabilitiesInclude(caps, "video/vp8"), "mime type match is case insensitive")
	assert.False(t, capabilitiesInclude(caps, "video/H264"))
	assert.False(t, capabilitiesInclude(nil, "video/VP8"))
	assert.False(t, capabilitiesInclude(json.RawMessage(`not json`), "video/VP8"))
}

func TestKindOfMimeType(t *testing.T) {
	assert.Equal(t, MediaKindAudio, kindOfMimeType("audio/opus"))
	assert.Equal(t, MediaKindAudio, kindOfMimeType("Audio/Opus"))
	assert.Equal(t, MediaKindVideo, kindOfMimeType("video/VP8"))
}

func TestMediaKind_Valid(t *testing.T) {
	assert.True(t, MediaKindAudio.Valid())
	assert.True(t, MediaKindVideo.Valid())
	assert.False(t, MediaKind("screen").Valid())
}

func TestRouter_CanConsume(t *testing.T) {
	w, err := NewWorker(validConfig())
	require.NoError(t, err)
	defer w.Close()

	router, err := w.NewRouter(context.Background())
	require.NoError(t, err)
	r := router.(*pionRouter)

	vp8, ok := codecByMimeType(w.codecs, webrtc.MimeTypeVP8)
	require.True(t, ok)
	producer := &pionProducer{
		id:          newProducerID(),
		kind:        MediaKindVideo,
		codec:       vp8,
		subscribers: make(map[string]*pionConsumer),
	}
	require.NoError(t, r.registerProducer(producer))

	vp8Caps := json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","clockRate":90000}]}`)
	opusCaps := json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000}]}`)

	assert.True(t, r.CanConsume(producer.id, vp8Caps))
	assert.False(t, r.CanConsume(producer.id, opusCaps), "capabilities without the producer codec cannot consume")
	assert.False(t, r.CanConsume("prod_missing", vp8Caps))
}

func TestProducer_PauseResume(t *testing.T) {
	p := &pionProducer{subscribers: make(map[string]*pionConsumer)}

	assert.False(t, p.Paused())
	p.Pause()
	assert.True(t, p.Paused())
	p.Resume()
	assert.False(t, p.Paused())
}

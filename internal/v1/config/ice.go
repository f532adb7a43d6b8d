package config

import "github.com/huddlehq/huddle/backend/go/internal/v1/protocol"

// ICEServers assembles the STUN/TURN list handed to mesh clients in
// webrtc:ice-servers. TURN is included only when fully configured.
func (c *Config) ICEServers() []protocol.ICEServer {
	servers := []protocol.ICEServer{{URLs: []string{c.StunServer}}}
	if c.TurnServerURL != "" {
		servers = append(servers, protocol.ICEServer{
			URLs:       []string{c.TurnServerURL},
			Username:   c.TurnServerUsername,
			Credential: c.TurnServerCredential,
		})
	}
	return servers
}

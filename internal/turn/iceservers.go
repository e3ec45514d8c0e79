package turn

import (
	"github.com/pion/webrtc/v4"
)

// ServerConfig names the STUN/TURN endpoints available to the Driver's ICE
// agent and the shared secret used to derive TURN credentials for them.
type ServerConfig struct {
	STUNURLs []string
	TURNURLs []string
	Secret   string
}

// ICEServers derives a fresh set of time-limited TURN credentials for
// peerID and returns the full ICE server list (STUN entries are
// credential-free, TURN entries carry the derived username/password).
func ICEServers(cfg ServerConfig, peerID string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.STUNURLs)+len(cfg.TURNURLs))

	for _, u := range cfg.STUNURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	if len(cfg.TURNURLs) == 0 || cfg.Secret == "" {
		return servers
	}

	username, password := GenerateCredentials(cfg.Secret, peerID, DefaultCredentialLifetime)
	for _, u := range cfg.TURNURLs {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{u},
			Username:   username,
			Credential: password,
		})
	}

	return servers
}

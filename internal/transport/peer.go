package transport

import (
	"github.com/pion/webrtc/v4"
)

// Public STUN servers used when Options.ICEServers is nil. An empty non-nil
// list gathers host candidates only.
var defaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func newPeerConnection(servers []string) (*webrtc.PeerConnection, error) {
	if servers == nil {
		servers = defaultICEServers
	}

	var config webrtc.Configuration
	if len(servers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: servers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated tunnel channel (ID 0) so both
// peers can open it without waiting for OnDataChannel. The multiplexer relies
// on in-order delivery across all connection ids, so the channel is ordered
// and reliable.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("ntun", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

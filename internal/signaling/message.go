// Package signaling bootstraps a data channel transport: the offerer serves a
// single-client WebSocket, the answerer dials it, and both trickle SDP and ICE
// candidates through it until the channel opens. Every message is sealed
// with the pre-shared key.
package signaling

// messageType identifies the kind of signaling message.
type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure sealed into each WebSocket message.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

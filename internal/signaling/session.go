package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ntun/internal/transport"
)

var errUnexpectedMessage = errors.New("signaling: unexpected message")

// session runs one side of the SDP/ICE exchange over a sealed channel.
// Candidates gathered before the local description has been sent are held
// back, so the peer never sees a candidate ahead of the SDP it belongs to.
type session struct {
	dc    *transport.DataChannel
	ch    *channel
	offer bool

	mu       sync.Mutex
	descSent bool
	pending  []string
}

func newSession(dc *transport.DataChannel, ch *channel, offer bool) *session {
	return &session{dc: dc, ch: ch, offer: offer}
}

// serve applies incoming messages until the channel fails or closes.
func (s *session) serve() error {
	for {
		msg, err := s.ch.recv()
		if err != nil {
			return fmt.Errorf("failed to read signaling message: %w", err)
		}
		if err := s.apply(msg); err != nil {
			return err
		}
	}
}

// apply hands one message to the data channel. The offerer only accepts an
// answer and the answerer only an offer.
func (s *session) apply(msg message) error {
	switch {
	case msg.Type == msgTypeOffer && !s.offer:
		if err := s.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return err
		}
		return s.describe(s.dc.CreateAnswer, msgTypeAnswer)

	case msg.Type == msgTypeAnswer && s.offer:
		return s.setRemote(webrtc.SDPTypeAnswer, msg.SDP)

	case msg.Type == msgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("failed to parse ICE candidate: %w", err)
		}
		return s.dc.AddICECandidate(init)
	}
	return fmt.Errorf("%w %q", errUnexpectedMessage, msg.Type)
}

func (s *session) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := s.dc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to apply remote %s: %w", typ, err)
	}
	return nil
}

// sendOffer starts the exchange from the offering side.
func (s *session) sendOffer() error {
	return s.describe(s.dc.CreateOffer, msgTypeOffer)
}

// describe creates the local description, installs it and sends it.
func (s *session) describe(create func() (webrtc.SessionDescription, error), typ messageType) error {
	desc, err := create()
	if err != nil {
		return err
	}
	if err := s.dc.SetLocalDescription(desc); err != nil {
		return err
	}
	return s.sendDescription(message{Type: typ, SDP: desc.SDP})
}

// sendDescription sends msg followed by any held candidates.
func (s *session) sendDescription(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ch.send(msg); err != nil {
		return err
	}
	s.descSent = true
	for _, c := range s.pending {
		if err := s.ch.send(message{Type: msgTypeCandidate, Candidate: c}); err != nil {
			return err
		}
	}
	s.pending = nil
	return nil
}

// sendCandidate sends an ICE candidate, or holds it until the local
// description is out.
func (s *session) sendCandidate(candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.descSent {
		s.pending = append(s.pending, candidate)
		return nil
	}
	return s.ch.send(message{Type: msgTypeCandidate, Candidate: candidate})
}

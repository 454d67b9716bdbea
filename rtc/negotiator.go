// Package rtc wraps a single WebRTC peer connection behind the small surface
// call signaling needs: offer/answer creation, idempotent remote-description
// apply, candidate queueing, track attachment with mute/camera toggles, and
// idempotent hang-up.
package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by description operations after HangUp.
var ErrClosed = errors.New("rtc: negotiator closed")

// DefaultICEServers are the public STUN servers used when Config leaves
// ICEServers empty.
var DefaultICEServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// DefaultCandidatePoolSize pre-gathers candidates so signaling can start
// exchanging them as soon as a description exists.
const DefaultCandidatePoolSize = 10

// Description is a session description in its relayed document form.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an ICE candidate in its relayed document form, matching the
// WebRTC JSON shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Callbacks are the event hooks a Negotiator invokes. Nil members are
// skipped. Callbacks fire on pion's goroutines; handlers must not block.
type Callbacks struct {
	// OnTrack fires when a remote media track starts arriving.
	OnTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnCandidate fires for each locally gathered ICE candidate.
	OnCandidate func(candidate Candidate)
	// OnConnectionStateChange fires on peer connection state transitions.
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
}

// Config controls peer connection construction. Zero values select the
// defaults above.
type Config struct {
	ICEServers        []string
	CandidatePoolSize int
}

// sender pairs an attached local track with its RTP sender so toggles can
// detach and re-attach it.
type sender struct {
	rtpSender *webrtc.RTPSender
	track     webrtc.TrackLocal
	disabled  bool
}

// Negotiator owns one peer connection for the lifetime of one call.
type Negotiator struct {
	mu sync.Mutex
	pc *webrtc.PeerConnection
	cb Callbacks

	// senders maps track kind ("audio"/"video") to the attached sender.
	senders map[string]*sender
	// pending holds remote candidates that arrived before the remote
	// description was committed.
	pending   []Candidate
	remoteSet bool
	closed    bool
	closeOnce sync.Once
}

// NewNegotiator creates a peer connection and wires the callbacks.
func NewNegotiator(config Config, callbacks Callbacks) (*Negotiator, error) {
	servers := config.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	poolSize := config.CandidatePoolSize
	if poolSize <= 0 {
		poolSize = DefaultCandidatePoolSize
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:           []webrtc.ICEServer{{URLs: servers}},
		ICECandidatePoolSize: uint8(poolSize),
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := &Negotiator{
		pc:      pc,
		cb:      callbacks,
		senders: make(map[string]*sender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering finished.
			return
		}
		if n.cb.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		n.cb.OnCandidate(Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		logrus.WithFields(logrus.Fields{
			"function": "OnTrack",
			"kind":     track.Kind().String(),
			"ssrc":     track.SSRC(),
		}).Debug("Remote track arrived")
		if n.cb.OnTrack != nil {
			n.cb.OnTrack(track, receiver)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnectionStateChange",
			"state":    state.String(),
		}).Debug("Peer connection state changed")
		if n.cb.OnConnectionStateChange != nil {
			n.cb.OnConnectionStateChange(state)
		}
	})

	return n, nil
}

// CreateOffer produces the local offer and commits it as the local
// description.
func (n *Negotiator) CreateOffer() (Description, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return Description{}, ErrClosed
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return Description{}, fmt.Errorf("set local description: %w", err)
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer applies the remote offer and produces the local answer.
func (n *Negotiator) CreateAnswer(offer Description) (Description, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return Description{}, ErrClosed
	}

	if err := n.applyRemoteLocked(offer); err != nil {
		return Description{}, err
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return Description{}, fmt.Errorf("set local description: %w", err)
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription commits the peer's description. Re-applying a
// description of a type that is already committed is a no-op, as is any call
// after HangUp.
func (n *Negotiator) SetRemoteDescription(desc Description) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	return n.applyRemoteLocked(desc)
}

// applyRemoteLocked applies desc and flushes queued candidates. Caller holds
// the mutex.
func (n *Negotiator) applyRemoteLocked(desc Description) error {
	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return fmt.Errorf("rtc: unknown description type %q", desc.Type)
	}
	if remote := n.pc.RemoteDescription(); remote != nil && remote.Type == sdpType {
		logrus.WithFields(logrus.Fields{
			"function": "SetRemoteDescription",
			"type":     desc.Type,
		}).Debug("Remote description already applied")
		return nil
	}

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  desc.SDP,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	n.remoteSet = true

	queued := n.pending
	n.pending = nil
	for _, c := range queued {
		n.addCandidateLocked(c)
	}
	if len(queued) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SetRemoteDescription",
			"flushed":  len(queued),
		}).Debug("Applied queued remote candidates")
	}
	return nil
}

// AddCandidate applies a remote ICE candidate. Candidates arriving before the
// remote description are queued; apply failures are logged and dropped so one
// malformed candidate never tears down the session.
func (n *Negotiator) AddCandidate(candidate Candidate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		logrus.WithFields(logrus.Fields{
			"function": "AddCandidate",
		}).Debug("Dropping candidate after close")
		return
	}
	if !n.remoteSet {
		n.pending = append(n.pending, candidate)
		return
	}
	n.addCandidateLocked(candidate)
}

func (n *Negotiator) addCandidateLocked(candidate Candidate) {
	err := n.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "AddCandidate",
			"candidate": candidate.Candidate,
			"error":     err,
		}).Warn("Failed to apply remote candidate")
	}
}

// AddTrack attaches a local media track before negotiation. One track per
// kind; a second track of the same kind replaces the toggle target.
func (n *Negotiator) AddTrack(track webrtc.TrackLocal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	rtpSender, err := n.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	n.senders[track.Kind().String()] = &sender{rtpSender: rtpSender, track: track}
	logrus.WithFields(logrus.Fields{
		"function": "AddTrack",
		"kind":     track.Kind().String(),
	}).Debug("Local track attached")
	return nil
}

// ToggleMute flips the audio track and reports whether audio is now muted.
// Without an audio track it reports false.
func (n *Negotiator) ToggleMute() bool {
	return n.toggle(webrtc.RTPCodecTypeAudio.String())
}

// ToggleCamera flips the video track and reports whether video is now off.
// Without a video track it reports false.
func (n *Negotiator) ToggleCamera() bool {
	return n.toggle(webrtc.RTPCodecTypeVideo.String())
}

// toggle detaches or re-attaches the track of one kind via ReplaceTrack and
// returns the new disabled state.
func (n *Negotiator) toggle(kind string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.senders[kind]
	if !ok || n.closed {
		return false
	}

	var err error
	if s.disabled {
		err = s.rtpSender.ReplaceTrack(s.track)
	} else {
		err = s.rtpSender.ReplaceTrack(nil)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "toggle",
			"kind":     kind,
			"error":    err,
		}).Warn("Track replace failed")
		return s.disabled
	}
	s.disabled = !s.disabled
	return s.disabled
}

// ConnectionState returns the current peer connection state.
func (n *Negotiator) ConnectionState() webrtc.PeerConnectionState {
	return n.pc.ConnectionState()
}

// HangUp closes the peer connection. Safe to call more than once; later
// description and candidate operations become no-ops or return ErrClosed.
func (n *Negotiator) HangUp() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.pending = nil
		n.mu.Unlock()

		if err := n.pc.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HangUp",
				"error":    err,
			}).Warn("Peer connection close failed")
		}
		logrus.WithFields(logrus.Fields{
			"function": "HangUp",
		}).Info("Peer connection closed")
	})
}

package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ringlink/docstore"
	"github.com/opd-ai/ringlink/rtc"
)

// Negotiator is the session negotiation surface the signaling layer drives.
// Satisfied by rtc.Negotiator; tests substitute a fake.
type Negotiator interface {
	CreateOffer() (rtc.Description, error)
	CreateAnswer(offer rtc.Description) (rtc.Description, error)
	SetRemoteDescription(desc rtc.Description) error
	AddCandidate(candidate rtc.Candidate)
	AddTrack(track webrtc.TrackLocal) error
	ToggleMute() bool
	ToggleCamera() bool
	HangUp()
}

// NegotiatorFactory creates the negotiator for one call. The orchestrator
// injects callbacks for candidates, remote tracks, and connection state.
type NegotiatorFactory func(callbacks rtc.Callbacks) (Negotiator, error)

// Channel bridges one call record and one negotiator. The role is fixed at
// construction: the caller publishes the offer and applies the answer, the
// callee consumes the offer and publishes the answer, and each party appends
// candidates to its own collection while applying the opposite one.
type Channel struct {
	store  docstore.Store
	callID string
	role   Role
	neg    Negotiator

	mu            sync.Mutex
	answerApplied bool
	unsub         docstore.Unsubscribe
	closed        bool
}

// NewChannel creates a signaling channel for one call.
func NewChannel(store docstore.Store, callID string, role Role, neg Negotiator) *Channel {
	return &Channel{
		store:  store,
		callID: callID,
		role:   role,
		neg:    neg,
	}
}

// Open starts signaling. The opposite candidate collection is subscribed
// before any description work so candidates delivered ahead of the answer
// are queued by the negotiator rather than lost.
func (c *Channel) Open(ctx context.Context) error {
	unsub, err := c.store.SubscribeCollection(ctx,
		CandidatesPath(c.callID, c.role.Opposite()), c.handleCandidates)
	if err != nil {
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()

	if c.role == RoleCaller {
		return c.publishOffer(ctx)
	}
	return c.publishAnswer(ctx)
}

// publishOffer creates the local offer and writes it into the call record.
func (c *Channel) publishOffer(ctx context.Context) error {
	offer, err := c.neg.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	err = c.store.Update(ctx, Path(c.callID), docstore.Document{
		"offer": docstore.Document{"type": offer.Type, "sdp": offer.SDP},
	})
	if err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "publishOffer",
		"call_id":  c.callID,
	}).Debug("Offer published")
	return nil
}

// publishAnswer reads the caller's offer, answers it, and writes the answer
// into the call record.
func (c *Channel) publishAnswer(ctx context.Context) error {
	doc, err := c.store.Get(ctx, Path(c.callID))
	if err != nil {
		return fmt.Errorf("read call record: %w", err)
	}
	rec := RecordFromDocument(c.callID, doc)
	if rec.Offer == nil {
		return fmt.Errorf("call %s has no offer", c.callID)
	}

	answer, err := c.neg.CreateAnswer(*rec.Offer)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	err = c.store.Update(ctx, Path(c.callID), docstore.Document{
		"answer": docstore.Document{"type": answer.Type, "sdp": answer.SDP},
	})
	if err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "publishAnswer",
		"call_id":  c.callID,
	}).Debug("Answer published")
	return nil
}

// HandleRecord reacts to a call record update. Only the caller acts here: it
// applies the callee's answer exactly once. Re-deliveries of the same record
// are no-ops.
func (c *Channel) HandleRecord(rec Record) error {
	if c.role != RoleCaller || rec.Answer == nil {
		return nil
	}

	c.mu.Lock()
	if c.closed || c.answerApplied {
		c.mu.Unlock()
		return nil
	}
	c.answerApplied = true
	c.mu.Unlock()

	if err := c.neg.SetRemoteDescription(*rec.Answer); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "HandleRecord",
		"call_id":  c.callID,
	}).Debug("Answer applied")
	return nil
}

// PublishCandidate appends a locally gathered candidate to this role's
// collection. Store failures are logged and dropped; losing one candidate
// degrades connectivity but must not abort the call.
func (c *Channel) PublishCandidate(candidate rtc.Candidate) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	_, err := c.store.Append(context.Background(),
		CandidatesPath(c.callID, c.role), CandidateDocument(candidate))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PublishCandidate",
			"call_id":  c.callID,
			"role":     c.role,
			"error":    err,
		}).Warn("Failed to publish candidate")
	}
}

// handleCandidates applies remote candidate additions to the negotiator.
func (c *Channel) handleCandidates(changes []docstore.Change) {
	for _, change := range changes {
		if change.Kind != docstore.Added {
			continue
		}
		c.neg.AddCandidate(CandidateFromDocument(change.Doc))
	}
}

// Close releases the candidate subscription. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"call_id":  c.callID,
		"role":     c.role,
	}).Debug("Signaling channel closed")
}

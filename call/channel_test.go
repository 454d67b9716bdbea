package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ringlink/docstore"
	"github.com/opd-ai/ringlink/rtc"
)

// fakeNegotiator records negotiation calls without touching the network.
type fakeNegotiator struct {
	mu          sync.Mutex
	offers      int
	answers     []rtc.Description
	remoteDescs []rtc.Description
	candidates  []rtc.Candidate
	tracks      []webrtc.TrackLocal
	muted       bool
	cameraOff   bool
	hangUps     int
	applyErr    error
}

func (f *fakeNegotiator) CreateOffer() (rtc.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return rtc.Description{Type: "offer", SDP: "fake-offer"}, nil
}

func (f *fakeNegotiator) CreateAnswer(offer rtc.Description) (rtc.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, offer)
	return rtc.Description{Type: "answer", SDP: "fake-answer"}, nil
}

func (f *fakeNegotiator) SetRemoteDescription(desc rtc.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.remoteDescs = append(f.remoteDescs, desc)
	return nil
}

func (f *fakeNegotiator) AddCandidate(candidate rtc.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
}

func (f *fakeNegotiator) AddTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeNegotiator) ToggleMute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted
}

func (f *fakeNegotiator) ToggleCamera() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cameraOff = !f.cameraOff
	return f.cameraOff
}

func (f *fakeNegotiator) HangUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangUps++
}

func (f *fakeNegotiator) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakeNegotiator) remoteDescCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remoteDescs)
}

func seedCallRecord(t *testing.T, store docstore.Store, rec Record) {
	t.Helper()
	require.NoError(t, store.Set(context.Background(), Path(rec.ID), rec.Document()))
}

func TestChannelCallerPublishesOffer(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	seedCallRecord(t, store, Record{
		ID: "c1", CallerID: "alice", CalleeID: "bob",
		Kind: MediaAudio, Status: StatusRinging,
	})

	neg := &fakeNegotiator{}
	ch := NewChannel(store, "c1", RoleCaller, neg)
	require.NoError(t, ch.Open(ctx))
	defer ch.Close()

	doc, err := store.Get(ctx, Path("c1"))
	require.NoError(t, err)
	rec := RecordFromDocument("c1", doc)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "offer", rec.Offer.Type)
	assert.Equal(t, "fake-offer", rec.Offer.SDP)
	assert.Equal(t, 1, neg.offers)
}

func TestChannelCalleeAnswersOffer(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	seedCallRecord(t, store, Record{
		ID: "c1", CallerID: "alice", CalleeID: "bob",
		Kind: MediaAudio, Status: StatusConnected,
		Offer: &rtc.Description{Type: "offer", SDP: "caller-offer"},
	})

	neg := &fakeNegotiator{}
	ch := NewChannel(store, "c1", RoleCallee, neg)
	require.NoError(t, ch.Open(ctx))
	defer ch.Close()

	// The caller's offer reached the negotiator and the answer was relayed
	require.Len(t, neg.answers, 1)
	assert.Equal(t, "caller-offer", neg.answers[0].SDP)

	doc, err := store.Get(ctx, Path("c1"))
	require.NoError(t, err)
	rec := RecordFromDocument("c1", doc)
	require.NotNil(t, rec.Answer)
	assert.Equal(t, "fake-answer", rec.Answer.SDP)
}

func TestChannelCalleeWithoutOffer(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()

	seedCallRecord(t, store, Record{
		ID: "c1", CallerID: "alice", CalleeID: "bob",
		Kind: MediaAudio, Status: StatusConnected,
	})

	ch := NewChannel(store, "c1", RoleCallee, &fakeNegotiator{})
	assert.Error(t, ch.Open(context.Background()))
}

func TestChannelAnswerAppliedOnce(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()

	neg := &fakeNegotiator{}
	ch := NewChannel(store, "c1", RoleCaller, neg)
	rec := Record{
		ID: "c1", Status: StatusConnected,
		Answer: &rtc.Description{Type: "answer", SDP: "callee-answer"},
	}

	require.NoError(t, ch.HandleRecord(rec))
	// The record subscription re-delivers on every later write
	require.NoError(t, ch.HandleRecord(rec))
	assert.Equal(t, 1, neg.remoteDescCount())

	// The callee side never applies descriptions from record updates
	calleeNeg := &fakeNegotiator{}
	calleeCh := NewChannel(store, "c1", RoleCallee, calleeNeg)
	require.NoError(t, calleeCh.HandleRecord(rec))
	assert.Zero(t, calleeNeg.remoteDescCount())
}

func TestChannelAnswerApplyFailure(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()

	neg := &fakeNegotiator{applyErr: errors.New("bad sdp")}
	ch := NewChannel(store, "c1", RoleCaller, neg)
	rec := Record{
		ID: "c1", Status: StatusConnected,
		Answer: &rtc.Description{Type: "answer", SDP: "broken"},
	}
	assert.Error(t, ch.HandleRecord(rec))
}

func TestChannelCandidateRouting(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	seedCallRecord(t, store, Record{
		ID: "c1", CallerID: "alice", CalleeID: "bob",
		Kind: MediaAudio, Status: StatusRinging,
	})

	neg := &fakeNegotiator{}
	ch := NewChannel(store, "c1", RoleCaller, neg)
	require.NoError(t, ch.Open(ctx))
	defer ch.Close()

	// Remote candidates from the callee's collection reach the negotiator
	_, err := store.Append(ctx, CandidatesPath("c1", RoleCallee), docstore.Document{
		"candidate": "candidate:remote",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return neg.candidateCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Local candidates go to the caller's own collection
	ch.PublishCandidate(rtc.Candidate{Candidate: "candidate:local"})
	snap := make(chan []docstore.Change, 1)
	unsub, err := store.SubscribeCollection(ctx, CandidatesPath("c1", RoleCaller), func(changes []docstore.Change) {
		snap <- changes
	})
	require.NoError(t, err)
	defer unsub()
	changes := <-snap
	require.Len(t, changes, 1)
	assert.Equal(t, "candidate:local", changes[0].Doc["candidate"])

	// Candidates published after close never reach the store
	ch.Close()
	ch.PublishCandidate(rtc.Candidate{Candidate: "candidate:late"})
	snap2 := make(chan []docstore.Change, 1)
	unsub2, err := store.SubscribeCollection(ctx, CandidatesPath("c1", RoleCaller), func(changes []docstore.Change) {
		snap2 <- changes
	})
	require.NoError(t, err)
	defer unsub2()
	assert.Len(t, <-snap2, 1)
}

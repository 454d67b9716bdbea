package ringlink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ringlink/call"
	"github.com/opd-ai/ringlink/docstore"
)

func newTestClient(t *testing.T, store docstore.Store, selfID string) (*Client, chan call.IncomingCall) {
	t.Helper()
	client, err := New(Options{Store: store, SelfID: selfID})
	require.NoError(t, err)

	incoming := make(chan call.IncomingCall, 2)
	client.OnIncomingCall(func(inc call.IncomingCall) {
		incoming <- inc
	})
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })
	return client, incoming
}

func waitIncoming(t *testing.T, ch chan call.IncomingCall) call.IncomingCall {
	t.Helper()
	select {
	case inc := <-ch:
		return inc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for incoming call")
		return call.IncomingCall{}
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{SelfID: "alice"})
	assert.Error(t, err)
	_, err = New(Options{Store: docstore.NewMemoryStore()})
	assert.Error(t, err)
}

func TestDeclineFlow(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	alice, _ := newTestClient(t, store, "alice")
	bob, bobIncoming := newTestClient(t, store, "bob")

	rec, err := alice.InitiateCall(ctx, "conv-1", "bob", call.MediaAudio)
	require.NoError(t, err)

	inc := waitIncoming(t, bobIncoming)
	assert.Equal(t, rec.ID, inc.Record.ID)
	require.NoError(t, bob.DeclineIncoming(ctx))

	doc, err := store.Get(ctx, "calls/"+rec.ID)
	require.NoError(t, err)
	assert.Equal(t, string(call.StatusDeclined), doc["status"])

	// The caller tears down on observing the decline
	require.Eventually(t, func() bool {
		_, active := alice.ActiveCall()
		return !active
	}, 5*time.Second, 20*time.Millisecond)

	// One missed-call entry lands in the conversation history
	chat, err := store.Get(ctx, "chats/conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Missed call", chat["lastMessage"])
}

func TestAcceptFlow(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	alice, _ := newTestClient(t, store, "alice")
	bob, bobIncoming := newTestClient(t, store, "bob")

	rec, err := alice.InitiateCall(ctx, "conv-1", "bob", call.MediaAudio)
	require.NoError(t, err)

	waitIncoming(t, bobIncoming)
	require.NoError(t, bob.AcceptIncoming(ctx))

	// Signaling converges: both sides hold a connected record with the
	// answer relayed through the store
	require.Eventually(t, func() bool {
		active, ok := alice.ActiveCall()
		return ok && active.Status == call.StatusConnected && active.Answer != nil
	}, 5*time.Second, 20*time.Millisecond)

	muted, err := alice.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)

	require.NoError(t, alice.EndActiveCall(ctx))
	doc, err := store.Get(ctx, "calls/"+rec.ID)
	require.NoError(t, err)
	assert.Equal(t, string(call.StatusEnded), doc["status"])

	chat, err := store.Get(ctx, "chats/conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Call ended", chat["lastMessage"])
}

func TestTogglesWithoutCall(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()

	client, err := New(Options{Store: store, SelfID: "alice"})
	require.NoError(t, err)

	_, err = client.ToggleMute()
	assert.ErrorIs(t, err, call.ErrNoActiveCall)
	_, err = client.ToggleCamera()
	assert.ErrorIs(t, err, call.ErrNoActiveCall)
}

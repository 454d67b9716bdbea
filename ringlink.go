// Package ringlink implements two-party audio/video calling with setup
// relayed through a shared document store.
//
// Peers exchange WebRTC session descriptions and ICE candidates by writing
// them into a call document that both sides observe; media then flows peer
// to peer. The store is the only signaling transport.
//
// Example:
//
//	store := docstore.NewMemoryStore()
//
//	client, err := ringlink.New(ringlink.Options{
//	    Store:  store,
//	    SelfID: "alice",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnIncomingCall(func(incoming call.IncomingCall) {
//	    fmt.Printf("%s is calling\n", incoming.Caller.DisplayName)
//	    client.AcceptIncoming(context.Background())
//	})
//
//	if err := client.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(context.Background())
//
//	rec, err := client.InitiateCall(context.Background(), "conv-1", "bob", call.MediaAudio)
package ringlink

import (
	"context"
	"errors"

	"github.com/opd-ai/ringlink/call"
	"github.com/opd-ai/ringlink/calllog"
	"github.com/opd-ai/ringlink/docstore"
	"github.com/opd-ai/ringlink/media"
)

// Options configures a calling client. Store and SelfID are required.
type Options struct {
	// Store is the shared document store signaling is relayed through.
	Store docstore.Store
	// SelfID is this user's id, as it appears in call records.
	SelfID string
	// Media acquires local capture devices. Defaults to a synthetic
	// acquirer suitable for tests and headless use.
	Media media.Acquirer
	// Profiles resolves user info for incoming call prompts. Defaults to
	// reading the store's users collection.
	Profiles call.ProfileLookup
	// Time supplies the clock for call duration measurement. Defaults to
	// the system clock.
	Time call.TimeProvider
}

// Client is the presentation-layer calling surface for one user.
type Client struct {
	manager *call.Manager
}

// New creates a calling client. Finished calls are logged to the store's
// conversation history.
func New(options Options) (*Client, error) {
	if options.Store == nil {
		return nil, errors.New("ringlink: store is required")
	}
	manager, err := call.NewManager(call.ManagerOptions{
		Store:    options.Store,
		SelfID:   options.SelfID,
		Media:    options.Media,
		Log:      calllog.NewWriter(options.Store),
		Profiles: options.Profiles,
		Time:     options.Time,
	})
	if err != nil {
		return nil, err
	}
	return &Client{manager: manager}, nil
}

// Start begins watching for incoming calls.
func (c *Client) Start(ctx context.Context) error {
	return c.manager.Start(ctx)
}

// Stop ends any active call and stops watching for incoming ones.
func (c *Client) Stop(ctx context.Context) error {
	return c.manager.Stop(ctx)
}

// IsRunning reports whether the client is watching for incoming calls.
func (c *Client) IsRunning() bool {
	return c.manager.IsRunning()
}

// OnIncomingCall registers the handler for new invitations.
func (c *Client) OnIncomingCall(cb call.IncomingCallCallback) {
	c.manager.SetIncomingCallCallback(cb)
}

// OnCallStateChange registers the handler for call status changes.
func (c *Client) OnCallStateChange(cb call.StateCallback) {
	c.manager.SetCallStateCallback(cb)
}

// OnRemoteTrack registers the handler for inbound media tracks.
func (c *Client) OnRemoteTrack(cb call.RemoteTrackCallback) {
	c.manager.SetRemoteTrackCallback(cb)
}

// OnRemoteAudio registers a handler for decoded PCM frames from the remote
// audio track, for callers that play audio out themselves rather than
// consuming the raw track.
func (c *Client) OnRemoteAudio(cb media.AudioFrameHandler) {
	c.manager.SetRemoteAudioCallback(cb)
}

// InitiateCall starts an outgoing call to calleeID within a conversation.
func (c *Client) InitiateCall(ctx context.Context, conversationID, calleeID string, kind call.MediaKind) (call.Record, error) {
	return c.manager.Initiate(ctx, conversationID, calleeID, kind)
}

// AcceptIncoming answers the pending invitation.
func (c *Client) AcceptIncoming(ctx context.Context) error {
	return c.manager.Respond(ctx, true)
}

// DeclineIncoming rejects the pending invitation.
func (c *Client) DeclineIncoming(ctx context.Context) error {
	return c.manager.Respond(ctx, false)
}

// EndActiveCall finishes the current call. A no-op when no call is active.
func (c *Client) EndActiveCall(ctx context.Context) error {
	return c.manager.End(ctx)
}

// ToggleMute flips the microphone and reports whether audio is now muted.
func (c *Client) ToggleMute() (bool, error) {
	return c.manager.ToggleMute()
}

// ToggleCamera flips the camera and reports whether video is now off.
func (c *Client) ToggleCamera() (bool, error) {
	return c.manager.ToggleCamera()
}

// ActiveCall returns the record of the call in progress, if any.
func (c *Client) ActiveCall() (call.Record, bool) {
	return c.manager.Active()
}

// IncomingCall returns the pending invitation, if any.
func (c *Client) IncomingCall() (call.IncomingCall, bool) {
	return c.manager.Incoming()
}

// MediaDenied reports whether the active call fell back to audio because
// camera access was refused.
func (c *Client) MediaDenied() bool {
	return c.manager.MediaDenied()
}

package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ringlink/docstore"
	"github.com/opd-ai/ringlink/media"
	"github.com/opd-ai/ringlink/rtc"
)

// ErrCallActive is returned when an operation needs an idle client but a
// call is already in progress.
var ErrCallActive = errors.New("call: a call is already active")

// ErrNoActiveCall is returned by in-call operations when no call is active.
var ErrNoActiveCall = errors.New("call: no active call")

// ErrNoIncomingCall is returned by Respond when no invitation is pending.
var ErrNoIncomingCall = errors.New("call: no incoming call")

// ErrNotRunning is returned when the manager has not been started.
var ErrNotRunning = errors.New("call: manager not running")

// Outcome classifies a finished call for the conversation log.
type Outcome string

const (
	// OutcomeMissed covers declines and calls cancelled before an answer.
	OutcomeMissed Outcome = "missed"
	// OutcomeEnded covers calls that were answered and later hung up.
	OutcomeEnded Outcome = "ended"
)

// LogWriter records finished calls in the conversation history. Satisfied by
// calllog.Writer; declared here so this package does not depend on it.
type LogWriter interface {
	Record(ctx context.Context, rec Record, outcome Outcome, duration time.Duration) error
}

// Profile is the user info shown on an incoming call prompt.
type Profile struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// ProfileLookup resolves a user id to profile info.
type ProfileLookup func(ctx context.Context, userID string) (Profile, error)

// IncomingCall is a ringing invitation surfaced to the presentation layer.
type IncomingCall struct {
	Record Record
	Caller Profile
}

// IncomingCallCallback fires when a new invitation arrives.
type IncomingCallCallback func(incoming IncomingCall)

// StateCallback fires on observed status changes of the client's call.
type StateCallback func(rec Record)

// RemoteTrackCallback fires when remote media starts arriving.
type RemoteTrackCallback func(track *webrtc.TrackRemote)

// ManagerOptions configures a Manager. Store and SelfID are required; the
// rest default to working implementations.
type ManagerOptions struct {
	Store  docstore.Store
	SelfID string
	// Media acquires local capture devices. Defaults to a synthetic
	// acquirer suitable for headless use.
	Media media.Acquirer
	// Log records finished calls. Optional.
	Log LogWriter
	// Profiles resolves caller info for invitations. Defaults to reading
	// the store's users collection.
	Profiles ProfileLookup
	// Negotiators creates the per-call negotiator. Defaults to
	// rtc.NewNegotiator with the default ICE configuration.
	Negotiators NegotiatorFactory
	// Time supplies the clock used for duration measurement.
	Time TimeProvider
}

// session is the live state of the client's one active call. The slot in
// Manager.active is claimed before any setup work begins, so every mutable
// field is written and read under the manager's lock.
type session struct {
	record      Record
	role        Role
	neg         Negotiator
	channel     *Channel
	device      media.Device
	unsubDoc    docstore.Unsubscribe
	connectedAt time.Time
	videoDenied bool
	once        sync.Once
}

// Manager orchestrates a single client's calls: it surfaces ringing
// invitations, drives signaling for the active call, and closes calls out
// against the shared record and the conversation log. At most one call is
// active at a time.
type Manager struct {
	store       docstore.Store
	selfID      string
	media       media.Acquirer
	log         LogWriter
	profiles    ProfileLookup
	negotiators NegotiatorFactory
	time        TimeProvider

	mu           sync.Mutex
	running      bool
	unsubRinging docstore.Unsubscribe
	active       *session
	incoming     *IncomingCall

	incomingCb IncomingCallCallback
	stateCb    StateCallback
	trackCb    RemoteTrackCallback
	audioCb    media.AudioFrameHandler
}

// NewManager creates a call orchestrator for one user.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("call: store is required")
	}
	if opts.SelfID == "" {
		return nil, errors.New("call: self id is required")
	}

	m := &Manager{
		store:       opts.Store,
		selfID:      opts.SelfID,
		media:       opts.Media,
		log:         opts.Log,
		profiles:    opts.Profiles,
		negotiators: opts.Negotiators,
		time:        opts.Time,
	}
	if m.media == nil {
		m.media = &media.SyntheticAcquirer{}
	}
	if m.profiles == nil {
		m.profiles = storeProfileLookup(opts.Store)
	}
	if m.negotiators == nil {
		m.negotiators = func(callbacks rtc.Callbacks) (Negotiator, error) {
			return rtc.NewNegotiator(rtc.Config{}, callbacks)
		}
	}
	if m.time == nil {
		m.time = RealTimeProvider{}
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"self_id":  opts.SelfID,
	}).Debug("Call manager created")
	return m, nil
}

// storeProfileLookup reads profiles from the store's users collection.
// Missing profiles resolve to an id-only profile rather than an error.
func storeProfileLookup(store docstore.Store) ProfileLookup {
	return func(ctx context.Context, userID string) (Profile, error) {
		doc, err := store.Get(ctx, "users/"+userID)
		if err != nil {
			return Profile{ID: userID}, nil
		}
		name, _ := doc["displayName"].(string)
		avatar, _ := doc["avatarUrl"].(string)
		return Profile{ID: userID, DisplayName: name, AvatarURL: avatar}, nil
	}
}

// SetIncomingCallCallback registers the invitation handler.
func (m *Manager) SetIncomingCallCallback(cb IncomingCallCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incomingCb = cb
}

// SetCallStateCallback registers the status-change handler.
func (m *Manager) SetCallStateCallback(cb StateCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCb = cb
}

// SetRemoteTrackCallback registers the remote media handler.
func (m *Manager) SetRemoteTrackCallback(cb RemoteTrackCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackCb = cb
}

// SetRemoteAudioCallback registers a handler for decoded PCM frames from the
// remote audio track. When set, inbound audio is pulled and decoded for the
// duration of each call.
func (m *Manager) SetRemoteAudioCallback(cb media.AudioFrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioCb = cb
}

// Start begins watching for incoming invitations addressed to this user.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("call: manager already running")
	}
	m.running = true
	m.mu.Unlock()

	unsub, err := m.store.SubscribeQuery(ctx, docstore.Query{
		Collection: "calls",
		Filters: []docstore.Filter{
			{Field: "calleeId", Value: m.selfID},
			{Field: "status", Value: string(StatusRinging)},
		},
	}, m.handleRinging)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("subscribe ringing calls: %w", err)
	}

	m.mu.Lock()
	m.unsubRinging = unsub
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"self_id":  m.selfID,
	}).Info("Call manager started")
	return nil
}

// Stop ends the active call, drops any pending invitation, and stops
// watching for new ones. Safe to call when already stopped.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	unsub := m.unsubRinging
	m.unsubRinging = nil
	m.incoming = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	err := m.End(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"self_id":  m.selfID,
	}).Info("Call manager stopped")
	return err
}

// IsRunning reports whether the manager is watching for invitations.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Active returns the current call record, if a call is active.
func (m *Manager) Active() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Record{}, false
	}
	return m.active.record, true
}

// Incoming returns the pending invitation, if any.
func (m *Manager) Incoming() (IncomingCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming == nil {
		return IncomingCall{}, false
	}
	return *m.incoming, true
}

// MediaDenied reports whether the active call fell back to audio because
// camera access was refused.
func (m *Manager) MediaDenied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.videoDenied
}

// Initiate starts an outgoing call: it creates the shared ringing record and
// opens caller-side signaling. Fails with ErrCallActive while another call
// is in progress.
func (m *Manager) Initiate(ctx context.Context, conversationID, calleeID string, kind MediaKind) (Record, error) {
	if !kind.Valid() {
		return Record{}, fmt.Errorf("call: invalid media kind %q", kind)
	}
	if calleeID == "" || calleeID == m.selfID {
		return Record{}, fmt.Errorf("call: invalid callee %q", calleeID)
	}

	rec := Record{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CallerID:       m.selfID,
		CalleeID:       calleeID,
		Members:        []string{m.selfID, calleeID},
		Kind:           kind,
		Status:         StatusRinging,
	}
	sess := &session{record: rec, role: RoleCaller}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return Record{}, ErrNotRunning
	}
	if m.active != nil {
		m.mu.Unlock()
		return Record{}, ErrCallActive
	}
	// Claim the single active slot before any store or setup work so a
	// concurrent initiate or accept cannot pass the same idle check.
	m.active = sess
	m.mu.Unlock()

	doc := rec.Document()
	doc["createdAt"] = docstore.ServerTimestamp
	if err := m.store.Set(ctx, Path(rec.ID), doc); err != nil {
		m.releaseReserved(sess)
		return Record{}, fmt.Errorf("create call record: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Initiate",
		"call_id":   rec.ID,
		"callee_id": calleeID,
		"kind":      kind,
	}).Info("Outgoing call created")

	if err := m.startSession(ctx, sess); err != nil {
		// Close the invitation out so the callee does not keep ringing.
		m.finalizeRecord(ctx, rec.ID)
		return Record{}, err
	}
	return rec, nil
}

// Respond answers the pending invitation: accept opens callee-side signaling
// after advancing the record to connected; decline closes the record and
// logs a missed call.
func (m *Manager) Respond(ctx context.Context, accept bool) error {
	m.mu.Lock()
	incoming := m.incoming
	m.incoming = nil
	if incoming == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	var sess *session
	if accept {
		if m.active != nil {
			m.mu.Unlock()
			return ErrCallActive
		}
		// Claim the single active slot in the same critical section as the
		// idle check so a concurrent initiate cannot slip in between.
		sess = &session{record: incoming.Record, role: RoleCallee}
		m.active = sess
	}
	m.mu.Unlock()

	rec := incoming.Record
	if !accept {
		if !CanTransition(rec.Status, StatusDeclined, RoleCallee) {
			return fmt.Errorf("call: cannot decline call in status %q", rec.Status)
		}
		err := m.store.Update(ctx, Path(rec.ID), docstore.Document{
			"status":  string(StatusDeclined),
			"endedAt": docstore.ServerTimestamp,
		})
		if err != nil {
			return fmt.Errorf("decline call: %w", err)
		}
		m.writeLog(ctx, rec, OutcomeMissed, 0)
		logrus.WithFields(logrus.Fields{
			"function": "Respond",
			"call_id":  rec.ID,
		}).Info("Incoming call declined")
		return nil
	}

	if !CanTransition(rec.Status, StatusConnected, RoleCallee) {
		m.releaseReserved(sess)
		return fmt.Errorf("call: cannot accept call in status %q", rec.Status)
	}
	if err := m.store.Update(ctx, Path(rec.ID), docstore.Document{
		"status": string(StatusConnected),
	}); err != nil {
		m.releaseReserved(sess)
		return fmt.Errorf("accept call: %w", err)
	}
	m.mu.Lock()
	rec.Status = StatusConnected
	sess.record = rec
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Respond",
		"call_id":   rec.ID,
		"caller_id": rec.CallerID,
	}).Info("Incoming call accepted")
	if err := m.startSession(ctx, sess); err != nil {
		m.finalizeRecord(ctx, rec.ID)
		return err
	}
	return nil
}

// End finishes the active call. Local teardown happens first and
// unconditionally; the shared record is then closed out unless the other
// party already reached a terminal state. A second End is a no-op.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	sess := m.active
	m.active = nil
	var duration time.Duration
	if sess != nil && !sess.connectedAt.IsZero() {
		duration = m.time.Now().Sub(sess.connectedAt)
	}
	m.mu.Unlock()
	if sess == nil {
		return nil
	}

	m.teardownSession(sess)

	doc, err := m.store.Get(ctx, Path(sess.record.ID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("read call record: %w", err)
	}
	rec := RecordFromDocument(sess.record.ID, doc)
	if rec.Status.Terminal() {
		// The other party closed the record first; nothing left to write.
		return nil
	}

	if sess.role == RoleCaller {
		outcome := OutcomeEnded
		if rec.Status == StatusRinging {
			// Cancelled before the callee answered.
			outcome = OutcomeMissed
			duration = 0
		}
		m.writeLog(ctx, rec, outcome, duration)
	}

	if err := m.store.Update(ctx, Path(rec.ID), docstore.Document{
		"status":  string(StatusEnded),
		"endedAt": docstore.ServerTimestamp,
	}); err != nil {
		return fmt.Errorf("close call record: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "End",
		"call_id":  rec.ID,
		"duration": duration,
	}).Info("Call ended")
	return nil
}

// ToggleMute flips the microphone on the active call and reports whether
// audio is now muted.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	var neg Negotiator
	if m.active != nil {
		neg = m.active.neg
	}
	m.mu.Unlock()
	if neg == nil {
		return false, ErrNoActiveCall
	}
	return neg.ToggleMute(), nil
}

// ToggleCamera flips the camera on the active call and reports whether
// video is now off.
func (m *Manager) ToggleCamera() (bool, error) {
	m.mu.Lock()
	var neg Negotiator
	if m.active != nil {
		neg = m.active.neg
	}
	m.mu.Unlock()
	if neg == nil {
		return false, ErrNoActiveCall
	}
	return neg.ToggleCamera(), nil
}

// startSession acquires media, builds the negotiator and signaling channel
// for a session that already holds the active slot, and begins observing the
// shared record. On failure the slot is released and every resource built so
// far is torn down.
func (m *Manager) startSession(ctx context.Context, sess *session) error {
	m.mu.Lock()
	rec := sess.record
	role := sess.role
	m.mu.Unlock()

	device, videoDenied, err := m.acquireDevice(ctx, rec.Kind)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "startSession",
			"call_id":  rec.ID,
			"error":    err,
		}).Warn("Proceeding without local media")
	}

	neg, err := m.negotiators(rtc.Callbacks{
		OnCandidate: func(candidate rtc.Candidate) {
			m.mu.Lock()
			ch := sess.channel
			m.mu.Unlock()
			if ch != nil {
				ch.PublishCandidate(candidate)
			}
		},
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			m.handleRemoteTrack(track)
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			m.handleConnectionState(rec.ID, state)
		},
	})
	if err != nil {
		if device != nil {
			device.Close()
		}
		m.releaseReserved(sess)
		return fmt.Errorf("create negotiator: %w", err)
	}

	if device != nil {
		for _, track := range device.Tracks() {
			if err := neg.AddTrack(track); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "startSession",
					"call_id":  rec.ID,
					"kind":     track.Kind().String(),
					"error":    err,
				}).Warn("Failed to attach local track")
			}
		}
	}

	channel := NewChannel(m.store, rec.ID, role, neg)
	m.mu.Lock()
	sess.device = device
	sess.videoDenied = videoDenied
	sess.neg = neg
	sess.channel = channel
	m.mu.Unlock()

	if err := channel.Open(ctx); err != nil {
		m.releaseReserved(sess)
		m.teardownSession(sess)
		return fmt.Errorf("open signaling: %w", err)
	}

	unsub, err := m.store.SubscribeDocument(ctx, Path(rec.ID), func(doc docstore.Document, exists bool) {
		m.handleRecordUpdate(sess, doc, exists)
	})
	if err != nil {
		m.releaseReserved(sess)
		m.teardownSession(sess)
		return fmt.Errorf("subscribe call record: %w", err)
	}
	m.mu.Lock()
	sess.unsubDoc = unsub
	stillActive := m.active == sess
	m.mu.Unlock()
	if !stillActive {
		// The call was already ended while setup was in flight; release
		// whatever that teardown ran too early to see.
		m.teardownSession(sess)
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "startSession",
		"call_id":  rec.ID,
		"role":     role,
	}).Info("Call session started")
	return nil
}

// handleRemoteTrack fans one new remote track out to the registered
// callbacks. Inbound audio is decoded to PCM when a frame handler is set.
func (m *Manager) handleRemoteTrack(track *webrtc.TrackRemote) {
	m.mu.Lock()
	cb := m.trackCb
	audioCb := m.audioCb
	m.mu.Unlock()

	if audioCb != nil && track.Kind() == webrtc.RTPCodecTypeAudio {
		go media.NewAudioReceiver(audioCb).Consume(track)
	}
	if cb != nil {
		cb(track)
	}
}

// releaseReserved frees the active slot if sess still holds it.
func (m *Manager) releaseReserved(sess *session) {
	m.mu.Lock()
	if m.active == sess {
		m.active = nil
	}
	m.mu.Unlock()
}

// teardownSession releases a session's local resources: record subscription,
// signaling channel, peer connection, capture device. Each release is
// idempotent, so a teardown racing a still-running setup releases what exists
// and the setup's final check releases the rest. It never writes to the
// store.
func (m *Manager) teardownSession(sess *session) {
	m.mu.Lock()
	unsub := sess.unsubDoc
	channel := sess.channel
	neg := sess.neg
	device := sess.device
	callID := sess.record.ID
	role := sess.role
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if channel != nil {
		channel.Close()
	}
	if neg != nil {
		neg.HangUp()
	}
	if device != nil {
		device.Close()
	}
	sess.once.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "teardownSession",
			"call_id":  callID,
			"role":     role,
		}).Info("Call session torn down")
	})
}

// acquireDevice obtains local capture for the requested media kind. A camera
// refusal downgrades to audio-only rather than failing the call; the
// downgrade is reported so the presentation layer can surface it.
func (m *Manager) acquireDevice(ctx context.Context, kind MediaKind) (media.Device, bool, error) {
	wantVideo := kind == MediaVideo
	device, err := m.media.Acquire(ctx, wantVideo)
	if err == nil {
		return device, false, nil
	}
	if !wantVideo {
		return nil, false, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "acquireDevice",
		"error":    err,
	}).Warn("Camera unavailable, retrying audio-only")
	device, audioErr := m.media.Acquire(ctx, false)
	if audioErr != nil {
		return nil, true, audioErr
	}
	return device, true, nil
}

// handleRinging reacts to the ringing-calls query. New invitations are
// surfaced unless a call is already active or another invitation is pending;
// withdrawn invitations are cleared.
func (m *Manager) handleRinging(changes []docstore.Change) {
	for _, change := range changes {
		switch change.Kind {
		case docstore.Added:
			m.surfaceInvitation(change)
		case docstore.Removed:
			m.mu.Lock()
			if m.incoming != nil && m.incoming.Record.ID == change.ID {
				m.incoming = nil
				logrus.WithFields(logrus.Fields{
					"function": "handleRinging",
					"call_id":  change.ID,
				}).Debug("Invitation withdrawn")
			}
			m.mu.Unlock()
		}
	}
}

// surfaceInvitation resolves the caller profile and fires the incoming-call
// callback for one new ringing record.
func (m *Manager) surfaceInvitation(change docstore.Change) {
	rec := RecordFromDocument(change.ID, change.Doc)

	m.mu.Lock()
	busy := m.active != nil || m.incoming != nil
	selfCall := rec.CallerID == m.selfID
	m.mu.Unlock()
	if busy || selfCall {
		logrus.WithFields(logrus.Fields{
			"function": "surfaceInvitation",
			"call_id":  rec.ID,
		}).Debug("Ignoring invitation while busy")
		return
	}

	profile, err := m.profiles(context.Background(), rec.CallerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "surfaceInvitation",
			"caller_id": rec.CallerID,
			"error":     err,
		}).Warn("Caller profile lookup failed")
		profile = Profile{ID: rec.CallerID}
	}
	incoming := IncomingCall{Record: rec, Caller: profile}

	m.mu.Lock()
	if m.active != nil || m.incoming != nil {
		m.mu.Unlock()
		return
	}
	m.incoming = &incoming
	cb := m.incomingCb
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "surfaceInvitation",
		"call_id":   rec.ID,
		"caller_id": rec.CallerID,
		"kind":      rec.Kind,
	}).Info("Incoming call")
	if cb != nil {
		cb(incoming)
	}
}

// handleRecordUpdate reacts to writes on the active call's shared record:
// it applies the answer on the caller side, tracks the connected moment for
// duration measurement, and tears down locally when the record reaches a
// terminal state or disappears.
func (m *Manager) handleRecordUpdate(sess *session, doc docstore.Document, exists bool) {
	m.mu.Lock()
	if m.active != sess {
		m.mu.Unlock()
		return
	}

	if !exists {
		m.active = nil
		m.mu.Unlock()
		m.teardownSession(sess)
		logrus.WithFields(logrus.Fields{
			"function": "handleRecordUpdate",
			"call_id":  sess.record.ID,
		}).Warn("Call record deleted remotely")
		return
	}

	rec := RecordFromDocument(sess.record.ID, doc)
	statusChanged := rec.Status != sess.record.Status
	sess.record = rec

	if rec.Status.Terminal() {
		// The other party closed the call; release local resources and
		// write nothing.
		m.active = nil
		cb := m.stateCb
		m.mu.Unlock()
		m.teardownSession(sess)
		logrus.WithFields(logrus.Fields{
			"function": "handleRecordUpdate",
			"call_id":  rec.ID,
			"status":   rec.Status,
		}).Info("Call ended remotely")
		if statusChanged && cb != nil {
			cb(rec)
		}
		return
	}

	if rec.Status == StatusConnected && sess.connectedAt.IsZero() {
		sess.connectedAt = m.time.Now()
	}
	channel := sess.channel
	cb := m.stateCb
	m.mu.Unlock()

	if err := channel.HandleRecord(rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRecordUpdate",
			"call_id":  rec.ID,
			"error":    err,
		}).Error("Signaling failed, ending call")
		if endErr := m.End(context.Background()); endErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleRecordUpdate",
				"call_id":  rec.ID,
				"error":    endErr,
			}).Error("Failed to end call after signaling failure")
		}
		return
	}

	if statusChanged && cb != nil {
		cb(rec)
	}
}

// handleConnectionState ends the call when the peer connection is lost.
func (m *Manager) handleConnectionState(callID string, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
	default:
		return
	}

	m.mu.Lock()
	current := m.active != nil && m.active.record.ID == callID
	m.mu.Unlock()
	if !current {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleConnectionState",
		"call_id":  callID,
		"state":    state.String(),
	}).Warn("Peer connection lost, ending call")
	if err := m.End(context.Background()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConnectionState",
			"call_id":  callID,
			"error":    err,
		}).Error("Failed to end call after connection loss")
	}
}

// writeLog records one finished call. Log failures never block call
// teardown.
func (m *Manager) writeLog(ctx context.Context, rec Record, outcome Outcome, duration time.Duration) {
	if m.log == nil {
		return
	}
	if err := m.log.Record(ctx, rec, outcome, duration); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeLog",
			"call_id":  rec.ID,
			"outcome":  outcome,
			"error":    err,
		}).Warn("Failed to write call log entry")
	}
}

// finalizeRecord force-closes a record after a failed session start.
func (m *Manager) finalizeRecord(ctx context.Context, callID string) {
	err := m.store.Update(ctx, Path(callID), docstore.Document{
		"status":  string(StatusEnded),
		"endedAt": docstore.ServerTimestamp,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "finalizeRecord",
			"call_id":  callID,
			"error":    err,
		}).Warn("Failed to close abandoned call record")
	}
}

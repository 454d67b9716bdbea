// Package call implements the shared call record, its lifecycle state
// machine, the signaling channel that relays session descriptions and ICE
// candidates through the document store, and the orchestrator that drives a
// client's calls end to end.
package call

import (
	"time"

	"github.com/opd-ai/ringlink/docstore"
	"github.com/opd-ai/ringlink/rtc"
)

// Status is the lifecycle state of a shared call record.
type Status string

const (
	// StatusRinging is the initial state: the invitation is visible to the
	// callee and unanswered.
	StatusRinging Status = "ringing"
	// StatusConnected means the callee accepted and media setup is underway
	// or established.
	StatusConnected Status = "connected"
	// StatusDeclined means the callee rejected the invitation.
	StatusDeclined Status = "declined"
	// StatusEnded means either party finished or cancelled the call.
	StatusEnded Status = "ended"
	// StatusMissed is a terminal state other writers may record; this
	// client never writes it but must recognize it.
	StatusMissed Status = "missed"
)

// Terminal reports whether a status ends the call. Records in a terminal
// state never leave it.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusEnded, StatusMissed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a recognized status value.
func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusConnected, StatusDeclined, StatusEnded, StatusMissed:
		return true
	default:
		return false
	}
}

// Role distinguishes the two parties of a call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Opposite returns the other party's role.
func (r Role) Opposite() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// MediaKind selects the media requested for a call.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Valid reports whether k is a recognized media kind.
func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// CanTransition reports whether role may advance a call from one status to
// another. Accept and decline belong to the callee; either party may end any
// non-terminal call. Terminal states admit no transition.
func CanTransition(from, to Status, role Role) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case StatusConnected, StatusDeclined:
		return from == StatusRinging && role == RoleCallee
	case StatusEnded:
		return true
	default:
		return false
	}
}

// Record is the local view of one shared call document.
type Record struct {
	ID             string
	ConversationID string
	CallerID       string
	CalleeID       string
	Members        []string
	Kind           MediaKind
	Status         Status
	Offer          *rtc.Description
	Answer         *rtc.Description
	CreatedAt      time.Time
	EndedAt        time.Time
}

// Role returns the role selfID plays in this call, if any.
func (r *Record) Role(selfID string) (Role, bool) {
	switch selfID {
	case r.CallerID:
		return RoleCaller, true
	case r.CalleeID:
		return RoleCallee, true
	default:
		return "", false
	}
}

// PeerID returns the other party's user id.
func (r *Record) PeerID(selfID string) string {
	if selfID == r.CallerID {
		return r.CalleeID
	}
	return r.CallerID
}

// Path returns the store path of a call record.
func Path(id string) string {
	return "calls/" + id
}

// CandidatesPath returns the candidate collection a role publishes to.
func CandidatesPath(id string, role Role) string {
	if role == RoleCaller {
		return Path(id) + "/callerCandidates"
	}
	return Path(id) + "/calleeCandidates"
}

// Document converts the record to its stored form. Zero timestamps are
// omitted so the store's ServerTimestamp assignment is not overwritten.
func (r *Record) Document() docstore.Document {
	doc := docstore.Document{
		"conversationId": r.ConversationID,
		"callerId":       r.CallerID,
		"calleeId":       r.CalleeID,
		"mediaKind":      string(r.Kind),
		"status":         string(r.Status),
	}
	if len(r.Members) > 0 {
		members := make([]any, len(r.Members))
		for i, m := range r.Members {
			members[i] = m
		}
		doc["members"] = members
	}
	if r.Offer != nil {
		doc["offer"] = docstore.Document{"type": r.Offer.Type, "sdp": r.Offer.SDP}
	}
	if r.Answer != nil {
		doc["answer"] = docstore.Document{"type": r.Answer.Type, "sdp": r.Answer.SDP}
	}
	if !r.CreatedAt.IsZero() {
		doc["createdAt"] = r.CreatedAt
	}
	if !r.EndedAt.IsZero() {
		doc["endedAt"] = r.EndedAt
	}
	return doc
}

// RecordFromDocument restores a record from its stored form. Field types are
// tolerant of the JSON round trip durable backends apply (float64 numbers,
// RFC 3339 timestamp strings).
func RecordFromDocument(id string, doc docstore.Document) Record {
	rec := Record{
		ID:             id,
		ConversationID: asString(doc["conversationId"]),
		CallerID:       asString(doc["callerId"]),
		CalleeID:       asString(doc["calleeId"]),
		Kind:           MediaKind(asString(doc["mediaKind"])),
		Status:         Status(asString(doc["status"])),
		Offer:          asDescription(doc["offer"]),
		Answer:         asDescription(doc["answer"]),
		CreatedAt:      asTime(doc["createdAt"]),
		EndedAt:        asTime(doc["endedAt"]),
	}
	if members, ok := doc["members"].([]any); ok {
		for _, m := range members {
			if s := asString(m); s != "" {
				rec.Members = append(rec.Members, s)
			}
		}
	}
	return rec
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func asDescription(v any) *rtc.Description {
	var m map[string]any
	switch val := v.(type) {
	case docstore.Document:
		m = val
	case map[string]any:
		m = val
	default:
		return nil
	}
	desc := rtc.Description{Type: asString(m["type"]), SDP: asString(m["sdp"])}
	if desc.Type == "" {
		return nil
	}
	return &desc
}

// CandidateDocument converts a candidate to its stored form.
func CandidateDocument(c rtc.Candidate) docstore.Document {
	doc := docstore.Document{"candidate": c.Candidate}
	if c.SDPMid != nil {
		doc["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		doc["sdpMLineIndex"] = int(*c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		doc["usernameFragment"] = *c.UsernameFragment
	}
	return doc
}

// CandidateFromDocument restores a candidate from its stored form.
func CandidateFromDocument(doc docstore.Document) rtc.Candidate {
	c := rtc.Candidate{Candidate: asString(doc["candidate"])}
	if mid, ok := doc["sdpMid"].(string); ok {
		c.SDPMid = &mid
	}
	switch idx := doc["sdpMLineIndex"].(type) {
	case int:
		line := uint16(idx)
		c.SDPMLineIndex = &line
	case float64:
		line := uint16(idx)
		c.SDPMLineIndex = &line
	}
	if frag, ok := doc["usernameFragment"].(string); ok {
		c.UsernameFragment = &frag
	}
	return c
}

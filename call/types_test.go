package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ringlink/docstore"
	"github.com/opd-ai/ringlink/rtc"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusRinging.Terminal())
	assert.False(t, StatusConnected.Terminal())
	assert.True(t, StatusDeclined.Terminal())
	assert.True(t, StatusEnded.Terminal())
	assert.True(t, StatusMissed.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		role Role
		want bool
	}{
		{"callee accepts", StatusRinging, StatusConnected, RoleCallee, true},
		{"caller cannot accept own call", StatusRinging, StatusConnected, RoleCaller, false},
		{"callee declines", StatusRinging, StatusDeclined, RoleCallee, true},
		{"caller cannot decline", StatusRinging, StatusDeclined, RoleCaller, false},
		{"caller cancels ringing", StatusRinging, StatusEnded, RoleCaller, true},
		{"callee ends ringing", StatusRinging, StatusEnded, RoleCallee, true},
		{"caller hangs up", StatusConnected, StatusEnded, RoleCaller, true},
		{"callee hangs up", StatusConnected, StatusEnded, RoleCallee, true},
		{"ended is final", StatusEnded, StatusConnected, RoleCallee, false},
		{"declined is final", StatusDeclined, StatusEnded, RoleCaller, false},
		{"missed is final", StatusMissed, StatusEnded, RoleCaller, false},
		{"no self transition", StatusRinging, StatusRinging, RoleCallee, false},
		{"no late accept", StatusConnected, StatusDeclined, RoleCallee, false},
		{"no direct missed write", StatusRinging, StatusMissed, RoleCallee, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to, tt.role))
		})
	}
}

func TestRoleHelpers(t *testing.T) {
	rec := Record{ID: "c1", CallerID: "alice", CalleeID: "bob"}

	role, ok := rec.Role("alice")
	require.True(t, ok)
	assert.Equal(t, RoleCaller, role)

	role, ok = rec.Role("bob")
	require.True(t, ok)
	assert.Equal(t, RoleCallee, role)

	_, ok = rec.Role("carol")
	assert.False(t, ok)

	assert.Equal(t, "bob", rec.PeerID("alice"))
	assert.Equal(t, "alice", rec.PeerID("bob"))

	assert.Equal(t, RoleCallee, RoleCaller.Opposite())
	assert.Equal(t, RoleCaller, RoleCallee.Opposite())
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "calls/c1", Path("c1"))
	assert.Equal(t, "calls/c1/callerCandidates", CandidatesPath("c1", RoleCaller))
	assert.Equal(t, "calls/c1/calleeCandidates", CandidatesPath("c1", RoleCallee))
}

func TestRecordDocumentRoundTrip(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		ID:             "c1",
		ConversationID: "conv-1",
		CallerID:       "alice",
		CalleeID:       "bob",
		Members:        []string{"alice", "bob"},
		Kind:           MediaVideo,
		Status:         StatusConnected,
		Offer:          &rtc.Description{Type: "offer", SDP: "sdp-o"},
		Answer:         &rtc.Description{Type: "answer", SDP: "sdp-a"},
		CreatedAt:      created,
	}

	restored := RecordFromDocument("c1", rec.Document())
	assert.Equal(t, rec, restored)
}

func TestRecordFromDocumentJSONShapes(t *testing.T) {
	// A durable backend delivers nested maps and RFC 3339 strings
	doc := docstore.Document{
		"conversationId": "conv-1",
		"callerId":       "alice",
		"calleeId":       "bob",
		"mediaKind":      "audio",
		"status":         "ringing",
		"offer":          map[string]any{"type": "offer", "sdp": "sdp-o"},
		"createdAt":      "2025-06-01T12:00:00Z",
	}
	rec := RecordFromDocument("c1", doc)
	assert.Equal(t, StatusRinging, rec.Status)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "sdp-o", rec.Offer.SDP)
	assert.Nil(t, rec.Answer)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), rec.CreatedAt)
}

func TestCandidateDocumentRoundTrip(t *testing.T) {
	mid := "0"
	var line uint16 = 1
	frag := "ufrag"
	c := rtc.Candidate{
		Candidate:        "candidate:1 1 UDP 2122252543 127.0.0.1 54321 typ host",
		SDPMid:           &mid,
		SDPMLineIndex:    &line,
		UsernameFragment: &frag,
	}

	restored := CandidateFromDocument(CandidateDocument(c))
	assert.Equal(t, c, restored)

	// Line index survives float64 widening
	fromJSON := CandidateFromDocument(docstore.Document{
		"candidate":     "candidate:x",
		"sdpMLineIndex": float64(2),
	})
	require.NotNil(t, fromJSON.SDPMLineIndex)
	assert.Equal(t, uint16(2), *fromJSON.SDPMLineIndex)
	assert.Nil(t, fromJSON.SDPMid)
}

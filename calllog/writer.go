// Package calllog records finished calls in conversation history.
package calllog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ringlink/call"
	"github.com/opd-ai/ringlink/docstore"
)

// Summary lines shown as the conversation's last message.
const (
	summaryMissed = "Missed call"
	summaryEnded  = "Call ended"
)

// Writer appends call entries to a conversation's message collection and
// refreshes the conversation summary. It satisfies call.LogWriter.
type Writer struct {
	store docstore.Store
}

// NewWriter creates a call log writer over the shared store.
func NewWriter(store docstore.Store) *Writer {
	return &Writer{store: store}
}

// Record writes one call entry. The message is attributed to the caller
// regardless of which party finished the call, and duration is persisted in
// whole seconds.
func (w *Writer) Record(ctx context.Context, rec call.Record, outcome call.Outcome, duration time.Duration) error {
	if rec.ConversationID == "" {
		return fmt.Errorf("calllog: record %s has no conversation", rec.ID)
	}

	summary := summaryEnded
	if outcome == call.OutcomeMissed {
		summary = summaryMissed
	}

	message := docstore.Document{
		"senderId":  rec.CallerID,
		"timestamp": docstore.ServerTimestamp,
		"type":      "call",
		"callInfo": docstore.Document{
			"type":     string(rec.Kind),
			"status":   string(outcome),
			"duration": int(duration.Seconds()),
		},
	}
	msgID, err := w.store.Append(ctx, "chats/"+rec.ConversationID+"/messages", message)
	if err != nil {
		return fmt.Errorf("append call message: %w", err)
	}

	summaryFields := docstore.Document{
		"lastMessage":          summary,
		"lastMessageTimestamp": docstore.ServerTimestamp,
		"lastMessageSenderId":  rec.CallerID,
	}
	err = w.store.Update(ctx, "chats/"+rec.ConversationID, summaryFields)
	if errors.Is(err, docstore.ErrNotFound) {
		// First entry in a conversation that has no document yet.
		err = w.store.Set(ctx, "chats/"+rec.ConversationID, summaryFields)
	}
	if err != nil {
		return fmt.Errorf("update conversation summary: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Record",
		"call_id":         rec.ID,
		"conversation_id": rec.ConversationID,
		"message_id":      msgID,
		"outcome":         outcome,
		"duration":        duration,
	}).Info("Call logged")
	return nil
}

package collab

import (
	"time"

	"github.com/google/uuid"
)

const EventTypeMutationApplied = "MUTATION_APPLIED"

// MutationEvent 变更的审计事件，发往 kafka，下游可以做回放或统计。PeerID 是发起变更的 peer。
type MutationEvent struct {
	EventType  string    `json:"eventType"` // 固定 "MUTATION_APPLIED"
	EventID    string    `json:"eventId"`
	DocID      string    `json:"docId"`
	PeerID     string    `json:"peerId"`
	PeerName   string    `json:"peerName,omitempty"`
	Kind       Kind      `json:"kind"`
	RecordIDs  []string  `json:"recordIds"`
	RecordN    int       `json:"recordCount"`
	OccurredAt time.Time `json:"occurredAt"`
}

func NewMutationEvent(docID string, msg MutationMessage, at time.Time) MutationEvent {
	ids := msg.IDs
	if len(msg.Records) > 0 {
		ids = make([]string, 0, len(msg.Records))
		for _, r := range msg.Records {
			ids = append(ids, r.ID)
		}
	}
	return MutationEvent{
		EventType:  EventTypeMutationApplied,
		EventID:    uuid.NewString(),
		DocID:      docID,
		PeerID:     msg.OriginPeerID,
		PeerName:   msg.OriginName,
		Kind:       msg.Kind,
		RecordIDs:  ids,
		RecordN:    len(ids),
		OccurredAt: at,
	}
}

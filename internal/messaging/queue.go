package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/pixellumo/lumoverse/internal/moderation"
)

// ModerationQueue carries review requests to the moderator over
// moderation.check and broadcasts decisions to every server over
// moderation.result.
type ModerationQueue struct {
	client *NATSClient
	seq    atomic.Int64
}

// NewModerationQueue creates a ModerationQueue on client.
func NewModerationQueue(client *NATSClient) *ModerationQueue {
	return &ModerationQueue{client: client}
}

// Submit publishes req for asynchronous review.
func (q *ModerationQueue) Submit(_ context.Context, req moderation.ModerationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("messaging: encode moderation request: %w", err)
	}
	return q.client.Publish(SubjectModerationCheck, data)
}

// PublishDecision broadcasts d to every server.
func (q *ModerationQueue) PublishDecision(d moderation.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("messaging: encode decision: %w", err)
	}
	return q.client.Publish(SubjectModerationResult, data)
}

// OnDecision calls fn for every decision broadcast by any process.
func (q *ModerationQueue) OnDecision(fn func(moderation.Decision)) (func(), error) {
	key := fmt.Sprintf("decisions:%d", q.seq.Add(1))
	err := q.client.Subscribe(key, SubjectModerationResult, func(data []byte) {
		var d moderation.Decision
		if err := json.Unmarshal(data, &d); err != nil {
			log.Printf("[nats] bad decision payload: %v", err)
			return
		}
		fn(d)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = q.client.Unsubscribe(key) }, nil
}

// ServeReviews consumes moderation.check in the moderators queue group,
// reviews each request and publishes the resulting decisions. onDecision,
// if set, is called for each decision after it is published.
func (q *ModerationQueue) ServeReviews(reviewer *moderation.Reviewer, onDecision func(moderation.Decision)) error {
	return q.client.QueueSubscribe("reviews", SubjectModerationCheck, QueueModerators, func(data []byte) {
		var req moderation.ModerationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[moderator] bad request payload: %v", err)
			return
		}
		d, ok := reviewer.Review(context.Background(), req)
		if !ok {
			return
		}
		if err := q.PublishDecision(d); err != nil {
			log.Printf("[moderator] publish decision content=%s: %v", d.ContentID, err)
			return
		}
		if onDecision != nil {
			onDecision(d)
		}
	})
}

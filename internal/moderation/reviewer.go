package moderation

import (
	"context"
	"log"
	"strings"

	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/event"
)

// DefaultReviewThreshold is the score at which the reviewer flags accepted
// content. It is below the send-time spam threshold so borderline messages
// that got through are still hidden after review.
const DefaultReviewThreshold = 3

// ContentTypeMessage is the content type of room messages.
const ContentTypeMessage = "message"

// Reviewer re-scores accepted messages and records the outcome in the ledger.
type Reviewer struct {
	scorer *Scorer
	ledger *Ledger
}

// NewReviewer creates a Reviewer flagging content that scores at least
// threshold (DefaultReviewThreshold if threshold <= 0).
func NewReviewer(ledger *Ledger, threshold int) *Reviewer {
	if threshold <= 0 {
		threshold = DefaultReviewThreshold
	}
	return &Reviewer{scorer: NewScorer(threshold, nil), ledger: ledger}
}

// Review scores req. If the content reaches the review threshold it is
// flagged by the system reporter, the author's spam score is increased, the
// author is auto-banned when ban-eligible, and a hide Decision is returned
// with ok=true. Ledger errors are logged and do not stop the review.
func (r *Reviewer) Review(ctx context.Context, req ModerationRequest) (Decision, bool) {
	a := r.scorer.Analyze(ctx, req.Text, "")
	if !a.IsSpam {
		return Decision{}, false
	}

	contentID := chat.ContentID(req.Room, req.MessageID)
	reason := strings.Join(a.Reasons, ", ")
	d := Decision{
		ContentID: contentID,
		Room:      req.Room,
		MessageID: req.MessageID,
		Author:    req.Author,
		Hidden:    true,
		Reason:    reason,
		Reasons:   a.Reasons,
		Score:     a.Score,
	}

	if _, err := r.ledger.FlagContent(ctx, contentID, ContentTypeMessage, reason, SystemReporter); err != nil {
		log.Printf("[moderator] flag content=%s: %v", contentID, err)
	}

	res, err := r.ledger.IncreaseSpamScore(ctx, req.Author, a.Score)
	if err != nil {
		log.Printf("[moderator] score identity=%s: %v", req.Author, err)
		return d, true
	}
	if res.ShouldBan {
		b, err := r.ledger.AutoBan(ctx, req.Author, "spam")
		if err != nil {
			log.Printf("[moderator] auto-ban identity=%s: %v", req.Author, err)
			return d, true
		}
		d.Banned = true
		d.BanSecs = int64(b.ExpiresAt.Sub(b.CreatedAt).Seconds())
	}
	return d, true
}

// Queue carries accepted messages to review and review decisions back to
// every server.
type Queue interface {
	Submit(ctx context.Context, req ModerationRequest) error
	PublishDecision(d Decision) error
	OnDecision(fn func(Decision)) (unsubscribe func(), err error)
}

// InlineQueue reviews submissions in the calling goroutine. It is the queue
// for single-node deployments that run without NATS.
type InlineQueue struct {
	reviewer  *Reviewer
	decisions *event.Bus[Decision]
}

// NewInlineQueue creates an InlineQueue backed by reviewer. A nil reviewer
// disables review; decisions published directly are still delivered.
func NewInlineQueue(reviewer *Reviewer) *InlineQueue {
	return &InlineQueue{reviewer: reviewer, decisions: event.NewBus[Decision]("moderation.decisions")}
}

// Submit implements Queue.
func (q *InlineQueue) Submit(ctx context.Context, req ModerationRequest) error {
	if q.reviewer == nil {
		return nil
	}
	if d, ok := q.reviewer.Review(ctx, req); ok {
		q.decisions.Publish(d)
	}
	return nil
}

// PublishDecision implements Queue.
func (q *InlineQueue) PublishDecision(d Decision) error {
	q.decisions.Publish(d)
	return nil
}

// OnDecision implements Queue.
func (q *InlineQueue) OnDecision(fn func(Decision)) (func(), error) {
	return q.decisions.Subscribe(fn), nil
}

package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/metrics"
	"github.com/pixellumo/lumoverse/internal/moderation"
	"github.com/pixellumo/lumoverse/internal/protocol"
)

// MaxReportReasonLength caps the stored report reason.
const MaxReportReasonLength = 280

var (
	errNotAuthor      = errors.New(chat.ReasonNotAuthor)
	errMessageDeleted = errors.New("message deleted")
)

func (h *Hub) handleHello(c *client, m protocol.HelloMsg) {
	identity := strings.TrimSpace(m.Identity)
	if identity == "" || len(identity) > MaxIdentityLength || strings.ContainsAny(identity, " \t\r\n") {
		h.sendError(c.connID, protocol.CodeBadRequest, "invalid identity")
		return
	}

	c.mu.Lock()
	if c.identity != "" && c.identity != identity {
		c.mu.Unlock()
		h.sendError(c.connID, protocol.CodeForbidden, "connection already bound to another identity")
		return
	}
	c.identity = identity
	c.moderator = h.moderators[identity] && h.cfg.AdminToken != "" && m.Token == h.cfg.AdminToken
	moderator := c.moderator
	c.mu.Unlock()

	if h.deps.Sessions != nil {
		ctx, cancel := h.opContext()
		if err := h.deps.Sessions.SetIdentity(ctx, c.connID, identity); err != nil {
			log.Printf("[hub] session identity session=%s: %v", c.connID, err)
		}
		cancel()
	}

	log.Printf("[hub] hello identity=%s session=%s moderator=%t", identity, c.connID, moderator)
	h.send(c.connID, protocol.TypeWelcome, protocol.WelcomeMsg{
		Identity:  identity,
		SessionID: c.connID,
		Moderator: moderator,
	})
}

// handlePing refreshes presence in every joined room. The pong itself is
// written by the dispatcher.
func (h *Hub) handlePing(c *client) {
	identity, _ := c.who()
	if identity == "" {
		return
	}
	ctx, cancel := h.opContext()
	defer cancel()
	for _, room := range c.roomList() {
		if err := h.deps.Tracker.Touch(ctx, identity, room); err != nil {
			log.Printf("[hub] presence touch identity=%s room=%s: %v", identity, room, err)
		}
	}
	if h.deps.Sessions != nil {
		if err := h.deps.Sessions.Touch(ctx, c.connID); err != nil {
			log.Printf("[hub] session touch session=%s: %v", c.connID, err)
		}
	}
}

func (h *Hub) handleJoin(c *client, identity string, m protocol.JoinRoomMsg) {
	if err := chat.ValidateRoom(m.Room); err != nil {
		h.sendError(c.connID, protocol.CodeBadRequest, err.Error())
		return
	}

	c.mu.Lock()
	_, already := c.rooms[m.Room]
	c.rooms[m.Room] = struct{}{}
	c.mu.Unlock()

	ctx, cancel := h.opContext()
	defer cancel()

	// The room lock keeps broadcasts from interleaving with the history read,
	// so the page plus the frames after it cover every message exactly once.
	lock := h.roomLock(m.Room)
	lock.Lock()
	defer lock.Unlock()

	if !already {
		if err := h.subscribe(c, m.Room); err != nil {
			c.mu.Lock()
			delete(c.rooms, m.Room)
			c.mu.Unlock()
			log.Printf("[hub] subscribe room=%s: %v", m.Room, err)
			h.sendError(c.connID, protocol.CodeInternal, "join failed")
			return
		}
		if _, err := h.deps.Tracker.Join(ctx, identity, m.Room); err != nil {
			log.Printf("[hub] presence join identity=%s room=%s: %v", identity, m.Room, err)
		}
		h.saveRooms(ctx, c)
	}
	h.sendHistory(ctx, c, m.Room, m.RequestID, m.Limit)
}

func (h *Hub) handleLeave(c *client, identity string, m protocol.LeaveRoomMsg) {
	if !c.joined(m.Room) {
		return
	}
	h.leave(c, identity, m.Room)
	h.typing.Forget(typingKey(identity, m.Room))

	ctx, cancel := h.opContext()
	defer cancel()
	h.saveRooms(ctx, c)
}

func (h *Hub) handleHistory(c *client, m protocol.HistoryMsg) {
	if !c.joined(m.Room) {
		h.sendError(c.connID, protocol.CodeNotInRoom, chat.ReasonNotInRoom)
		return
	}
	ctx, cancel := h.opContext()
	defer cancel()

	lock := h.roomLock(m.Room)
	lock.Lock()
	defer lock.Unlock()
	h.sendHistory(ctx, c, m.Room, m.RequestID, m.Limit)
}

// sendHistory answers with the latest page of room. Messages hidden by
// moderation are left out.
func (h *Hub) sendHistory(ctx context.Context, c *client, room, requestID string, limit int) {
	if limit <= 0 {
		limit = h.cfg.HistoryPageSize
	}
	if limit > MaxHistoryPageSize {
		limit = MaxHistoryPageSize
	}

	page, err := h.deps.History.History(ctx, room, limit)
	if err != nil {
		log.Printf("[hub] history room=%s: %v", room, err)
		h.sendError(c.connID, protocol.CodeInternal, "history unavailable")
		return
	}
	msgs := make([]chat.Message, 0, len(page))
	for _, msg := range page {
		hidden, err := h.deps.Ledger.IsHidden(ctx, chat.ContentID(room, msg.ID))
		if err != nil {
			log.Printf("[hub] hidden check room=%s id=%d: %v", room, msg.ID, err)
		}
		if !hidden {
			msgs = append(msgs, msg)
		}
	}

	online, err := h.deps.Tracker.ListOnline(ctx, room)
	if err != nil {
		log.Printf("[hub] list online room=%s: %v", room, err)
	}
	if online == nil {
		online = []string{}
	}

	h.send(c.connID, protocol.TypeHistory, protocol.ServerHistoryMsg{
		Room:      room,
		RequestID: requestID,
		Messages:  msgs,
		Online:    online,
	})
}

// handleMessage runs the acceptance pipeline: room membership, content
// validation, ban check, rate limit and spam score, then id assignment,
// broadcast, ack and review.
func (h *Hub) handleMessage(c *client, identity string, m protocol.ChatMsg) {
	start := time.Now()

	if !c.joined(m.Room) {
		h.reject(c.connID, m, chat.ReasonNotInRoom)
		return
	}
	if err := chat.ValidateMessage(m.Text, h.cfg.MaxTextChars); err != nil {
		h.reject(c.connID, m, err.Error())
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()

	ban, banned, err := h.deps.Ledger.IsBanned(ctx, identity)
	if err != nil {
		log.Printf("[hub] ban check identity=%s: %v", identity, err)
	}
	if banned {
		metrics.MessagesTotal.WithLabelValues("banned").Inc()
		h.send(c.connID, protocol.TypeBanned, protocol.BannedMsg{
			Duration: int(ban.Remaining(h.now()).Seconds()),
			Reason:   ban.Reason,
		})
		return
	}

	a := h.deps.Scorer.Analyze(ctx, m.Text, identity)
	switch {
	case a.IsSpam:
		h.reject(c.connID, m, a.Reasons...)
		h.penalize(ctx, identity, a.Score)
		return
	case a.RateLimited:
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		h.send(c.connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			Nonce:      m.Nonce,
			RetryAfter: h.retryAfter(),
		})
		h.penalize(ctx, identity, a.Score)
		return
	}

	lock := h.roomLock(m.Room)
	lock.Lock()
	stored, err := h.deps.History.Append(ctx, chat.Message{
		Room:      m.Room,
		Author:    identity,
		Text:      m.Text,
		CreatedAt: h.now().UnixMilli(),
		Nonce:     m.Nonce,
	})
	if err != nil {
		lock.Unlock()
		log.Printf("[hub] append room=%s identity=%s: %v", m.Room, identity, err)
		h.sendError(c.connID, protocol.CodeInternal, "message not stored")
		return
	}
	h.publish(m.Room, protocol.TypeMessage, protocol.ServerChatMsg{Message: stored})
	lock.Unlock()

	h.send(c.connID, protocol.TypeAck, protocol.AckMsg{
		Nonce:     m.Nonce,
		Room:      stored.Room,
		MessageID: stored.ID,
		CreatedAt: stored.CreatedAt,
	})
	metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	if err := h.deps.Queue.Submit(ctx, moderation.ModerationRequest{
		Room:      stored.Room,
		MessageID: stored.ID,
		Author:    stored.Author,
		Text:      stored.Text,
		Ts:        stored.CreatedAt,
	}); err != nil {
		log.Printf("[hub] submit review room=%s id=%d: %v", stored.Room, stored.ID, err)
	}
	if err := h.deps.Tracker.Touch(ctx, identity, m.Room); err != nil {
		log.Printf("[hub] presence touch identity=%s room=%s: %v", identity, m.Room, err)
	}
}

func (h *Hub) reject(connID string, m protocol.ChatMsg, reasons ...string) {
	metrics.MessagesTotal.WithLabelValues("rejected").Inc()
	for _, r := range reasons {
		metrics.RejectionsTotal.WithLabelValues(r).Inc()
	}
	h.send(connID, protocol.TypeRejected, protocol.RejectedMsg{
		Nonce:   m.Nonce,
		Room:    m.Room,
		Reasons: reasons,
	})
}

// penalize adds points to the author's spam score and auto-bans when the ban
// threshold is crossed. The ban is announced through the queue so every
// server can tell the identity's connections.
func (h *Hub) penalize(ctx context.Context, identity string, points int) {
	if points <= 0 {
		return
	}
	res, err := h.deps.Ledger.IncreaseSpamScore(ctx, identity, points)
	if err != nil {
		log.Printf("[hub] spam score identity=%s: %v", identity, err)
		return
	}
	if !res.ShouldBan {
		return
	}
	b, err := h.deps.Ledger.AutoBan(ctx, identity, "spam")
	if err != nil {
		log.Printf("[hub] auto-ban identity=%s: %v", identity, err)
		return
	}
	metrics.BansTotal.WithLabelValues("auto").Inc()
	if err := h.deps.Queue.PublishDecision(moderation.Decision{
		Author:  identity,
		Reason:  b.Reason,
		Score:   res.Score,
		Banned:  true,
		BanSecs: int64(b.ExpiresAt.Sub(b.CreatedAt).Seconds()),
	}); err != nil {
		log.Printf("[hub] publish ban identity=%s: %v", identity, err)
	}
}

// retryAfter is the message window in whole seconds.
func (h *Hub) retryAfter() int {
	if h.deps.MessageLimiter == nil {
		return 0
	}
	return int(h.deps.MessageLimiter.Rule().Window.Seconds())
}

func (h *Hub) handleTyping(c *client, identity string, m protocol.TypingMsg) {
	if !c.joined(m.Room) || !h.typing.Allow(typingKey(identity, m.Room)) {
		return
	}
	h.publish(m.Room, protocol.TypeTyping, protocol.ServerTypingMsg{Room: m.Room, Identity: identity})
}

func (h *Hub) handleReact(c *client, identity string, m protocol.ReactMsg) {
	if !c.joined(m.Room) {
		h.sendError(c.connID, protocol.CodeNotInRoom, chat.ReasonNotInRoom)
		return
	}
	if err := chat.ValidateEmoji(m.Emoji); err != nil {
		h.sendError(c.connID, protocol.CodeBadRequest, err.Error())
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()

	var (
		added    bool
		reactors []string
	)
	lock := h.roomLock(m.Room)
	lock.Lock()
	_, err := h.deps.History.Update(ctx, m.Room, m.MessageID, func(msg *chat.Message) error {
		if msg.Deleted {
			return errMessageDeleted
		}
		added = msg.ToggleReaction(m.Emoji, identity)
		reactors = append([]string{}, msg.Reactions[m.Emoji]...)
		return nil
	})
	if err == nil {
		h.publish(m.Room, protocol.TypeReaction, protocol.ReactionMsg{
			Room:      m.Room,
			MessageID: m.MessageID,
			Emoji:     m.Emoji,
			Identity:  identity,
			Added:     added,
			Reactors:  reactors,
		})
	}
	lock.Unlock()

	if err != nil {
		h.updateError(c.connID, "react", err)
	}
}

func (h *Hub) handleEdit(c *client, identity string, m protocol.EditMsg) {
	if !c.joined(m.Room) {
		h.sendError(c.connID, protocol.CodeNotInRoom, chat.ReasonNotInRoom)
		return
	}
	if err := chat.ValidateMessage(m.Text, h.cfg.MaxTextChars); err != nil {
		h.sendError(c.connID, protocol.CodeBadRequest, err.Error())
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()

	// Edits are content-checked without consuming the message rate.
	if a := h.deps.Scorer.Analyze(ctx, m.Text, ""); a.IsSpam {
		h.sendError(c.connID, protocol.CodeBadRequest, "edit rejected: "+strings.Join(a.Reasons, ", "))
		return
	}

	at := h.now().UnixMilli()
	lock := h.roomLock(m.Room)
	lock.Lock()
	_, err := h.deps.History.Update(ctx, m.Room, m.MessageID, func(msg *chat.Message) error {
		if msg.Author != identity {
			return errNotAuthor
		}
		if msg.Deleted {
			return errMessageDeleted
		}
		msg.Edit(m.Text, at)
		return nil
	})
	if err == nil {
		h.publish(m.Room, protocol.TypeEdit, protocol.ServerEditMsg{
			Room:      m.Room,
			MessageID: m.MessageID,
			Text:      m.Text,
			EditedAt:  at,
		})
	}
	lock.Unlock()

	if err != nil {
		h.updateError(c.connID, "edit", err)
	}
}

func (h *Hub) handleDelete(c *client, identity string, moderator bool, m protocol.DeleteMsg) {
	if !c.joined(m.Room) {
		h.sendError(c.connID, protocol.CodeNotInRoom, chat.ReasonNotInRoom)
		return
	}
	ctx, cancel := h.opContext()
	defer cancel()
	if err := h.deleteMessage(ctx, m.Room, m.MessageID, identity, moderator); err != nil {
		h.updateError(c.connID, "delete", err)
	}
}

// deleteMessage marks a message deleted and broadcasts the deletion. Deleting
// an already deleted message is a no-op.
func (h *Hub) deleteMessage(ctx context.Context, room string, id int64, by string, moderator bool) error {
	var (
		author string
		noop   bool
	)
	lock := h.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	_, err := h.deps.History.Update(ctx, room, id, func(msg *chat.Message) error {
		author = msg.Author
		if msg.Author != by && !moderator {
			return errNotAuthor
		}
		noop = msg.Deleted
		msg.MarkDeleted()
		return nil
	})
	if err != nil {
		return err
	}
	if noop {
		return nil
	}
	if author != by {
		log.Printf("[audit] delete content=%s author=%s by=%s", chat.ContentID(room, id), author, by)
	}
	h.publish(room, protocol.TypeDelete, protocol.ServerDeleteMsg{Room: room, MessageID: id, By: by})
	return nil
}

func (h *Hub) handleReport(c *client, identity string, m protocol.ReportMsg) {
	if !c.joined(m.Room) {
		h.sendError(c.connID, protocol.CodeNotInRoom, chat.ReasonNotInRoom)
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()

	if h.deps.ReportLimiter != nil {
		if ok, _ := h.deps.ReportLimiter.Allow(ctx, identity); !ok {
			h.send(c.connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(h.deps.ReportLimiter.Rule().Window.Seconds()),
			})
			return
		}
	}

	msg, err := h.deps.History.Get(ctx, m.Room, m.MessageID)
	if err != nil {
		h.updateError(c.connID, "report", err)
		return
	}
	if msg.Author == identity {
		h.sendError(c.connID, protocol.CodeBadRequest, "cannot report your own message")
		return
	}

	reason := strings.TrimSpace(m.Reason)
	if reason == "" {
		reason = "reported"
	}
	if len(reason) > MaxReportReasonLength {
		reason = strings.ToValidUTF8(reason[:MaxReportReasonLength], "")
	}

	contentID := chat.ContentID(m.Room, m.MessageID)
	f, err := h.deps.Ledger.FlagContent(ctx, contentID, moderation.ContentTypeMessage, reason, identity)
	if err != nil {
		log.Printf("[hub] flag content=%s: %v", contentID, err)
		h.sendError(c.connID, protocol.CodeInternal, "report not recorded")
		return
	}
	metrics.FlagsTotal.WithLabelValues("user", strconv.FormatBool(f.AutoHidden)).Inc()

	if f.AutoHidden {
		if err := h.deps.Queue.PublishDecision(moderation.Decision{
			ContentID: contentID,
			Room:      m.Room,
			MessageID: m.MessageID,
			Author:    msg.Author,
			Hidden:    true,
			Reason:    "reported",
		}); err != nil {
			log.Printf("[hub] publish hide content=%s: %v", contentID, err)
		}
	}
}

func (h *Hub) updateError(connID, op string, err error) {
	var rejected *chat.RejectedError
	switch {
	case errors.Is(err, chat.ErrMessageNotFound):
		h.sendError(connID, protocol.CodeNotFound, "message not found")
	case errors.Is(err, errMessageDeleted):
		h.sendError(connID, protocol.CodeNotFound, errMessageDeleted.Error())
	case errors.Is(err, errNotAuthor):
		h.sendError(connID, protocol.CodeForbidden, chat.ReasonNotAuthor)
	case errors.As(err, &rejected):
		h.sendError(connID, protocol.CodeBadRequest, rejected.Error())
	default:
		log.Printf("[hub] %s session=%s: %v", op, connID, err)
		h.sendError(connID, protocol.CodeInternal, fmt.Sprintf("%s failed", op))
	}
}

func (h *Hub) saveRooms(ctx context.Context, c *client) {
	if h.deps.Sessions == nil {
		return
	}
	if err := h.deps.Sessions.SetRooms(ctx, c.connID, c.roomList()); err != nil {
		log.Printf("[hub] session rooms session=%s: %v", c.connID, err)
	}
}

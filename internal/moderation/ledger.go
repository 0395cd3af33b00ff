package moderation

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Ledger defaults.
const (
	DefaultHideThreshold = 3
	DefaultBanThreshold  = 5
)

// Escalating ban durations applied by AutoBan.
const (
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// OffenseTTL is how long an offense counts towards escalation.
	OffenseTTL = 24 * time.Hour
)

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offense int) time.Duration {
	switch {
	case offense <= 1:
		return Ban15Min
	case offense == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// FlagStore persists flags.
type FlagStore interface {
	// Append stores f as pending and sets f.AutoHidden when the number of
	// pending flags against f.ContentID, including f, equals hideAt, or when
	// f is raised by SystemReporter. Counting and inserting happen atomically
	// per content. If reporter already has a pending flag on the content,
	// that flag is returned unchanged.
	Append(ctx context.Context, f Flag, hideAt int) (Flag, error)
	Get(ctx context.Context, id string) (Flag, bool, error)
	// Resolve marks the flag resolved with res and returns the flag as it was
	// before the update. ok is false for unknown ids.
	Resolve(ctx context.Context, id string, res Resolution) (prev Flag, ok bool, err error)
	// PendingCount returns the number of pending flags on contentID and
	// whether one of them was raised by SystemReporter.
	PendingCount(ctx context.Context, contentID string) (n int, system bool, err error)
	Pending(ctx context.Context, limit int) ([]Flag, error)
}

// ScoreStore keeps per-identity spam scores. Add must be atomic per identity.
type ScoreStore interface {
	Add(ctx context.Context, identity string, points int) (int, error)
	Get(ctx context.Context, identity string) (int, error)
	Reset(ctx context.Context, identity string) error
}

// BanStore keeps bans, offense counters and warnings.
type BanStore interface {
	Ban(ctx context.Context, b Ban) error
	// Get returns the identity's ban record; expired bans may be returned
	// and are filtered by the caller.
	Get(ctx context.Context, identity string) (Ban, bool, error)
	Unban(ctx context.Context, identity string) error
	// IncrOffenses bumps the offense counter, which expires OffenseTTL after
	// the first offense, and returns the new count.
	IncrOffenses(ctx context.Context, identity string) (int, error)
	AddWarning(ctx context.Context, w Warning) error
	Warnings(ctx context.Context, identity string) ([]Warning, error)
}

// LedgerConfig holds ledger thresholds.
type LedgerConfig struct {
	HideThreshold int // pending flags that hide content
	BanThreshold  int // spam score that makes an identity ban-eligible
}

// Ledger records flags, spam scores, bans and warnings. It only records:
// enforcement (refusing sends, hiding content) is done by callers that query
// it. Store errors are returned for logging; unknown ids yield false or
// empty results.
type Ledger struct {
	flags  FlagStore
	scores ScoreStore
	bans   BanStore
	cfg    LedgerConfig
	now    func() time.Time
}

// NewLedger creates a Ledger. Nil stores are replaced with in-memory ones.
func NewLedger(flags FlagStore, scores ScoreStore, bans BanStore, cfg LedgerConfig) *Ledger {
	if flags == nil {
		flags = NewMemoryFlagStore()
	}
	if scores == nil {
		scores = NewMemoryScoreStore()
	}
	if bans == nil {
		bans = NewMemoryBanStore()
	}
	if cfg.HideThreshold <= 0 {
		cfg.HideThreshold = DefaultHideThreshold
	}
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = DefaultBanThreshold
	}
	return &Ledger{flags: flags, scores: scores, bans: bans, cfg: cfg, now: time.Now}
}

// Config returns the ledger thresholds.
func (l *Ledger) Config() LedgerConfig {
	return l.cfg
}

// FlagContent appends a pending flag. The flag that brings the pending count
// to the hide threshold carries AutoHidden; earlier and later flags do not.
// A reporter with a flag still pending on the content gets that flag back
// instead of a new one. Use IsHidden for the current hide state.
func (l *Ledger) FlagContent(ctx context.Context, contentID, contentType, reason, reportedBy string) (Flag, error) {
	f := Flag{
		ID:          uuid.New().String(),
		ContentID:   contentID,
		ContentType: contentType,
		Reason:      reason,
		ReportedBy:  reportedBy,
		Status:      StatusPending,
		CreatedAt:   l.now().UTC(),
	}
	stored, err := l.flags.Append(ctx, f, l.cfg.HideThreshold)
	if err != nil {
		return Flag{}, err
	}
	if stored.AutoHidden {
		log.Printf("[audit] auto-hide content=%s flag=%s reporter=%s", contentID, stored.ID, reportedBy)
	}
	return stored, nil
}

// IsHidden reports whether contentID has at least HideThreshold pending
// flags or a pending flag raised by the reviewer.
func (l *Ledger) IsHidden(ctx context.Context, contentID string) (bool, error) {
	n, system, err := l.flags.PendingCount(ctx, contentID)
	if err != nil {
		return false, err
	}
	return system || n >= l.cfg.HideThreshold, nil
}

// GetFlag returns a flag by id.
func (l *Ledger) GetFlag(ctx context.Context, id string) (Flag, bool, error) {
	return l.flags.Get(ctx, id)
}

// PendingFlags returns up to limit pending flags, oldest first.
func (l *Ledger) PendingFlags(ctx context.Context, limit int) ([]Flag, error) {
	return l.flags.Pending(ctx, limit)
}

// ResolveReport closes a flag with action and notes. It returns false for an
// unknown flag id or action. Resolving an already-resolved flag overwrites the
// earlier resolution; the overwritten one is kept in the audit log.
func (l *Ledger) ResolveReport(ctx context.Context, flagID, action, notes, moderator string) (bool, error) {
	if !ValidAction(action) {
		return false, nil
	}
	res := Resolution{Action: action, Notes: notes, Moderator: moderator, ResolvedAt: l.now().UTC()}
	prev, ok, err := l.flags.Resolve(ctx, flagID, res)
	if err != nil || !ok {
		return false, err
	}
	if prev.Status == StatusResolved && prev.Resolution != nil {
		log.Printf("[audit] flag=%s resolution overwritten: prev_action=%s prev_moderator=%s prev_notes=%q new_action=%s new_moderator=%s",
			flagID, prev.Resolution.Action, prev.Resolution.Moderator, prev.Resolution.Notes, action, moderator)
	} else {
		log.Printf("[audit] flag=%s resolved action=%s moderator=%s", flagID, action, moderator)
	}
	return true, nil
}

// IncreaseSpamScore adds points to identity's score. ShouldBan is true once
// the score is at or above the ban threshold; the ban itself is a separate
// call.
func (l *Ledger) IncreaseSpamScore(ctx context.Context, identity string, points int) (ScoreResult, error) {
	if points < 0 {
		points = 0
	}
	score, err := l.scores.Add(ctx, identity, points)
	if err != nil {
		return ScoreResult{}, err
	}
	return ScoreResult{Score: score, ShouldBan: score >= l.cfg.BanThreshold}, nil
}

// SpamScore returns identity's current score.
func (l *Ledger) SpamScore(ctx context.Context, identity string) (int, error) {
	return l.scores.Get(ctx, identity)
}

// ResetSpamScore sets identity's score back to zero.
func (l *Ledger) ResetSpamScore(ctx context.Context, identity string) error {
	log.Printf("[audit] score reset identity=%s", identity)
	return l.scores.Reset(ctx, identity)
}

// BanUser records a ban. duration <= 0 bans permanently.
func (l *Ledger) BanUser(ctx context.Context, identity, reason string, duration time.Duration) (Ban, error) {
	return l.ban(ctx, identity, reason, duration, 0)
}

// AutoBan records a ban whose duration escalates with the identity's recent
// offense count:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
func (l *Ledger) AutoBan(ctx context.Context, identity, reason string) (Ban, error) {
	offense, err := l.bans.IncrOffenses(ctx, identity)
	if err != nil {
		return Ban{}, err
	}
	return l.ban(ctx, identity, reason, escalationDuration(offense), offense)
}

func (l *Ledger) ban(ctx context.Context, identity, reason string, duration time.Duration, offense int) (Ban, error) {
	now := l.now().UTC()
	b := Ban{Identity: identity, Reason: reason, CreatedAt: now, Offense: offense}
	if duration > 0 {
		b.ExpiresAt = now.Add(duration)
	}
	if err := l.bans.Ban(ctx, b); err != nil {
		return Ban{}, err
	}
	log.Printf("[audit] ban identity=%s reason=%q duration=%s offense=%d", identity, reason, duration, offense)
	return b, nil
}

// Unban lifts identity's ban and resets its spam score so it is no longer
// ban-eligible.
func (l *Ledger) Unban(ctx context.Context, identity string) error {
	if err := l.bans.Unban(ctx, identity); err != nil {
		return err
	}
	log.Printf("[audit] unban identity=%s", identity)
	return l.scores.Reset(ctx, identity)
}

// IsBanned returns identity's active ban, if any.
func (l *Ledger) IsBanned(ctx context.Context, identity string) (Ban, bool, error) {
	b, ok, err := l.bans.Get(ctx, identity)
	if err != nil || !ok {
		return Ban{}, false, err
	}
	if !b.Active(l.now()) {
		return Ban{}, false, nil
	}
	return b, true, nil
}

// WarnUser records a warning.
func (l *Ledger) WarnUser(ctx context.Context, identity, reason string) (Warning, error) {
	w := Warning{
		ID:        uuid.New().String(),
		Identity:  identity,
		Reason:    reason,
		CreatedAt: l.now().UTC(),
	}
	if err := l.bans.AddWarning(ctx, w); err != nil {
		return Warning{}, err
	}
	log.Printf("[audit] warn identity=%s reason=%q", identity, reason)
	return w, nil
}

// Warnings returns identity's warnings, oldest first.
func (l *Ledger) Warnings(ctx context.Context, identity string) ([]Warning, error) {
	return l.bans.Warnings(ctx, identity)
}

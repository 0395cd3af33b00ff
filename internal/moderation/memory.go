package moderation

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryFlagStore is an in-process FlagStore. Each content id has its own
// lock, so flagging different content never contends.
type MemoryFlagStore struct {
	seq       atomic.Int64
	byContent sync.Map // content id -> *contentFlags
	byID      sync.Map // flag id -> content id
}

type contentFlags struct {
	mu    sync.Mutex
	flags []*flagRecord
}

type flagRecord struct {
	flag Flag
	seq  int64
}

// NewMemoryFlagStore creates an empty MemoryFlagStore.
func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{}
}

func (s *MemoryFlagStore) content(id string) *contentFlags {
	if c, ok := s.byContent.Load(id); ok {
		return c.(*contentFlags)
	}
	c, _ := s.byContent.LoadOrStore(id, &contentFlags{})
	return c.(*contentFlags)
}

func cloneFlag(f Flag) Flag {
	if f.Resolution != nil {
		r := *f.Resolution
		f.Resolution = &r
	}
	return f
}

// Append implements FlagStore.
func (s *MemoryFlagStore) Append(_ context.Context, f Flag, hideAt int) (Flag, error) {
	c := s.content(f.ContentID)
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := 0
	for _, r := range c.flags {
		if r.flag.Status != StatusPending {
			continue
		}
		if r.flag.ReportedBy == f.ReportedBy {
			return cloneFlag(r.flag), nil
		}
		pending++
	}

	f.Status = StatusPending
	f.AutoHidden = pending+1 == hideAt || f.ReportedBy == SystemReporter
	c.flags = append(c.flags, &flagRecord{flag: f, seq: s.seq.Add(1)})
	s.byID.Store(f.ID, f.ContentID)
	return cloneFlag(f), nil
}

// Get implements FlagStore.
func (s *MemoryFlagStore) Get(_ context.Context, id string) (Flag, bool, error) {
	contentID, ok := s.byID.Load(id)
	if !ok {
		return Flag{}, false, nil
	}
	c := s.content(contentID.(string))
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.flags {
		if r.flag.ID == id {
			return cloneFlag(r.flag), true, nil
		}
	}
	return Flag{}, false, nil
}

// Resolve implements FlagStore.
func (s *MemoryFlagStore) Resolve(_ context.Context, id string, res Resolution) (Flag, bool, error) {
	contentID, ok := s.byID.Load(id)
	if !ok {
		return Flag{}, false, nil
	}
	c := s.content(contentID.(string))
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.flags {
		if r.flag.ID != id {
			continue
		}
		prev := cloneFlag(r.flag)
		r.flag.Status = StatusResolved
		r.flag.Resolution = &res
		return prev, true, nil
	}
	return Flag{}, false, nil
}

// PendingCount implements FlagStore.
func (s *MemoryFlagStore) PendingCount(_ context.Context, contentID string) (int, bool, error) {
	v, ok := s.byContent.Load(contentID)
	if !ok {
		return 0, false, nil
	}
	c := v.(*contentFlags)
	c.mu.Lock()
	defer c.mu.Unlock()

	n, system := 0, false
	for _, r := range c.flags {
		if r.flag.Status == StatusPending {
			n++
			system = system || r.flag.ReportedBy == SystemReporter
		}
	}
	return n, system, nil
}

// Pending implements FlagStore.
func (s *MemoryFlagStore) Pending(_ context.Context, limit int) ([]Flag, error) {
	var recs []flagRecord
	s.byContent.Range(func(_, v any) bool {
		c := v.(*contentFlags)
		c.mu.Lock()
		for _, r := range c.flags {
			if r.flag.Status == StatusPending {
				recs = append(recs, flagRecord{flag: cloneFlag(r.flag), seq: r.seq})
			}
		}
		c.mu.Unlock()
		return true
	})
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]Flag, len(recs))
	for i, r := range recs {
		out[i] = r.flag
	}
	return out, nil
}

// MemoryScoreStore is an in-process ScoreStore.
type MemoryScoreStore struct {
	scores sync.Map // identity -> *atomic.Int64
}

// NewMemoryScoreStore creates an empty MemoryScoreStore.
func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{}
}

func (s *MemoryScoreStore) counter(identity string) *atomic.Int64 {
	if v, ok := s.scores.Load(identity); ok {
		return v.(*atomic.Int64)
	}
	v, _ := s.scores.LoadOrStore(identity, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Add implements ScoreStore.
func (s *MemoryScoreStore) Add(_ context.Context, identity string, points int) (int, error) {
	return int(s.counter(identity).Add(int64(points))), nil
}

// Get implements ScoreStore.
func (s *MemoryScoreStore) Get(_ context.Context, identity string) (int, error) {
	v, ok := s.scores.Load(identity)
	if !ok {
		return 0, nil
	}
	return int(v.(*atomic.Int64).Load()), nil
}

// Reset implements ScoreStore.
func (s *MemoryScoreStore) Reset(_ context.Context, identity string) error {
	if v, ok := s.scores.Load(identity); ok {
		v.(*atomic.Int64).Store(0)
	}
	return nil
}

// MemoryBanStore is an in-process BanStore. State is kept per identity
// under the identity's own lock.
type MemoryBanStore struct {
	now    func() time.Time
	byUser sync.Map // identity -> *userRecord
}

type userRecord struct {
	mu       sync.Mutex
	ban      *Ban
	offenses int
	expires  time.Time // offense counter expiry
	warnings []Warning
}

// NewMemoryBanStore creates an empty MemoryBanStore.
func NewMemoryBanStore() *MemoryBanStore {
	return &MemoryBanStore{now: time.Now}
}

func (s *MemoryBanStore) user(identity string) *userRecord {
	if v, ok := s.byUser.Load(identity); ok {
		return v.(*userRecord)
	}
	v, _ := s.byUser.LoadOrStore(identity, &userRecord{})
	return v.(*userRecord)
}

// Ban implements BanStore.
func (s *MemoryBanStore) Ban(_ context.Context, b Ban) error {
	u := s.user(b.Identity)
	u.mu.Lock()
	u.ban = &b
	u.mu.Unlock()
	return nil
}

// Get implements BanStore.
func (s *MemoryBanStore) Get(_ context.Context, identity string) (Ban, bool, error) {
	v, ok := s.byUser.Load(identity)
	if !ok {
		return Ban{}, false, nil
	}
	u := v.(*userRecord)
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.ban == nil {
		return Ban{}, false, nil
	}
	if !u.ban.Active(s.now()) {
		u.ban = nil
		return Ban{}, false, nil
	}
	return *u.ban, true, nil
}

// Unban implements BanStore.
func (s *MemoryBanStore) Unban(_ context.Context, identity string) error {
	if v, ok := s.byUser.Load(identity); ok {
		u := v.(*userRecord)
		u.mu.Lock()
		u.ban = nil
		u.mu.Unlock()
	}
	return nil
}

// IncrOffenses implements BanStore. The counter window starts at the first
// offense and does not slide.
func (s *MemoryBanStore) IncrOffenses(_ context.Context, identity string) (int, error) {
	u := s.user(identity)
	u.mu.Lock()
	defer u.mu.Unlock()

	now := s.now()
	if u.offenses == 0 || !now.Before(u.expires) {
		u.offenses = 0
		u.expires = now.Add(OffenseTTL)
	}
	u.offenses++
	return u.offenses, nil
}

// AddWarning implements BanStore.
func (s *MemoryBanStore) AddWarning(_ context.Context, w Warning) error {
	u := s.user(w.Identity)
	u.mu.Lock()
	u.warnings = append(u.warnings, w)
	u.mu.Unlock()
	return nil
}

// Warnings implements BanStore.
func (s *MemoryBanStore) Warnings(_ context.Context, identity string) ([]Warning, error) {
	v, ok := s.byUser.Load(identity)
	if !ok {
		return []Warning{}, nil
	}
	u := v.(*userRecord)
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Warning{}, u.warnings...), nil
}

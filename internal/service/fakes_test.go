package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/notify"
)

var epoch = time.Date(2024, 9, 2, 9, 0, 0, 0, time.UTC)

type fakeCommittees struct {
	heads map[string][]int64 // user id -> ticket ids they head a committee for
	err   error
}

func (f *fakeCommittees) HeadsTicketCommittee(_ context.Context, userID string, ticketID int64, _ *int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, id := range f.heads[userID] {
		if id == ticketID {
			return true, nil
		}
	}
	return false, nil
}

type fakeArchiver struct {
	mu     sync.Mutex
	calls  []int64
	result bool
	err    error
}

func (f *fakeArchiver) ArchiveIfAllClosed(_ context.Context, groupID int64, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, groupID)
	return f.result, f.err
}

type fakeCatalog map[domain.TicketStatus]bool

func (f fakeCatalog) IsEnabled(_ context.Context, status domain.TicketStatus) (bool, error) {
	return f[status], nil
}

type fakeResolver struct {
	chain map[string][]string // category -> assignee per level (index 0 = level 1)
	fail  map[string]error    // category -> error
}

func (f *fakeResolver) NextTarget(_ context.Context, category, _ string, currentLevel int) (*domain.AssignmentTarget, error) {
	if err := f.fail[category]; err != nil {
		return nil, err
	}
	chain := f.chain[category]
	if currentLevel < len(chain) {
		return &domain.AssignmentTarget{AssigneeID: chain[currentLevel], Level: currentLevel + 1}, nil
	}
	return nil, nil
}

type fakeUsers map[string]domain.User

func (f fakeUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &u, nil
}

func (f fakeUsers) ListByRole(_ context.Context, role domain.Role) ([]domain.User, error) {
	var out []domain.User
	for _, u := range f {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

type chatPost struct {
	Channel  string
	ThreadID string
	Text     string
	CC       []string
}

type fakeChat struct {
	mu     sync.Mutex
	posts  []chatPost
	fail   error
	nextTS int
}

func (f *fakeChat) PostMessage(_ context.Context, channel, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.nextTS++
	f.posts = append(f.posts, chatPost{Channel: channel, Text: text})
	return fmt.Sprintf("ts-%d", f.nextTS), nil
}

func (f *fakeChat) PostThreadReply(_ context.Context, channel, threadID, text string, cc []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.nextTS++
	f.posts = append(f.posts, chatPost{Channel: channel, ThreadID: threadID, Text: text, CC: cc})
	return fmt.Sprintf("ts-%d", f.nextTS), nil
}

func (f *fakeChat) replies() []chatPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chatPost
	for _, p := range f.posts {
		if p.ThreadID != "" {
			out = append(out, p)
		}
	}
	return out
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []notify.Email
	fail error
	seq  int
}

func (f *fakeEmail) Send(_ context.Context, email notify.Email) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.seq++
	f.sent = append(f.sent, email)
	return fmt.Sprintf("<msg-%d@college.edu>", f.seq), nil
}

func (f *fakeEmail) all() []notify.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Email(nil), f.sent...)
}

type memLedger struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemLedger() *memLedger { return &memLedger{keys: map[string]bool{}} }

func (l *memLedger) Delivered(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keys[key], nil
}

func (l *memLedger) MarkDelivered(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[key] = true
	return nil
}

func (l *memLedger) Forget(_ context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		delete(l.keys, key)
	}
	return nil
}

func (l *memLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

var errBoom = errors.New("boom")

// Package transporttest provides an in-memory Publisher for tests.
package transporttest

import (
	"context"
	"sync"

	"cinebot/internal/errs"
	kit "cinebot/internal/transport"
)

// Sent is one accepted SendPost call.
type Sent struct {
	Ref  kit.PostRef
	Post kit.Post
}

type Notice struct {
	UserID int64
	Text   string
}

// Publisher records posts and tracks which are live. Chat ids are fixed:
// PrimaryChat and MirrorChat.
type Publisher struct {
	mu      sync.Mutex
	nextID  int
	live    map[kit.PostRef]bool
	sent    []Sent
	deleted []kit.PostRef
	notices []Notice

	// FailSend makes SendPost fail for the surface.
	FailSend map[kit.Surface]bool
	// FailDelete makes every DeletePost fail after the post is removed.
	FailDelete bool
	// OnSend runs inside SendPost before the post is recorded.
	OnSend func(kit.Surface, kit.Post)
}

func NewPublisher() *Publisher {
	return &Publisher{live: map[kit.PostRef]bool{}, FailSend: map[kit.Surface]bool{}}
}

const (
	PrimaryChat int64 = -1001000
	MirrorChat  int64 = -1002000
)

func chatFor(s kit.Surface) int64 {
	if s == kit.SurfaceMirror {
		return MirrorChat
	}
	return PrimaryChat
}

func (p *Publisher) SendPost(_ context.Context, s kit.Surface, post kit.Post) (kit.PostRef, error) {
	p.mu.Lock()
	hook := p.OnSend
	fail := p.FailSend[s]
	p.mu.Unlock()
	if hook != nil {
		hook(s, post)
	}
	if fail {
		return kit.PostRef{}, errs.Transient(nil, "send refused")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	ref := kit.PostRef{Surface: s, ChatID: chatFor(s), MessageID: p.nextID}
	p.live[ref] = true
	p.sent = append(p.sent, Sent{Ref: ref, Post: post})
	return ref, nil
}

func (p *Publisher) DeletePost(_ context.Context, ref kit.PostRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, ref)
	p.deleted = append(p.deleted, ref)
	if p.FailDelete {
		return errs.Transient(nil, "delete refused")
	}
	return nil
}

func (p *Publisher) Notify(_ context.Context, userID int64, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, Notice{UserID: userID, Text: text})
	return nil
}

// Live returns how many posts are live on surface.
func (p *Publisher) Live(s kit.Surface) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for ref := range p.live {
		if ref.Surface == s {
			n++
		}
	}
	return n
}

func (p *Publisher) Sent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

// SentTo counts posts ever sent to surface.
func (p *Publisher) SentTo(s kit.Surface) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, x := range p.sent {
		if x.Ref.Surface == s {
			n++
		}
	}
	return n
}

func (p *Publisher) Deleted() []kit.PostRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kit.PostRef(nil), p.deleted...)
}

func (p *Publisher) Notices() []Notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notice(nil), p.notices...)
}

func (p *Publisher) SetFailSend(s kit.Surface, fail bool) {
	p.mu.Lock()
	p.FailSend[s] = fail
	p.mu.Unlock()
}

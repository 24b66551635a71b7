package security

import (
	"testing"
	"time"

	"github.com/klingon-exchange/swapsig-core/internal/wire"
)

func newMsg(id string) *wire.Message {
	return &wire.Message{Protocol: "test", Type: "t", From: "peerA", MessageID: id}
}

func TestDuplicateSuppressed(t *testing.T) {
	g := New(DefaultConfig())
	if err := g.CheckInbound("peerA", newMsg("m1"), ""); err != nil {
		t.Fatalf("first message should pass: %v", err)
	}
	if err := g.CheckInbound("peerA", newMsg("m1"), ""); err != ErrDuplicateMessage {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestOversizedRejected(t *testing.T) {
	g := New(DefaultConfig())
	msg := newMsg("big")
	msg.Payload = make([]byte, wire.MaxPayloadSize+1)
	if err := g.CheckInbound("peerA", msg, ""); err != ErrOversizedMessage {
		t.Fatalf("expected oversized rejection, got %v", err)
	}
}

func TestRateLimitEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitBurst = 2
	cfg.BanThreshold = 1000 // don't let the ban kick in mid-test
	g := New(cfg)

	if err := g.CheckInbound("peerA", newMsg("a1"), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.CheckInbound("peerA", newMsg("a2"), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.CheckInbound("peerA", newMsg("a3"), ""); err != ErrRateLimited {
		t.Fatalf("expected rate limit rejection, got %v", err)
	}
}

func TestResourceQuotaEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResourceQuota = 1
	cfg.RateLimitBurst = 1000
	cfg.BanThreshold = 1000
	g := New(cfg)

	if err := g.CheckInbound("peerA", newMsg("q1"), "signer-ad"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.CheckInbound("peerA", newMsg("q2"), "signer-ad"); err != ErrQuotaExceeded {
		t.Fatalf("expected quota rejection, got %v", err)
	}
	// A different resource has its own bucket.
	if err := g.CheckInbound("peerA", newMsg("q3"), "signing-request"); err != nil {
		t.Fatalf("unexpected error on distinct resource: %v", err)
	}
}

func TestBanEscalationAndExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanThreshold = 2
	cfg.BanDuration = 10 * time.Millisecond
	cfg.RateLimitBurst = 1
	g := New(cfg)

	if err := g.CheckInbound("peerA", newMsg("b1"), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Exceed the rate limit twice to cross BanThreshold.
	if err := g.CheckInbound("peerA", newMsg("b2"), ""); err != ErrRateLimited {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if err := g.CheckInbound("peerA", newMsg("b3"), ""); err != ErrPeerBanned && err != ErrRateLimited {
		t.Fatalf("expected ban or rate limit, got %v", err)
	}
	if !g.IsBanned("peerA") {
		t.Fatal("expected peer to be banned")
	}

	time.Sleep(20 * time.Millisecond)
	if g.IsBanned("peerA") {
		t.Fatal("expected ban to have expired")
	}
}

func TestOutboundBypassesDuplicateAndQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResourceQuota = 1
	g := New(cfg)

	msg := newMsg("same-id")
	if err := g.CheckOutbound(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.CheckOutbound(msg); err != nil {
		t.Fatalf("outbound should never be deduplicated: %v", err)
	}
}

func TestBulkEvictionOnOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSeenIDs = 10
	cfg.EvictionFraction = 0.5
	cfg.RateLimitBurst = 1000
	cfg.BanThreshold = 1000
	g := New(cfg)

	for i := 0; i < 11; i++ {
		id := string(rune('a' + i))
		if err := g.CheckInbound("peerA", newMsg(id), ""); err != nil {
			t.Fatalf("unexpected error on message %d: %v", i, err)
		}
	}
	if len(g.seen) > 10 {
		t.Fatalf("expected eviction to bound cache size, got %d entries", len(g.seen))
	}
}

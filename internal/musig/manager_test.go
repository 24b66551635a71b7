package musig

import (
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestManagerFullRoundEmitsFinalized(t *testing.T) {
	priv0, _ := btcec.NewPrivateKey()
	priv1, _ := btcec.NewPrivateKey()
	raw := []*btcec.PublicKey{priv0.PubKey(), priv1.PubKey()}

	sorted0, idx0 := SortSigners(raw, priv0.PubKey())
	sorted1, idx1 := SortSigners(raw, priv1.PubKey())

	mgr0 := NewManager(DefaultConfig())
	mgr1 := NewManager(DefaultConfig())

	var mu sync.Mutex
	var finalized0, finalized1 bool
	mgr0.OnEvent(func(e Event) {
		if e.Type == EventFinalized {
			mu.Lock()
			finalized0 = true
			mu.Unlock()
		}
	})
	mgr1.OnEvent(func(e Event) {
		if e.Type == EventFinalized {
			mu.Lock()
			finalized1 = true
			mu.Unlock()
		}
	})

	if _, err := mgr0.CreateSession("s1", idx0, sorted0, priv0, nil); err != nil {
		t.Fatalf("CreateSession mgr0: %v", err)
	}
	if _, err := mgr1.CreateSession("s1", idx1, sorted1, priv1, nil); err != nil {
		t.Fatalf("CreateSession mgr1: %v", err)
	}

	env0, err := mgr0.StartRound1("s1", 1)
	if err != nil {
		t.Fatalf("StartRound1 mgr0: %v", err)
	}
	env1, err := mgr1.StartRound1("s1", 1)
	if err != nil {
		t.Fatalf("StartRound1 mgr1: %v", err)
	}

	if err := mgr0.HandleNonce("s1", env1); err != nil {
		t.Fatalf("HandleNonce mgr0: %v", err)
	}
	if err := mgr1.HandleNonce("s1", env0); err != nil {
		t.Fatalf("HandleNonce mgr1: %v", err)
	}

	msgHash := chainhash.Hash(sha256.Sum256([]byte("settlement")))
	sig0, err := mgr0.StartRound2("s1", &msgHash, 2)
	if err != nil {
		t.Fatalf("StartRound2 mgr0: %v", err)
	}
	sig1, err := mgr1.StartRound2("s1", &msgHash, 2)
	if err != nil {
		t.Fatalf("StartRound2 mgr1: %v", err)
	}

	if err := mgr0.HandlePartialSig("s1", sig1); err != nil {
		t.Fatalf("HandlePartialSig mgr0: %v", err)
	}
	if err := mgr1.HandlePartialSig("s1", sig0); err != nil {
		t.Fatalf("HandlePartialSig mgr1: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		done := finalized0 && finalized1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for EventFinalized on both managers")
		}
		time.Sleep(time.Millisecond)
	}

	if mgr0.ActiveSessionCount() != 0 {
		t.Fatal("expected session to be removed from mgr0 after finalization")
	}
}

func TestManagerUnknownSessionReturnsNotFound(t *testing.T) {
	mgr := NewManager(DefaultConfig())
	if _, err := mgr.StartRound1("missing", 1); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManagerDuplicateSessionRejected(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	mgr := NewManager(DefaultConfig())
	signers := []*btcec.PublicKey{priv.PubKey()}
	if _, err := mgr.CreateSession("dup", 0, signers, priv, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := mgr.CreateSession("dup", 0, signers, priv, nil); err != ErrSessionExists {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestManagerJoinSessionReturnsLocalSessionWithoutFetcher(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	mgr := NewManager(DefaultConfig())
	signers := []*btcec.PublicKey{priv.PubKey()}
	if _, err := mgr.CreateSession("local", 0, signers, priv, nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess, err := mgr.JoinSession("local", priv)
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if sess.ID() != "local" {
		t.Fatalf("ID() = %s, want local", sess.ID())
	}
}

func TestManagerJoinSessionWithoutFetcherReturnsNotFound(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	mgr := NewManager(DefaultConfig())
	if _, err := mgr.JoinSession("remote", priv); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManagerJoinSessionUsesDescriptorFetcher(t *testing.T) {
	priv0, _ := btcec.NewPrivateKey()
	priv1, _ := btcec.NewPrivateKey()
	raw := []*btcec.PublicKey{priv0.PubKey(), priv1.PubKey()}

	mgr := NewManager(DefaultConfig())
	fetchCalls := 0
	mgr.SetDescriptorFetcher(func(id string) ([]*btcec.PublicKey, []byte, error) {
		fetchCalls++
		if id != "remote" {
			t.Fatalf("fetch called with id %s, want remote", id)
		}
		return raw, nil, nil
	})

	sess, err := mgr.JoinSession("remote", priv1)
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	_, wantIdx := SortSigners(raw, priv1.PubKey())
	if sess.MyIndex() != wantIdx {
		t.Fatalf("MyIndex() = %d, want %d", sess.MyIndex(), wantIdx)
	}
	if fetchCalls != 1 {
		t.Fatalf("fetch called %d times, want 1", fetchCalls)
	}

	// Second call returns the now-local session without invoking fetch again.
	if _, err := mgr.JoinSession("remote", priv1); err != nil {
		t.Fatalf("JoinSession second call: %v", err)
	}
	if fetchCalls != 1 {
		t.Fatalf("fetch called %d times after second JoinSession, want 1", fetchCalls)
	}
}

func TestManagerJoinSessionNotAParticipant(t *testing.T) {
	priv0, _ := btcec.NewPrivateKey()
	priv1, _ := btcec.NewPrivateKey()
	outsider, _ := btcec.NewPrivateKey()
	raw := []*btcec.PublicKey{priv0.PubKey(), priv1.PubKey()}

	mgr := NewManager(DefaultConfig())
	mgr.SetDescriptorFetcher(func(id string) ([]*btcec.PublicKey, []byte, error) {
		return raw, nil, nil
	})

	if _, err := mgr.JoinSession("remote", outsider); err != ErrNotAParticipant {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestManagerCheckTimeoutsAbortsExpiredSession(t *testing.T) {
	priv0, _ := btcec.NewPrivateKey()
	priv1, _ := btcec.NewPrivateKey()
	raw := []*btcec.PublicKey{priv0.PubKey(), priv1.PubKey()}
	sorted, idx := SortSigners(raw, priv0.PubKey())

	cfg := DefaultConfig()
	cfg.Round1Timeout = time.Millisecond
	mgr := NewManager(cfg)

	var mu sync.Mutex
	var aborted bool
	mgr.OnEvent(func(e Event) {
		if e.Type == EventAborted {
			mu.Lock()
			aborted = true
			mu.Unlock()
		}
	})

	if _, err := mgr.CreateSession("t1", idx, sorted, priv0, nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := mgr.StartRound1("t1", 1); err != nil {
		t.Fatalf("StartRound1: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	mgr.CheckTimeouts()

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		mu.Lock()
		done := aborted
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for EventAborted")
		}
		time.Sleep(time.Millisecond)
	}

	if mgr.ActiveSessionCount() != 0 {
		t.Fatal("expected expired session to be removed")
	}
}

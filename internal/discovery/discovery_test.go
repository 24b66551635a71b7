package discovery

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/swapsig-core/internal/directory"
	"github.com/klingon-exchange/swapsig-core/internal/musig"
	"github.com/klingon-exchange/swapsig-core/internal/transport"
)

// memBroker is a minimal shared in-process stand-in for the libp2p DHT and
// pub-sub surfaces, just enough to exercise three Services talking to each
// other without a real network — mirrors the teacher's own preference for
// hand-rolled in-memory test doubles over a mocking library (see
// stream_handler_test.go).
type memBroker struct {
	mu   sync.Mutex
	dht  map[string][]byte
	subs map[string][]*memAdapter
}

func newMemBroker() *memBroker {
	return &memBroker{dht: make(map[string][]byte), subs: make(map[string][]*memAdapter)}
}

type memAdapter struct {
	broker *memBroker
	peerID string
	events chan transport.Event
}

func newMemAdapter(b *memBroker, peerID string) *memAdapter {
	return &memAdapter{broker: b, peerID: peerID, events: make(chan transport.Event, 64)}
}

func (a *memAdapter) PeerID() string { return a.peerID }

func (a *memAdapter) Dial(ctx context.Context, addr string) error { return nil }

func (a *memAdapter) Disconnect(peerID string) error { return nil }

func (a *memAdapter) OpenStream(ctx context.Context, peerID string, protocolID string) (transport.Stream, error) {
	return nil, transport.ErrNotConnected
}

func (a *memAdapter) Broadcast(ctx context.Context, data []byte) error { return nil }

func (a *memAdapter) Subscribe(ctx context.Context, topic string) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.subs[topic] = append(a.broker.subs[topic], a)
	return nil
}

func (a *memAdapter) Unsubscribe(topic string) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	subs := a.broker.subs[topic]
	for i, s := range subs {
		if s == a {
			a.broker.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (a *memAdapter) Publish(ctx context.Context, topic string, data []byte) error {
	a.broker.mu.Lock()
	subs := append([]*memAdapter{}, a.broker.subs[topic]...)
	a.broker.mu.Unlock()
	for _, s := range subs {
		s.events <- transport.Event{Type: transport.EventMessage, Topic: topic, Payload: data, Timestamp: time.Now()}
	}
	return nil
}

func (a *memAdapter) DHTPut(ctx context.Context, key string, value []byte) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.dht[key] = value
	return nil
}

func (a *memAdapter) DHTGet(ctx context.Context, key string) ([]byte, error) {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	v, ok := a.broker.dht[key]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return v, nil
}

func (a *memAdapter) Events() <-chan transport.Event { return a.events }

func (a *memAdapter) Close() error { return nil }

func newTestService(t *testing.T, b *memBroker, peerID string, mgr *musig.Manager) *Service {
	t.Helper()
	adapter := newMemAdapter(b, peerID)
	dir := directory.New(directory.DefaultConfig(), adapter)
	return New(DefaultConfig(), dir, adapter, mgr)
}

func TestAdvertiseSignerAndFindAvailableSigners(t *testing.T) {
	b := newMemBroker()
	svcA := newTestService(t, b, "peer-a", nil)
	svcB := newTestService(t, b, "peer-b", nil)

	privA, _ := btcec.NewPrivateKey()
	cap := Capability{TxTypes: []string{"swap"}, MinAmount: 1000, MaxAmount: 1_000_000}
	meta := Metadata{Reputation: 4.5, FeeRate: 10}

	if _, err := svcA.AdvertiseSigner(context.Background(), privA, cap, meta, time.Hour); err != nil {
		t.Fatalf("AdvertiseSigner: %v", err)
	}

	// svcB resolves the advertisement purely via the shared DHT, since it
	// never cached it locally.
	found, err := svcB.FindAvailableSigners(context.Background(), Filter{TransactionType: "swap", MinAmount: 5000})
	if err == nil && len(found) == 0 {
		// FindAvailableSigners only scans the local cache; pull it in first
		// the way a real node would after a directory.Get miss populates
		// the cache.
		if _, err := svcB.dir.Get(context.Background(), directory.KindSigner, hexKey(privA)); err != nil {
			t.Fatalf("directory Get: %v", err)
		}
		found, err = svcB.FindAvailableSigners(context.Background(), Filter{TransactionType: "swap", MinAmount: 5000})
	}
	if err != nil {
		t.Fatalf("FindAvailableSigners: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d signers, want 1", len(found))
	}
	if found[0].Metadata.FeeRate != 10 {
		t.Fatalf("feeRate = %d, want 10", found[0].Metadata.FeeRate)
	}
}

func hexKey(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

func TestThreePartyDiscoveryAndAutoJoinReachesSessionReady(t *testing.T) {
	b := newMemBroker()

	privCreator, _ := btcec.NewPrivateKey()
	privB, _ := btcec.NewPrivateKey()
	privC, _ := btcec.NewPrivateKey()

	mgrCreator := musig.NewManager(musig.DefaultConfig())
	mgrB := musig.NewManager(musig.DefaultConfig())
	mgrC := musig.NewManager(musig.DefaultConfig())

	svcCreator := newTestService(t, b, "creator", mgrCreator)
	svcB := newTestService(t, b, "peer-b", mgrB)
	svcC := newTestService(t, b, "peer-c", mgrC)

	ready := make(chan string, 8)
	svcCreator.OnSessionReady(func(id string) { ready <- "A:" + id })
	svcB.OnSessionReady(func(id string) { ready <- "B:" + id })
	svcC.OnSessionReady(func(id string) { ready <- "C:" + id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svcCreator.Run(ctx)
	go svcB.Run(ctx)
	go svcC.Run(ctx)

	if err := svcB.ListenAndAutoJoin(ctx, privB); err != nil {
		t.Fatalf("ListenAndAutoJoin B: %v", err)
	}
	if err := svcC.ListenAndAutoJoin(ctx, privC); err != nil {
		t.Fatalf("ListenAndAutoJoin C: %v", err)
	}

	required := []*btcec.PublicKey{privCreator.PubKey(), privB.PubKey(), privC.PubKey()}

	requestID, err := svcCreator.AnnounceSigningRequest(ctx, privCreator, required, []byte("settlement-digest-000000000000"), nil)
	if err != nil {
		t.Fatalf("AnnounceSigningRequest: %v", err)
	}
	if requestID == "" {
		t.Fatal("expected non-empty request id")
	}

	deadline := time.After(2 * time.Second)
	seen := map[string]bool{}
	for len(seen) < 3 {
		select {
		case who := <-ready:
			seen[who[:1]] = true
		case <-deadline:
			t.Fatalf("timed out waiting for SESSION_READY from all three parties, got %v", seen)
		}
	}
}

func TestAnnounceSigningRequestRejectsMissingCreator(t *testing.T) {
	b := newMemBroker()
	svc := newTestService(t, b, "creator", nil)

	privCreator, _ := btcec.NewPrivateKey()
	privOther, _ := btcec.NewPrivateKey()

	_, err := svc.AnnounceSigningRequest(context.Background(), privCreator, []*btcec.PublicKey{privOther.PubKey()}, []byte("msg"), nil)
	if err != ErrCreatorNotIncluded {
		t.Fatalf("expected ErrCreatorNotIncluded, got %v", err)
	}
}

// Package security implements the inbound message gate shared by every
// transport-facing component: size enforcement, duplicate suppression,
// peer ban escalation and per-resource rate limiting.
package security

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/klingon-exchange/swapsig-core/internal/wire"
	"github.com/klingon-exchange/swapsig-core/pkg/logging"
)

// Gate errors.
var (
	ErrOversizedMessage = errors.New("security: message exceeds size cap")
	ErrDuplicateMessage = errors.New("security: duplicate message id")
	ErrPeerBanned       = errors.New("security: peer is banned")
	ErrRateLimited      = errors.New("security: peer exceeded rate limit")
	ErrQuotaExceeded    = errors.New("security: peer exceeded resource quota")
)

// Config controls the gate's limits. Mirrors the teacher's Default*Config
// pattern: a struct of tunables plus a constructor with sane defaults.
type Config struct {
	MaxSeenIDs        int           // duplicate-suppression cache cap (default: 10000)
	EvictionFraction  float64       // fraction evicted in bulk on overflow (default: 0.10)
	RateLimitWindow   time.Duration // fixed window after which a peer's token bucket refills (default: 1m)
	RateLimitBurst    int           // tokens per window per peer (default: 60)
	BanThreshold      int           // violations before a peer is banned (default: 5)
	BanDuration       time.Duration // how long a ban lasts (default: 1h)
	ResourceQuota     int           // inbound announcements per resource per window (default: 20)
	QuotaWindow       time.Duration // window for the resource quota (default: 1m)
}

// DefaultConfig returns the gate's default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSeenIDs:       10000,
		EvictionFraction: 0.10,
		RateLimitWindow:  time.Minute,
		RateLimitBurst:   60,
		BanThreshold:     5,
		BanDuration:      time.Hour,
		ResourceQuota:    20,
		QuotaWindow:      time.Minute,
	}
}

// PeerID identifies a remote peer for accounting purposes. Kept as a plain
// string so the gate has no dependency on the transport layer's peer type.
type PeerID string

type seenEntry struct {
	id string
	el *list.Element
}

type bucket struct {
	tokens    int
	windowEnd time.Time
}

type quotaCounter struct {
	count     int
	windowEnd time.Time
}

type banRecord struct {
	violations int
	bannedUntil time.Time
}

// Gate enforces inbound message hygiene ahead of any protocol-specific
// handling. One Gate is shared by a node's entire transport surface.
type Gate struct {
	mu sync.Mutex

	cfg Config
	log *logging.Logger

	seenOrder *list.List
	seen      map[string]*seenEntry

	buckets map[PeerID]*bucket
	bans    map[PeerID]*banRecord
	quotas  map[PeerID]map[string]*quotaCounter
}

// New creates a Gate with the given configuration.
func New(cfg Config) *Gate {
	return &Gate{
		cfg:       cfg,
		log:       logging.GetDefault().Component("security"),
		seenOrder: list.New(),
		seen:      make(map[string]*seenEntry),
		buckets:   make(map[PeerID]*bucket),
		bans:      make(map[PeerID]*banRecord),
		quotas:    make(map[PeerID]map[string]*quotaCounter),
	}
}

// CheckInbound runs the full gate pipeline for a message arriving from peer.
// resource identifies the kind of thing being consumed (e.g. "signer-ad",
// "signing-request") for the purpose of the per-resource quota; pass "" to
// skip quota accounting (used for protocol control traffic that has no
// per-resource meaning).
func (g *Gate) CheckInbound(peer PeerID, msg *wire.Message, resource string) error {
	if len(msg.Payload) > wire.MaxPayloadSize {
		return ErrOversizedMessage
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.isBannedLocked(peer) {
		return ErrPeerBanned
	}

	if g.isDuplicateLocked(msg.MessageID) {
		g.recordViolationLocked(peer)
		return ErrDuplicateMessage
	}
	g.rememberLocked(msg.MessageID)

	if !g.allowRateLocked(peer) {
		g.recordViolationLocked(peer)
		return ErrRateLimited
	}

	if resource != "" && !g.allowQuotaLocked(peer, resource) {
		g.recordViolationLocked(peer)
		return ErrQuotaExceeded
	}

	return nil
}

// CheckOutbound validates only the size cap. Local outbound traffic never
// passes through duplicate suppression, rate limiting, bans or quotas —
// those exist to bound what remote peers can do to this node, not to
// throttle the node's own announcements.
func (g *Gate) CheckOutbound(msg *wire.Message) error {
	if len(msg.Payload) > wire.MaxPayloadSize {
		return ErrOversizedMessage
	}
	return nil
}

func (g *Gate) isDuplicateLocked(id string) bool {
	_, ok := g.seen[id]
	return ok
}

func (g *Gate) rememberLocked(id string) {
	if id == "" {
		return
	}
	if _, ok := g.seen[id]; ok {
		return
	}
	el := g.seenOrder.PushBack(id)
	g.seen[id] = &seenEntry{id: id, el: el}

	if len(g.seen) <= g.cfg.MaxSeenIDs {
		return
	}

	evictCount := int(float64(g.cfg.MaxSeenIDs) * g.cfg.EvictionFraction)
	if evictCount < 1 {
		evictCount = 1
	}
	for i := 0; i < evictCount; i++ {
		front := g.seenOrder.Front()
		if front == nil {
			break
		}
		g.seenOrder.Remove(front)
		delete(g.seen, front.Value.(string))
	}
	g.log.Debug("duplicate-suppression cache evicted", "count", evictCount, "remaining", len(g.seen))
}

func (g *Gate) allowRateLocked(peer PeerID) bool {
	now := time.Now()
	b, ok := g.buckets[peer]
	if !ok || now.After(b.windowEnd) {
		b = &bucket{tokens: g.cfg.RateLimitBurst, windowEnd: now.Add(g.cfg.RateLimitWindow)}
		g.buckets[peer] = b
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (g *Gate) allowQuotaLocked(peer PeerID, resource string) bool {
	now := time.Now()
	perResource, ok := g.quotas[peer]
	if !ok {
		perResource = make(map[string]*quotaCounter)
		g.quotas[peer] = perResource
	}
	qc, ok := perResource[resource]
	if !ok || now.After(qc.windowEnd) {
		qc = &quotaCounter{count: 0, windowEnd: now.Add(g.cfg.QuotaWindow)}
		perResource[resource] = qc
	}
	if qc.count >= g.cfg.ResourceQuota {
		return false
	}
	qc.count++
	return true
}

func (g *Gate) isBannedLocked(peer PeerID) bool {
	rec, ok := g.bans[peer]
	if !ok {
		return false
	}
	if time.Now().After(rec.bannedUntil) {
		delete(g.bans, peer)
		return false
	}
	return true
}

func (g *Gate) recordViolationLocked(peer PeerID) {
	rec, ok := g.bans[peer]
	if !ok {
		rec = &banRecord{}
		g.bans[peer] = rec
	}
	rec.violations++
	if rec.violations >= g.cfg.BanThreshold {
		rec.bannedUntil = time.Now().Add(g.cfg.BanDuration)
		g.log.Warn("peer banned", "peer", peer, "violations", rec.violations, "until", rec.bannedUntil)
	}
}

// IsBanned reports whether peer is currently banned.
func (g *Gate) IsBanned(peer PeerID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isBannedLocked(peer)
}

// Unban clears any ban and violation history for peer. Used by operators
// and by tests; never called automatically.
func (g *Gate) Unban(peer PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bans, peer)
}

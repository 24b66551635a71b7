package musig

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/swapsig-core/pkg/logging"
)

// Event is emitted by the Manager as sessions progress.
type Event struct {
	SessionID string
	Type      string // "ready_round2", "finalized", "aborted"
	Data      interface{}
	Timestamp time.Time
}

// Event types.
const (
	EventReadyRound2 = "ready_round2"
	EventFinalized   = "finalized"
	EventAborted     = "aborted"
)

// EventHandler is called when a session event occurs.
type EventHandler func(Event)

// DescriptorFetcher resolves the signer set (and optional taproot script
// tweak) for a session that was not created locally, so that JoinSession can
// register a local signer into a session it only heard about — spec.md
// §4.3's "Fetches the session descriptor from the directory if not already
// local" behavior. The implementation lives in internal/discovery, which
// resolves the signer set from the signing requests its Service has announced
// or received (held in memory, not read from the directory) and returns no
// merkle root.
type DescriptorFetcher func(id string) (signers []*btcec.PublicKey, merkleRoot []byte, err error)

// Manager owns the set of active sessions for a node and applies the
// round-timeout policy. Mirrors the single coordinator-per-node pattern:
// one Manager serializes all session state under one mutex.
type Manager struct {
	mu sync.Mutex

	cfg      Config
	sessions map[string]*sessionEntry
	fetch    DescriptorFetcher

	handlers []EventHandler
	log      *logging.Logger
}

type sessionEntry struct {
	session     *Session
	round1Deadline time.Time
	round2Deadline time.Time
}

// NewManager creates a session manager with the given configuration.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*sessionEntry),
		log:      logging.GetDefault().Component("musig-manager"),
	}
}

// OnEvent registers an event handler.
func (m *Manager) OnEvent(h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Manager) emit(sessionID, eventType string, data interface{}) {
	event := Event{SessionID: sessionID, Type: eventType, Data: data, Timestamp: time.Now()}
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	for _, h := range handlers {
		go h(event)
	}
}

// CreateSession starts a new session for the given signer set. id must be
// unique; a duplicate id returns ErrSessionExists.
func (m *Manager) CreateSession(id string, myIndex int, signers []*btcec.PublicKey, privKey *btcec.PrivateKey, merkleRoot []byte) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, ErrSessionExists
	}
	sess, err := NewSession(id, myIndex, signers, privKey, merkleRoot)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = &sessionEntry{session: sess}
	return sess, nil
}

// SetDescriptorFetcher installs the callback JoinSession uses to resolve a
// session descriptor that was not created locally. Optional: a Manager with
// no fetcher set can only join sessions it created itself.
func (m *Manager) SetDescriptorFetcher(fetch DescriptorFetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetch = fetch
}

// JoinSession returns the session for id. If id is not already local, it
// fetches the descriptor (signer set and optional merkle root) via the
// configured DescriptorFetcher, determines the caller's index by sorting the
// signer set the same way every other participant does, and registers a new
// local session for it — spec.md §4.3's joinSession(sessionId, myPrivKey).
func (m *Manager) JoinSession(id string, myPrivKey *btcec.PrivateKey) (*Session, error) {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	fetch := m.fetch
	m.mu.Unlock()
	if ok {
		return entry.session, nil
	}
	if fetch == nil {
		return nil, ErrSessionNotFound
	}

	signers, merkleRoot, err := fetch(id)
	if err != nil {
		return nil, err
	}
	sorted, myIndex := SortSigners(signers, myPrivKey.PubKey())
	if myIndex < 0 {
		return nil, ErrNotAParticipant
	}

	return m.CreateSession(id, myIndex, sorted, myPrivKey, merkleRoot)
}

// StartRound1 begins round 1 for id and arms the round-1 timeout.
func (m *Manager) StartRound1(id string, sequence uint64) (NonceEnvelope, error) {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return NonceEnvelope{}, ErrSessionNotFound
	}

	env, err := entry.session.StartRound1(sequence)
	if err != nil {
		return NonceEnvelope{}, err
	}

	m.mu.Lock()
	entry.round1Deadline = time.Now().Add(m.cfg.Round1Timeout)
	m.mu.Unlock()

	return env, nil
}

// HandleNonce feeds a peer's nonce envelope into the session. When the
// session becomes ready for round 2 it emits EventReadyRound2.
func (m *Manager) HandleNonce(id string, env NonceEnvelope) error {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	ready, err := entry.session.ReceiveNonce(env)
	if err != nil {
		return err
	}
	if ready {
		m.emit(id, EventReadyRound2, nil)
	}
	return nil
}

// StartRound2 signs msgHash for id and arms the round-2 timeout.
func (m *Manager) StartRound2(id string, msgHash *chainhash.Hash, sequence uint64) (PartialSigEnvelope, error) {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return PartialSigEnvelope{}, ErrSessionNotFound
	}

	env, err := entry.session.StartRound2(msgHash, sequence)
	if err != nil {
		return PartialSigEnvelope{}, err
	}

	m.mu.Lock()
	entry.round2Deadline = time.Now().Add(m.cfg.Round2Timeout)
	m.mu.Unlock()

	return env, nil
}

// HandlePartialSig feeds a peer's partial signature into the session. When
// every contribution has been collected it finalizes and emits
// EventFinalized with the resulting signature, then removes the session.
func (m *Manager) HandlePartialSig(id string, env PartialSigEnvelope) error {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	ready, err := entry.session.ReceivePartialSig(env)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	sig, err := entry.session.Finalize()
	if err != nil {
		m.Abort(id, err)
		return err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.emit(id, EventFinalized, sig)
	return nil
}

// Abort aborts and removes the session for id.
func (m *Manager) Abort(id string, reason error) {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	entry.session.Abort(reason)
	m.emit(id, EventAborted, reason)
}

// CheckTimeouts scans all sessions for expired round deadlines and aborts
// them with ErrPhaseTimeout. Intended to be called periodically from a
// single goroutine (e.g. a ticker in the owning node's run loop).
func (m *Manager) CheckTimeouts() {
	now := time.Now()

	var expired []string
	m.mu.Lock()
	for id, entry := range m.sessions {
		phase := entry.session.Phase()
		if phase == PhaseRound1 && !entry.round1Deadline.IsZero() && now.After(entry.round1Deadline) {
			expired = append(expired, id)
		} else if phase == PhaseRound2 && !entry.round2Deadline.IsZero() && now.After(entry.round2Deadline) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Abort(id, ErrPhaseTimeout)
	}
}

// ActiveSessionCount returns the number of sessions currently tracked.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

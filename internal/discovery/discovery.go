package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/swapsig-core/internal/directory"
	"github.com/klingon-exchange/swapsig-core/internal/musig"
	"github.com/klingon-exchange/swapsig-core/internal/security"
	"github.com/klingon-exchange/swapsig-core/internal/transport"
	"github.com/klingon-exchange/swapsig-core/internal/wire"
	"github.com/klingon-exchange/swapsig-core/pkg/helpers"
	"github.com/klingon-exchange/swapsig-core/pkg/logging"
)

// signerTopic is the pub-sub topic a signer listens on for signing requests
// naming its own public key — Phase 3's auto-join channel (spec.md §4.4).
func signerTopic(pub *btcec.PublicKey) string {
	return "swapsig/signing-request/" + hex.EncodeToString(pub.SerializeCompressed())
}

// messageIDFor derives the gate's duplicate-suppression key for a pub-sub
// delivery that never carried an explicit wire.Message envelope: discovery
// traffic is plain JSON, not the wire package's binary protocol frame, so
// the dedup key is a content hash rather than a sender-assigned id.
func messageIDFor(topic string, payload []byte) string {
	h := sha256.Sum256(append([]byte(topic), payload...))
	return hex.EncodeToString(h[:])
}

// joinTopic carries SESSION_JOIN announcements for one signing request, so
// every participant (the creator and every joiner) can independently track
// the joined set and emit SESSION_READY the moment it completes.
func joinTopic(requestID string) string {
	return "swapsig/session-join/" + requestID
}

// sessionJoinMsg is the wire body published on a request's joinTopic when a
// participant registers itself — spec.md §4.4's SESSION_JOIN message.
type sessionJoinMsg struct {
	RequestID    string `json:"requestId"`
	JoinerPubKey []byte `json:"joinerPubKey"`
}

// AutoJoinPolicy decides whether the local node accepts an incoming signing
// request. The zero value (nil) auto-approves everything, matching
// spec.md §4.4 Phase 3's default "auto-approve" behavior for automated
// higher-layer orchestrators; a caller that wants manual confirmation
// installs its own policy via SetAutoJoinPolicy.
type AutoJoinPolicy func(req *SigningRequestBody) bool

// SessionReadyHandler is invoked exactly once per request, on every peer
// that has joined it, the moment the joined set equals requiredPubKeys —
// spec.md §4.4's SESSION_READY(sessionId, requestId).
type SessionReadyHandler func(requestID string)

// Config bounds the discovery service's TTL defaults.
type Config struct {
	AdvertisementTTL time.Duration
	RequestTTL       time.Duration
}

// DefaultConfig mirrors the directory package's own TTL defaults.
func DefaultConfig() Config {
	return Config{
		AdvertisementTTL: 10 * time.Minute,
		RequestTTL:       5 * time.Minute,
	}
}

// requestTracking holds one signing request's join-progress state.
type requestTracking struct {
	required map[string]bool // hex(pubkey) -> true
	joined   map[string]bool // hex(pubkey) -> true
	ready    bool
}

// Service implements the three-phase discovery protocol over a Directory
// and a transport.Adapter: advertise, discover, announce, and the Phase-3
// auto-join loop that tracks SESSION_JOIN messages through to
// SESSION_READY.
type Service struct {
	cfg       Config
	dir       *directory.Directory
	transport transport.Adapter
	musigMgr  *musig.Manager
	policy    AutoJoinPolicy
	gate      *security.Gate
	log       *logging.Logger

	mu            sync.Mutex
	tracking      map[string]*requestTracking // requestID -> state
	readyHandlers []SessionReadyHandler

	descMu             sync.Mutex
	sessionDescriptors map[string]*SigningRequestBody

	topicMu  sync.Mutex
	handlers map[string]func(transport.Event)
}

// New creates a discovery Service. musigMgr may be nil for a node that only
// advertises/discovers and never needs to register a local MuSig2 session.
func New(cfg Config, dir *directory.Directory, t transport.Adapter, musigMgr *musig.Manager) *Service {
	s := &Service{
		cfg:                cfg,
		dir:                dir,
		transport:          t,
		musigMgr:           musigMgr,
		log:                logging.GetDefault().Component("discovery"),
		tracking:           make(map[string]*requestTracking),
		sessionDescriptors: make(map[string]*SigningRequestBody),
		handlers:           make(map[string]func(transport.Event)),
	}
	if musigMgr != nil {
		musigMgr.SetDescriptorFetcher(s.fetchSessionDescriptor)
	}
	return s
}

// SetAutoJoinPolicy installs the policy Phase 3 consults before joining a
// signing request. Pass nil to restore auto-approve-everything.
func (s *Service) SetAutoJoinPolicy(p AutoJoinPolicy) {
	s.policy = p
}

// SetGate installs the inbound hygiene gate every pub-sub message is run
// through before dispatch: size cap, duplicate suppression, per-peer rate
// limit and ban enforcement. Pass nil (the zero value) to run unguarded,
// which is only appropriate in tests.
func (s *Service) SetGate(g *security.Gate) {
	s.gate = g
}

// OnSessionReady registers h to run whenever a request this node has
// joined (as creator or as an auto-joining signer) reaches SESSION_READY.
func (s *Service) OnSessionReady(h SessionReadyHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyHandlers = append(s.readyHandlers, h)
}

// Run drains the transport's event channel and dispatches each EventMessage
// to whichever topic handler Subscribe/on-topic registration installed for
// it. One Run call per Service; it returns when ctx is cancelled or the
// event channel closes.
func (s *Service) Run(ctx context.Context) error {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != transport.EventMessage {
				continue
			}
			if s.gate != nil {
				msg := &wire.Message{Payload: ev.Payload, MessageID: messageIDFor(ev.Topic, ev.Payload)}
				if err := s.gate.CheckInbound(security.PeerID(ev.PeerID), msg, ev.Topic); err != nil {
					s.log.Debug("gate rejected message", "peer", ev.PeerID, "topic", ev.Topic, "error", err)
					continue
				}
			}
			s.topicMu.Lock()
			h := s.handlers[ev.Topic]
			s.topicMu.Unlock()
			if h != nil {
				h(ev)
			}
		}
	}
}

func (s *Service) onTopic(ctx context.Context, topic string, h func(transport.Event)) error {
	s.topicMu.Lock()
	_, already := s.handlers[topic]
	s.handlers[topic] = h
	s.topicMu.Unlock()
	if already {
		return nil
	}
	return s.transport.Subscribe(ctx, topic)
}

// AdvertiseSigner publishes a signed capability announcement under
// directory.KindSigner, keyed by the signer's own compressed public key,
// and on the capability-class topic — spec.md §4.4 Phase 0.
func (s *Service) AdvertiseSigner(ctx context.Context, priv *btcec.PrivateKey, capability Capability, meta Metadata, ttl time.Duration) (*directory.Record, error) {
	if ttl <= 0 {
		ttl = s.cfg.AdvertisementTTL
	}
	now := time.Now()
	pub := priv.PubKey()

	body := AdvertisementBody{
		Peer:         s.transport.PeerID(),
		SignerPubKey: pub.SerializeCompressed(),
		Capability:   capability,
		Metadata:     meta,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
	}
	encoded, err := body.encode()
	if err != nil {
		return nil, fmt.Errorf("discovery: encode advertisement: %w", err)
	}

	id := hex.EncodeToString(pub.SerializeCompressed())
	rec := &directory.Record{
		Kind:      directory.KindSigner,
		ID:        id,
		Body:      encoded,
		SignerKey: pub,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := rec.Sign(priv); err != nil {
		return nil, fmt.Errorf("discovery: sign advertisement: %w", err)
	}
	if err := s.dir.Publish(ctx, rec); err != nil {
		return nil, err
	}

	if recData, err := rec.Encode(); err == nil {
		for _, txType := range capability.TxTypes {
			if err := s.transport.Publish(ctx, "swapsig/signers/"+txType, recData); err != nil {
				s.log.Warn("publish advertisement to capability topic failed", "txType", txType, "error", err)
			}
		}
	}
	return rec, nil
}

// FindAvailableSigners scans the local directory cache for unexpired signer
// advertisements matching filter, returning them ordered by reputation
// (descending), then fee rate (ascending), then a lexicographic public-key
// tie-break — spec.md §4.4 Phase 1's deterministic ordering. Advertisements
// with an invalid signature or an expired TTL are silently discarded.
func (s *Service) FindAvailableSigners(ctx context.Context, filter Filter) ([]*AdvertisementBody, error) {
	records := s.dir.List(directory.KindSigner)

	matches := make([]*AdvertisementBody, 0, len(records))
	for _, rec := range records {
		if err := rec.Verify(); err != nil {
			continue
		}
		body, err := decodeAdvertisement(rec.Body)
		if err != nil {
			continue
		}
		if !filter.matches(body) {
			continue
		}
		matches = append(matches, body)
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Metadata.Reputation != b.Metadata.Reputation {
			return a.Metadata.Reputation > b.Metadata.Reputation
		}
		if a.Metadata.FeeRate != b.Metadata.FeeRate {
			return a.Metadata.FeeRate < b.Metadata.FeeRate
		}
		return helpers.CompareBytes(a.SignerPubKey, b.SignerPubKey) < 0
	})

	if filter.MaxResults > 0 && len(matches) > filter.MaxResults {
		matches = matches[:filter.MaxResults]
	}
	return matches, nil
}

// AnnounceSigningRequest publishes a signed signing request naming
// requiredPubKeys, notifies every required signer (other than the creator)
// on their own signer-scoped topic, and begins tracking SESSION_JOIN
// messages on the request's join topic — spec.md §4.4 Phase 2. The
// creator's own key must be present in requiredPubKeys (the data-model
// invariant spec.md §3 states for SigningRequest); the creator counts as
// already joined.
func (s *Service) AnnounceSigningRequest(ctx context.Context, priv *btcec.PrivateKey, requiredPubKeys []*btcec.PublicKey, message []byte, metadata map[string]string) (string, error) {
	now := time.Now()
	creatorPub := priv.PubKey().SerializeCompressed()

	required := make([][]byte, len(requiredPubKeys))
	for i, pk := range requiredPubKeys {
		required[i] = pk.SerializeCompressed()
	}

	requestID := requestIDFor(creatorPub, required, message, now)

	body := SigningRequestBody{
		RequestID:       requestID,
		CreatorPubKey:   creatorPub,
		RequiredPubKeys: required,
		Message:         message,
		Metadata:        metadata,
		IssuedAt:        now.Unix(),
	}
	if !body.IncludesCreator() {
		return "", ErrCreatorNotIncluded
	}

	encoded, err := body.encode()
	if err != nil {
		return "", fmt.Errorf("discovery: encode signing request: %w", err)
	}

	rec := &directory.Record{
		Kind:      directory.KindSigningRequest,
		ID:        requestID,
		Body:      encoded,
		SignerKey: priv.PubKey(),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RequestTTL),
	}
	if err := rec.Sign(priv); err != nil {
		return "", fmt.Errorf("discovery: sign signing request: %w", err)
	}
	if err := s.dir.Publish(ctx, rec); err != nil {
		return "", err
	}

	s.descMu.Lock()
	s.sessionDescriptors[requestID] = &body
	s.descMu.Unlock()

	if err := s.beginTracking(ctx, requestID, required, creatorPub); err != nil {
		return "", err
	}

	recData, err := rec.Encode()
	if err != nil {
		return "", err
	}
	for _, pk := range requiredPubKeys {
		if pk.IsEqual(priv.PubKey()) {
			continue
		}
		topic := signerTopic(pk)
		if err := s.transport.Publish(ctx, topic, recData); err != nil {
			s.log.Warn("publish signing request to signer topic failed", "topic", topic, "error", err)
		}
	}
	return requestID, nil
}

func requestIDFor(creatorPub []byte, required [][]byte, message []byte, issuedAt time.Time) string {
	h := sha256.New()
	h.Write(creatorPub)
	for _, r := range required {
		h.Write(r)
	}
	h.Write(message)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issuedAt.UnixNano()))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}

// beginTracking subscribes to requestID's join topic and records self as
// already joined (the creator always satisfies its own join), then checks
// for immediate readiness (the single-signer degenerate case).
func (s *Service) beginTracking(ctx context.Context, requestID string, required [][]byte, self []byte) error {
	s.mu.Lock()
	track, ok := s.tracking[requestID]
	if !ok {
		track = &requestTracking{required: make(map[string]bool), joined: make(map[string]bool)}
		for _, r := range required {
			track.required[hex.EncodeToString(r)] = true
		}
		s.tracking[requestID] = track
	}
	track.joined[hex.EncodeToString(self)] = true
	s.mu.Unlock()

	if err := s.onTopic(ctx, joinTopic(requestID), s.handleJoinEvent); err != nil {
		return fmt.Errorf("discovery: subscribe join topic: %w", err)
	}
	s.checkReady(requestID)
	return nil
}

func (s *Service) handleJoinEvent(ev transport.Event) {
	var msg sessionJoinMsg
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		return
	}
	s.mu.Lock()
	track, ok := s.tracking[msg.RequestID]
	if ok {
		track.joined[hex.EncodeToString(msg.JoinerPubKey)] = true
	}
	s.mu.Unlock()
	if ok {
		s.checkReady(msg.RequestID)
	}
}

// checkReady emits SESSION_READY on this node exactly once, the first time
// the joined set for requestID equals its required set.
func (s *Service) checkReady(requestID string) {
	s.mu.Lock()
	track, ok := s.tracking[requestID]
	if !ok || track.ready {
		s.mu.Unlock()
		return
	}
	complete := len(track.joined) >= len(track.required)
	if complete {
		for k := range track.required {
			if !track.joined[k] {
				complete = false
				break
			}
		}
	}
	if !complete {
		s.mu.Unlock()
		return
	}
	track.ready = true
	handlers := append([]SessionReadyHandler{}, s.readyHandlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(requestID)
	}
}

// ListenAndAutoJoin subscribes to the signer-scoped topic for priv's public
// key and, for every signing request naming it, verifies the request,
// consults the auto-join policy, registers a local MuSig2 session (if a
// manager was configured), and announces SESSION_JOIN — spec.md §4.4 Phase
// 3. Call Run in a separate goroutine to actually drain events; this method
// only registers the topic handler and returns once subscribed.
func (s *Service) ListenAndAutoJoin(ctx context.Context, priv *btcec.PrivateKey) error {
	topic := signerTopic(priv.PubKey())
	return s.onTopic(ctx, topic, func(ev transport.Event) {
		if err := s.handleSigningRequest(ctx, priv, ev.Payload); err != nil {
			s.log.Warn("auto-join failed", "error", err)
		}
	})
}

func (s *Service) handleSigningRequest(ctx context.Context, priv *btcec.PrivateKey, payload []byte) error {
	rec, err := directory.Decode(payload)
	if err != nil {
		return err
	}
	if err := rec.Verify(); err != nil {
		return ErrInvalidSignature
	}
	if rec.Expired(time.Now()) {
		return ErrExpired
	}
	if rec.Kind != directory.KindSigningRequest {
		return nil
	}
	s.dir.Cache(rec)

	req, err := decodeSigningRequest(rec.Body)
	if err != nil {
		return err
	}
	if !req.IncludesCreator() {
		return ErrCreatorNotIncluded
	}

	myPub := priv.PubKey().SerializeCompressed()
	isRequired := false
	for _, pk := range req.RequiredPubKeys {
		if string(pk) == string(myPub) {
			isRequired = true
			break
		}
	}
	if !isRequired {
		return ErrNotRequired
	}

	if s.policy != nil && !s.policy(req) {
		return nil
	}

	s.descMu.Lock()
	s.sessionDescriptors[req.RequestID] = req
	s.descMu.Unlock()

	if s.musigMgr != nil {
		if _, err := s.musigMgr.JoinSession(req.RequestID, priv); err != nil {
			return fmt.Errorf("discovery: join session: %w", err)
		}
	}

	if err := s.beginTracking(ctx, req.RequestID, req.RequiredPubKeys, myPub); err != nil {
		return err
	}
	// The creator never publishes a SESSION_JOIN of its own; it counts as
	// joined from the moment it announced the request.
	s.mu.Lock()
	if track, ok := s.tracking[req.RequestID]; ok {
		track.joined[hex.EncodeToString(req.CreatorPubKey)] = true
	}
	s.mu.Unlock()
	s.checkReady(req.RequestID)

	msg := sessionJoinMsg{RequestID: req.RequestID, JoinerPubKey: myPub}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.transport.Publish(ctx, joinTopic(req.RequestID), data)
}

// fetchSessionDescriptor implements musig.DescriptorFetcher on top of the
// signing requests this Service has seen, letting a late-joining
// musig.Manager resolve the signer set for a session it did not create
// locally.
func (s *Service) fetchSessionDescriptor(id string) ([]*btcec.PublicKey, []byte, error) {
	s.descMu.Lock()
	req, ok := s.sessionDescriptors[id]
	s.descMu.Unlock()
	if !ok {
		return nil, nil, ErrNotRequired
	}
	signers, err := req.Signers()
	if err != nil {
		return nil, nil, err
	}
	return signers, nil, nil
}

package musig

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/swapsig-core/pkg/helpers"
	"github.com/klingon-exchange/swapsig-core/pkg/logging"
)

// Session is a single n-of-n MuSig2 signing session. One Session exists per
// signing request: every participant runs an identical state machine keyed
// by its own index into the sorted signer set.
//
// SECURITY: a nonce is single-use. Once Sign has produced a partial
// signature the session is invalidated; a new Session (with fresh nonces)
// is required to sign again, even for the same group of signers.
type Session struct {
	mu sync.Mutex

	id      string
	myIndex int
	signers []*btcec.PublicKey // sorted ascending by compressed bytes
	privKey *btcec.PrivateKey

	merkleRoot []byte // non-nil for taproot script-path-tweaked group keys

	aggregatedKey *musig2.AggregateKey

	phase Phase

	localNonces *musig2.Nonces
	nonceUsed   bool
	invalidated bool

	pubNonces  map[int][musig2.PubNonceSize]byte
	partialSigs map[int]*musig2.PartialSignature

	lastSequence map[int]uint64

	ctx     *musig2.Context
	sess    *musig2.Session
	msgHash *chainhash.Hash

	log *logging.Logger
}

// NewSession creates a session for myIndex among signers (which must already
// be sorted ascending by compressed-pubkey bytes — callers use SortSigners).
// merkleRoot is non-nil when the group output commits to a taproot script
// tree in addition to the key-path spend; pass nil for key-path-only groups.
func NewSession(id string, myIndex int, signers []*btcec.PublicKey, privKey *btcec.PrivateKey, merkleRoot []byte) (*Session, error) {
	if myIndex < 0 || myIndex >= len(signers) {
		return nil, ErrNotAParticipant
	}
	if !privKey.PubKey().IsEqual(signers[myIndex]) {
		return nil, fmt.Errorf("%w: private key does not match signers[%d]", ErrNotAParticipant, myIndex)
	}

	aggKey, _, _, err := musig2.AggregateKeys(signers, true)
	if err != nil {
		return nil, fmt.Errorf("key aggregation failed: %w", err)
	}

	return &Session{
		id:           id,
		myIndex:      myIndex,
		signers:      signers,
		privKey:      privKey,
		merkleRoot:   merkleRoot,
		aggregatedKey: aggKey,
		phase:        PhaseCreated,
		pubNonces:    make(map[int][musig2.PubNonceSize]byte),
		partialSigs:  make(map[int]*musig2.PartialSignature),
		lastSequence: make(map[int]uint64),
		log:          logging.GetDefault().Component("musig").With("session", id),
	}, nil
}

// SortSigners returns signers sorted ascending by compressed-bytes,
// along with the caller's index in the sorted order. Every participant
// must call this on the same input set to agree on aggregation order.
func SortSigners(signers []*btcec.PublicKey, self *btcec.PublicKey) ([]*btcec.PublicKey, int) {
	sorted := make([]*btcec.PublicKey, len(signers))
	copy(sorted, signers)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && helpers.CompareBytes(sorted[j-1].SerializeCompressed(), sorted[j].SerializeCompressed()) > 0; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	myIndex := -1
	for i, pk := range sorted {
		if pk.IsEqual(self) {
			myIndex = i
			break
		}
	}
	return sorted, myIndex
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// AggregatedPubKey returns the MuSig2 group public key (untweaked).
func (s *Session) AggregatedPubKey() *btcec.PublicKey {
	return s.aggregatedKey.FinalKey
}

// TweakedPubKey returns the taproot output key: the group key tweaked for
// key-path spending, optionally committing to merkleRoot for a script tree.
func (s *Session) TweakedPubKey() *btcec.PublicKey {
	return txscript.ComputeTaprootOutputKey(s.aggregatedKey.FinalKey, s.merkleRoot)
}

// StartRound1 generates this signer's nonce and returns the envelope to
// broadcast to the rest of the group.
//
// SECURITY: any previously generated nonce is marked as permanently unusable
// before a new one is produced; MuSig2 nonce reuse across two different
// signatures leaks the private key.
func (s *Session) StartRound1(sequence uint64) (NonceEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseAborted {
		return NonceEnvelope{}, ErrAborted
	}
	if s.phase != PhaseCreated {
		return NonceEnvelope{}, fmt.Errorf("%w: StartRound1 requires CREATED, have %s", ErrWrongPhase, s.phase)
	}

	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.signers[s.myIndex]))
	if err != nil {
		return NonceEnvelope{}, fmt.Errorf("nonce generation failed: %w", err)
	}
	s.localNonces = nonces
	s.nonceUsed = false
	s.invalidated = false
	s.pubNonces[s.myIndex] = nonces.PubNonce
	s.lastSequence[s.myIndex] = sequence
	s.phase = PhaseRound1

	return NonceEnvelope{SignerIndex: s.myIndex, Sequence: sequence, PubNonce: nonces.PubNonce}, nil
}

// ReceiveNonce records a peer's round-1 nonce. Returns true once every
// participant's nonce has been collected and the session is ready for
// StartRound2.
func (s *Session) ReceiveNonce(env NonceEnvelope) (ready bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseAborted {
		return false, ErrAborted
	}
	if env.SignerIndex < 0 || env.SignerIndex >= len(s.signers) {
		return false, ErrNotAParticipant
	}
	if s.phase != PhaseRound1 {
		return false, fmt.Errorf("%w: nonce not accepted in phase %s", ErrWrongPhase, s.phase)
	}
	if err := s.checkSequenceLocked(env.SignerIndex, env.Sequence); err != nil {
		return false, err
	}

	if existing, ok := s.pubNonces[env.SignerIndex]; ok && existing != env.PubNonce {
		return false, fmt.Errorf("%w: signer %d sent conflicting nonces", ErrProtocolViolation, env.SignerIndex)
	}

	s.pubNonces[env.SignerIndex] = env.PubNonce
	s.lastSequence[env.SignerIndex] = env.Sequence

	return len(s.pubNonces) == len(s.signers), nil
}

// checkSequenceLocked enforces the replay window: sequence numbers from a
// given signer must strictly increase, and may not jump further ahead than
// maxSequenceGap (a defense against a compromised peer racing its own state
// far into the future to desynchronize the rest of the group).
func (s *Session) checkSequenceLocked(signerIndex int, sequence uint64) error {
	last, ok := s.lastSequence[signerIndex]
	if !ok {
		return nil
	}
	if sequence <= last {
		return fmt.Errorf("%w: signer %d sequence %d <= last seen %d", ErrInvalidSequenceNumber, signerIndex, sequence, last)
	}
	if sequence-last > maxSequenceGap {
		return fmt.Errorf("%w: signer %d sequence %d exceeds gap window from %d", ErrInvalidSequenceNumber, signerIndex, sequence, last)
	}
	return nil
}

// StartRound2 builds the MuSig2 signing context from the collected nonces
// and produces this signer's partial signature over msgHash.
func (s *Session) StartRound2(msgHash *chainhash.Hash, sequence uint64) (PartialSigEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseAborted {
		return PartialSigEnvelope{}, ErrAborted
	}
	if s.phase != PhaseRound1 || len(s.pubNonces) != len(s.signers) {
		return PartialSigEnvelope{}, fmt.Errorf("%w: StartRound2 requires all nonces collected", ErrWrongPhase)
	}
	if s.invalidated {
		return PartialSigEnvelope{}, ErrSessionInvalidated
	}
	if s.nonceUsed {
		return PartialSigEnvelope{}, ErrNonceAlreadyUsed
	}

	ctxOpts := []musig2.ContextOption{musig2.WithKnownSigners(s.signers)}
	if len(s.merkleRoot) > 0 {
		ctxOpts = append(ctxOpts, musig2.WithTaprootTweakCtx(s.merkleRoot))
	} else {
		ctxOpts = append(ctxOpts, musig2.WithBip86TweakCtx())
	}

	ctx, err := musig2.NewContext(s.privKey, false, ctxOpts...)
	if err != nil {
		return PartialSigEnvelope{}, fmt.Errorf("failed to create signing context: %w", err)
	}
	s.ctx = ctx

	sess, err := ctx.NewSession(musig2.WithPreGeneratedNonce(s.localNonces))
	if err != nil {
		return PartialSigEnvelope{}, fmt.Errorf("failed to create musig2 session: %w", err)
	}
	for idx, nonce := range s.pubNonces {
		if idx == s.myIndex {
			continue
		}
		if _, err := sess.RegisterPubNonce(nonce); err != nil {
			return PartialSigEnvelope{}, fmt.Errorf("failed to register nonce from signer %d: %w", idx, err)
		}
	}
	s.sess = sess
	s.msgHash = msgHash

	partialSig, err := sess.Sign(*msgHash)
	if err != nil {
		return PartialSigEnvelope{}, fmt.Errorf("signing failed: %w", err)
	}

	s.nonceUsed = true
	s.invalidated = true
	s.partialSigs[s.myIndex] = partialSig
	s.lastSequence[s.myIndex] = sequence
	s.phase = PhaseRound2

	return PartialSigEnvelope{SignerIndex: s.myIndex, Sequence: sequence, Sig: partialSig}, nil
}

// ReceivePartialSig records a peer's round-2 partial signature. Returns true
// once every participant's contribution has been collected and Finalize can
// be called.
func (s *Session) ReceivePartialSig(env PartialSigEnvelope) (ready bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseAborted {
		return false, ErrAborted
	}
	if env.SignerIndex < 0 || env.SignerIndex >= len(s.signers) {
		return false, ErrNotAParticipant
	}
	if s.phase != PhaseRound2 {
		return false, fmt.Errorf("%w: partial signature not accepted in phase %s", ErrWrongPhase, s.phase)
	}
	if err := s.checkSequenceLocked(env.SignerIndex, env.Sequence); err != nil {
		return false, err
	}

	if s.sess == nil {
		return false, fmt.Errorf("%w: local session not initialized for round 2", ErrProtocolViolation)
	}
	if env.SignerIndex != s.myIndex {
		haveAll, err := s.sess.CombineSig(env.Sig)
		if err != nil {
			return false, fmt.Errorf("%w: failed to combine signature from signer %d: %v", ErrProtocolViolation, env.SignerIndex, err)
		}
		_ = haveAll
	}

	s.partialSigs[env.SignerIndex] = env.Sig
	s.lastSequence[env.SignerIndex] = env.Sequence

	return len(s.partialSigs) == len(s.signers), nil
}

// Finalize assembles the final Schnorr signature once every partial
// signature has been received, and verifies it against the tweaked group
// key before returning it.
func (s *Session) Finalize() (*schnorr.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseAborted {
		return nil, ErrAborted
	}
	if len(s.partialSigs) != len(s.signers) {
		return nil, fmt.Errorf("%w: Finalize requires all partial signatures", ErrWrongPhase)
	}
	if s.sess == nil || s.msgHash == nil {
		return nil, fmt.Errorf("%w: local session not initialized", ErrProtocolViolation)
	}

	finalSig := s.sess.FinalSig()
	if finalSig == nil {
		return nil, fmt.Errorf("%w: final signature not available", ErrProtocolViolation)
	}

	if !finalSig.Verify(s.msgHash[:], s.TweakedPubKey()) {
		return nil, ErrAggregationMismatch
	}

	s.phase = PhaseFinalized
	return finalSig, nil
}

// Abort marks the session as dead. Any message received after Abort returns
// ErrAborted; the session must be discarded by the caller.
func (s *Session) Abort(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseFinalized {
		return
	}
	s.phase = PhaseAborted
	s.log.Warn("session aborted", "reason", reason)
}

// MyIndex returns the caller's index in the sorted signer set.
func (s *Session) MyIndex() int { return s.myIndex }

// Signers returns the sorted signer set.
func (s *Session) Signers() []*btcec.PublicKey { return s.signers }

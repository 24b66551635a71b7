// Package musig implements the n-of-n MuSig2 session core: key aggregation,
// the two-round nonce/partial-signature exchange, and finalization.
package musig

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// Phase is the signing session's position in the two-round protocol.
type Phase int

const (
	// PhaseCreated: session exists, nonces not yet generated.
	PhaseCreated Phase = iota
	// PhaseRound1: local nonce generated, waiting on peer nonces.
	PhaseRound1
	// PhaseRound2: all nonces collected, waiting on peer partial signatures.
	PhaseRound2
	// PhaseFinalized: final signature assembled.
	PhaseFinalized
	// PhaseAborted: session was aborted and can no longer make progress.
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "CREATED"
	case PhaseRound1:
		return "ROUND1"
	case PhaseRound2:
		return "ROUND2"
	case PhaseFinalized:
		return "FINALIZED"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Session errors.
var (
	ErrNotAParticipant     = errors.New("musig: signer index is not a participant in this session")
	ErrSessionNotFound     = errors.New("musig: session not found")
	ErrSessionExists       = errors.New("musig: session already exists")
	ErrWrongPhase          = errors.New("musig: message not valid in current phase")
	ErrProtocolViolation   = errors.New("musig: protocol violation")
	ErrInvalidSequenceNumber = errors.New("musig: sequence number outside replay window")
	ErrPhaseTimeout        = errors.New("musig: phase deadline exceeded")
	ErrNonceAlreadyUsed    = errors.New("musig: nonce already used, generate new nonces before signing again")
	ErrSessionInvalidated  = errors.New("musig: session invalidated after signing")
	ErrAggregationMismatch = errors.New("musig: aggregated key does not match expected group key")
	ErrAborted             = errors.New("musig: session aborted")
)

// maxSequenceGap bounds how far a signer's sequence number may jump ahead of
// the last one accepted from them. It rejects both stale replays (sequence
// at or below what was last seen) and implausible forward jumps.
const maxSequenceGap = 100

// Config controls session-level round timeouts. The replay window is the
// fixed maxSequenceGap constant, not a Config field.
type Config struct {
	Round1Timeout time.Duration // max time to wait for all pub nonces (default: 2m)
	Round2Timeout time.Duration // max time to wait for all partial sigs (default: 2m)
}

// DefaultConfig returns the session manager's default configuration.
func DefaultConfig() Config {
	return Config{
		Round1Timeout: 2 * time.Minute,
		Round2Timeout: 2 * time.Minute,
	}
}

// PartialSigEnvelope is the wire-level representation of a signer's
// contribution in round 2, paired with the replay-protection sequence
// number for the signer that produced it.
type PartialSigEnvelope struct {
	SignerIndex int
	Sequence    uint64
	Sig         *musig2.PartialSignature
}

// NonceEnvelope is the wire-level representation of a signer's round-1
// public nonce, paired with its replay-protection sequence number.
type NonceEnvelope struct {
	SignerIndex int
	Sequence    uint64
	PubNonce    [musig2.PubNonceSize]byte
}

// Package swappool implements the swap pool orchestrator: coordinated
// equal-denomination Taproot swaps across a dynamically-sized set of
// participants, with a Sybil-defense burn output on every setup
// transaction — spec.md §4.5/§4.6.
package swappool

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/klingon-exchange/swapsig-core/pkg/logging"
)

// Orchestrator errors, named after spec.md §7's error taxonomy.
var (
	ErrPoolNotFound            = errors.New("swappool: pool not found")
	ErrPoolExists              = errors.New("swappool: pool already exists")
	ErrWrongPhase              = errors.New("swappool: operation not allowed in current phase")
	ErrDenominationMismatch    = errors.New("swappool: input amount does not match pool denomination")
	ErrInsufficientParticipants = errors.New("swappool: participant count below minimum")
	ErrParticipantDisconnected = errors.New("swappool: participant disconnected after setup began")
	ErrUnknownParticipant      = errors.New("swappool: peer is not a participant in this pool")
	ErrInvalidSignature        = errors.New("swappool: signature does not verify")
	ErrCommitmentMismatch      = errors.New("swappool: revealed destination does not match committed digest")
	ErrConfirmationTimeout     = errors.New("swappool: setup confirmation did not arrive before deadline")
	ErrPoolFull                = errors.New("swappool: pool has reached maxParticipants")
)

// Phase is the pool's position in its lifecycle state machine.
type Phase int

const (
	PhaseDiscovery Phase = iota
	PhaseRegistration
	PhaseSetup
	PhaseSetupConfirm
	PhaseReveal
	PhaseSettlement
	PhaseSettlementConfirm
	PhaseComplete
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovery:
		return "DISCOVERY"
	case PhaseRegistration:
		return "REGISTRATION"
	case PhaseSetup:
		return "SETUP"
	case PhaseSetupConfirm:
		return "SETUP_CONFIRM"
	case PhaseReveal:
		return "REVEAL"
	case PhaseSettlement:
		return "SETTLEMENT"
	case PhaseSettlementConfirm:
		return "SETTLEMENT_CONFIRM"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Input is the UTXO a participant contributes to the pool.
type Input struct {
	TxID        string
	OutputIndex uint32
	Amount      uint64
	Script      []byte // scriptPubKey of the output being spent
	Address     string
}

// Participant is one registered member of a pool, indexed by its position
// in the pool's participant list; indices are renumbered when a peer is
// dropped during DISCOVERY/REGISTRATION — spec.md §3's Participant.
type Participant struct {
	Peer                     string
	ParticipantIndex         int
	SignerPubKey             *btcec.PublicKey
	Input                    Input
	OwnershipProof           *schnorr.Signature
	FinalDestinationEncrypted []byte
	FinalDestinationCommitment [32]byte
	FinalAddress             []byte // revealed at REVEAL, nil until then
	SetupTxID                string
	SetupConfirmed           bool
	JoinedAt                 time.Time
}

// BurnConfig parameterizes the Sybil-defense burn output — spec.md §3's
// BurnConfig / §4.6.
type BurnConfig struct {
	BurnPercentage float64
	MinimumBurn    uint64
	MaximumBurn    uint64
	BurnIdentifier []byte // tag bytes committed into the unspendable script
	PoolIDInBurn   bool
	Version        uint8
}

// GroupSizeStrategy is the dynamic-group-sizing decision for a pool of n
// participants — spec.md §4.5's "Dynamic group sizing".
type GroupSizeStrategy struct {
	GroupSize          int
	GroupCount         int
	AnonymityPerGroup  uint64
	RecommendedRounds  int
	Reasoning          string
}

// SharedOutput is one group's MuSig2-aggregated Taproot setup output —
// spec.md §3's sharedOutputs entry.
type SharedOutput struct {
	Signers        []*btcec.PublicKey // group members in participant order; key aggregation sorts its own copy
	ParticipantIdx []int              // pool participant indices, same order as Signers
	AggregatedKey  *btcec.PublicKey
	TweakedKey     *btcec.PublicKey
	ScriptPubKey   []byte
	Amount         uint64
	SetupTxIDs     []string // one setup txid per group member (each funds the shared output independently)
	Confirmed      bool
}

// SettlementInfo records where one shared output's funds are paid —
// spec.md §3's settlementMapping entry.
type SettlementInfo struct {
	OutputIndex     int
	ReceiverIndex   int
	Amount          uint64
	SettlementTxID  string
	RequestID       string // discovery signing-request id for this settlement
	Confirmed       bool
}

// Params configures a new pool — spec.md §4.5's createPool(params).
type Params struct {
	Denomination      uint64
	MinParticipants   int
	MaxParticipants   int
	FeeRate           uint64 // sat/vB
	Burn              BurnConfig
	SetupTimeout      time.Duration
	SettlementTimeout time.Duration
	ConfirmationsRequired uint32
}

// DefaultParams returns the default pool parameters (Denomination is left
// zero), mirroring the teacher's CoordinatorConfig defaulting style.
// CreatePool uses its params as given and does not fill in zero fields.
func DefaultParams() Params {
	return Params{
		MinParticipants:       3,
		MaxParticipants:       10,
		FeeRate:               10,
		SetupTimeout:          10 * time.Minute,
		SettlementTimeout:     10 * time.Minute,
		ConfirmationsRequired: 1,
		Burn: BurnConfig{
			BurnPercentage: 0.001,
			MinimumBurn:    1000,
			MaximumBurn:    100_000,
			BurnIdentifier: []byte("SWAPSIGBURN"),
			PoolIDInBurn:   true,
			Version:        1,
		},
	}
}

// Event is emitted by the Pool as its lifecycle advances.
type Event struct {
	PoolID    string
	Type      string
	Data      interface{}
	Timestamp time.Time
}

// Event types.
const (
	EventParticipantRegistered = "participant_registered"
	EventParticipantDropped    = "participant_dropped"
	EventSetupComplete         = "setup_complete"
	EventRevealComplete        = "reveal_complete"
	EventSettlementComplete    = "settlement_complete"
	EventAborted               = "aborted"
)

// EventHandler is called when a pool event occurs.
type EventHandler func(Event)

// Pool is one orchestrator entity — spec.md §3's SwapPool.
type Pool struct {
	mu sync.Mutex

	poolID      string
	params      Params
	creatorPeer string
	creatorPub  *btcec.PublicKey
	createdAt   time.Time

	phase Phase

	participants []*Participant
	byPeer       map[string]int // peer -> participant index

	strategy     GroupSizeStrategy
	outputGroups [][]int // group index -> participant indices
	sharedOutputs []*SharedOutput
	settlementMapping map[int]*SettlementInfo // output index -> settlement info

	abortReason error

	handlers []EventHandler
	log      *logging.Logger
}

// ID returns the pool's content-addressed identifier.
func (p *Pool) ID() string { return p.poolID }

// Phase returns the pool's current lifecycle phase.
func (p *Pool) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// ParticipantCount returns the number of currently registered participants.
func (p *Pool) ParticipantCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.participants)
}

// Participants returns a shallow copy of the participant slice.
func (p *Pool) Participants() []*Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Participant, len(p.participants))
	copy(out, p.participants)
	return out
}

// Strategy returns the pool's dynamic group-sizing decision, valid once the
// pool has left REGISTRATION.
func (p *Pool) Strategy() GroupSizeStrategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy
}

// SharedOutputs returns a shallow copy of the pool's shared outputs.
func (p *Pool) SharedOutputs() []*SharedOutput {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*SharedOutput, len(p.sharedOutputs))
	copy(out, p.sharedOutputs)
	return out
}

// OnEvent registers an event handler.
func (p *Pool) OnEvent(h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

func (p *Pool) emit(eventType string, data interface{}) {
	event := Event{PoolID: p.poolID, Type: eventType, Data: data, Timestamp: time.Now()}
	handlers := make([]EventHandler, len(p.handlers))
	copy(handlers, p.handlers)
	for _, h := range handlers {
		go h(event)
	}
}

// abortLocked transitions the pool to ABORTED with reason, unless it is already
// terminal, and emits EventAborted. Must be called with p.mu held.
func (p *Pool) abortLocked(reason error) {
	if p.phase == PhaseAborted || p.phase == PhaseComplete {
		return
	}
	p.phase = PhaseAborted
	p.abortReason = reason
	p.log.Warn("pool aborted", "reason", reason)
	p.emit(EventAborted, reason)
}

package swappool

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapsig-core/internal/chainquery"
	"github.com/klingon-exchange/swapsig-core/internal/directory"
	"github.com/klingon-exchange/swapsig-core/internal/discovery"
	"github.com/klingon-exchange/swapsig-core/internal/musig"
	"github.com/klingon-exchange/swapsig-core/pkg/logging"
)

// Orchestrator owns every swap pool this node is a creator or participant
// of, and drives each pool's lifecycle through the directory, discovery,
// musig, and chain adapters — grounded on the teacher's Coordinator, which
// holds a map[string]*ActiveSwap the same way this holds map[string]*Pool.
type Orchestrator struct {
	mu    sync.Mutex
	pools map[string]*Pool

	dir      *directory.Directory
	disc     *discovery.Service
	musigMgr *musig.Manager
	chain    chainquery.Adapter

	pendingSettlements map[string]pendingSettlement

	log *logging.Logger
}

// NewOrchestrator wires the four collaborators a pool's lifecycle drives
// through: directory (pool announcements), discovery (settlement signing
// requests and auto-join), musig (n-of-n cosigning), and chainquery
// (broadcast + confirmation polling).
func NewOrchestrator(dir *directory.Directory, disc *discovery.Service, musigMgr *musig.Manager, chain chainquery.Adapter) *Orchestrator {
	o := &Orchestrator{
		pools:              make(map[string]*Pool),
		dir:                dir,
		disc:               disc,
		musigMgr:           musigMgr,
		chain:              chain,
		pendingSettlements: make(map[string]pendingSettlement),
		log:                logging.GetDefault().Component("swappool"),
	}
	if musigMgr != nil {
		musigMgr.OnEvent(o.handleMusigEvent)
	}
	return o
}

// poolAnnouncement is the directory.KindSwapPool wire body a pool creator
// publishes at createPool time — spec.md §4.5's pool announcement, modeled
// on discovery's SigningRequestBody/AdvertisementBody JSON-body pattern.
type poolAnnouncement struct {
	PoolID          string     `json:"poolId"`
	CreatorPeer     string     `json:"creatorPeer"`
	CreatorPubKey   []byte     `json:"creatorPubKey"`
	Denomination    uint64     `json:"denomination"`
	MinParticipants int        `json:"minParticipants"`
	MaxParticipants int        `json:"maxParticipants"`
	FeeRate         uint64     `json:"feeRate"`
	Burn            BurnConfig `json:"burn"`
	IssuedAt        int64      `json:"issuedAt"`
}

func (a *poolAnnouncement) encode() ([]byte, error) { return json.Marshal(a) }

func decodePoolAnnouncement(b []byte) (*poolAnnouncement, error) {
	var a poolAnnouncement
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("swappool: decode pool announcement: %w", err)
	}
	return &a, nil
}

func poolIDFor(creatorPub []byte, denomination uint64, issuedAt time.Time) string {
	h := sha256.New()
	h.Write(creatorPub)
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], denomination)
	h.Write(amt[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issuedAt.UnixNano()))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ownershipDigest is the message an input-owning participant signs to
// prove control of its UTXO without revealing its private key —
// spec.md §4.5's ownership proof over digest(poolId, txId, outputIndex).
func ownershipDigest(poolID, txID string, outputIndex uint32) [32]byte {
	h := sha256.New()
	h.Write([]byte(poolID))
	h.Write([]byte(txID))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], outputIndex)
	h.Write(idx[:])
	return sha256.Sum256(h.Sum(nil))
}

// CreatePool creates and publishes a new pool announcement, registering the
// creator itself as participant 0 — spec.md §4.5's createPool(params).
func (o *Orchestrator) CreatePool(ctx context.Context, priv *btcec.PrivateKey, peer string, params Params, input Input, finalAddress []byte, ttl time.Duration) (*Pool, error) {
	now := time.Now()
	pub := priv.PubKey()
	poolID := poolIDFor(pub.SerializeCompressed(), params.Denomination, now)

	pool := &Pool{
		poolID:            poolID,
		params:            params,
		creatorPeer:       peer,
		creatorPub:        pub,
		createdAt:         now,
		phase:             PhaseRegistration,
		byPeer:            make(map[string]int),
		settlementMapping: make(map[int]*SettlementInfo),
		log:               logging.GetDefault().Component("swappool").With("pool", poolID),
	}

	ann := &poolAnnouncement{
		PoolID:          poolID,
		CreatorPeer:     peer,
		CreatorPubKey:   pub.SerializeCompressed(),
		Denomination:    params.Denomination,
		MinParticipants: params.MinParticipants,
		MaxParticipants: params.MaxParticipants,
		FeeRate:         params.FeeRate,
		Burn:            params.Burn,
		IssuedAt:        now.Unix(),
	}
	encoded, err := ann.encode()
	if err != nil {
		return nil, err
	}
	rec := &directory.Record{
		Kind:      directory.KindSwapPool,
		ID:        poolID,
		Body:      encoded,
		SignerKey: pub,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := rec.Sign(priv); err != nil {
		return nil, fmt.Errorf("swappool: sign pool announcement: %w", err)
	}
	if err := o.dir.Publish(ctx, rec); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.pools[poolID] = pool
	o.mu.Unlock()

	pool.log.Info("pool created", "denomination", btcutil.Amount(params.Denomination), "minParticipants", params.MinParticipants, "maxParticipants", params.MaxParticipants)

	if _, err := o.registerParticipant(pool, priv, peer, input, finalAddress); err != nil {
		return nil, err
	}
	return pool, nil
}

// JoinPool registers the local node as a participant of an existing pool,
// resolving the pool from the directory if it is not already local —
// spec.md §4.5's joinPool(poolId, myPrivKey).
func (o *Orchestrator) JoinPool(ctx context.Context, priv *btcec.PrivateKey, peer string, poolID string, input Input, finalAddress []byte) (*Pool, error) {
	pool, err := o.resolvePool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	pool.mu.Lock()
	phase := pool.phase
	denom := pool.params.Denomination
	maxP := pool.params.MaxParticipants
	count := len(pool.participants)
	pool.mu.Unlock()

	if phase != PhaseRegistration {
		return nil, ErrWrongPhase
	}
	if input.Amount != denom {
		return nil, ErrDenominationMismatch
	}
	if count >= maxP {
		return nil, ErrPoolFull
	}

	if _, err := o.registerParticipant(pool, priv, peer, input, finalAddress); err != nil {
		return nil, err
	}
	return pool, nil
}

// resolvePool returns the in-memory pool for poolID, fetching and verifying
// its directory announcement on first sight otherwise.
func (o *Orchestrator) resolvePool(ctx context.Context, poolID string) (*Pool, error) {
	o.mu.Lock()
	pool, ok := o.pools[poolID]
	o.mu.Unlock()
	if ok {
		return pool, nil
	}

	rec, err := o.dir.Get(ctx, directory.KindSwapPool, poolID)
	if err != nil {
		return nil, ErrPoolNotFound
	}
	if err := rec.Verify(); err != nil {
		return nil, ErrInvalidSignature
	}
	ann, err := decodePoolAnnouncement(rec.Body)
	if err != nil {
		return nil, err
	}

	pool = &Pool{
		poolID:      ann.PoolID,
		creatorPeer: ann.CreatorPeer,
		creatorPub:  rec.SignerKey,
		createdAt:   time.Unix(ann.IssuedAt, 0),
		phase:       PhaseRegistration,
		byPeer:      make(map[string]int),
		settlementMapping: make(map[int]*SettlementInfo),
		params: Params{
			Denomination:    ann.Denomination,
			MinParticipants: ann.MinParticipants,
			MaxParticipants: ann.MaxParticipants,
			FeeRate:         ann.FeeRate,
			Burn:            ann.Burn,
		},
		log: logging.GetDefault().Component("swappool").With("pool", ann.PoolID),
	}

	o.mu.Lock()
	if existing, ok := o.pools[poolID]; ok {
		pool = existing
	} else {
		o.pools[poolID] = pool
	}
	o.mu.Unlock()
	return pool, nil
}

// registerParticipant adds priv's owner to pool as the next participant
// index, proving ownership of input and committing its encrypted
// destination — spec.md §4.5's registration step. Triggers BeginSetup once
// minParticipants is reached.
func (o *Orchestrator) registerParticipant(pool *Pool, priv *btcec.PrivateKey, peer string, input Input, finalAddress []byte) (*Participant, error) {
	pool.mu.Lock()

	if pool.phase != PhaseRegistration {
		pool.mu.Unlock()
		return nil, ErrWrongPhase
	}
	if _, exists := pool.byPeer[peer]; exists {
		pool.mu.Unlock()
		return nil, ErrPoolExists
	}

	digest := ownershipDigest(pool.poolID, input.TxID, input.OutputIndex)
	proof, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		pool.mu.Unlock()
		return nil, fmt.Errorf("swappool: sign ownership proof: %w", err)
	}

	encrypted, err := EncryptDestination(pool.poolID, priv.PubKey(), finalAddress)
	if err != nil {
		pool.mu.Unlock()
		return nil, err
	}
	commitment := CommitmentDigest(encrypted)

	idx := len(pool.participants)
	participant := &Participant{
		Peer:                      peer,
		ParticipantIndex:          idx,
		SignerPubKey:              priv.PubKey(),
		Input:                     input,
		OwnershipProof:            proof,
		FinalDestinationEncrypted: encrypted,
		FinalDestinationCommitment: commitment,
		JoinedAt:                  time.Now(),
	}
	pool.participants = append(pool.participants, participant)
	pool.byPeer[peer] = idx

	reachedMin := len(pool.participants) >= pool.params.MinParticipants
	pool.mu.Unlock()

	pool.emit(EventParticipantRegistered, participant)

	if reachedMin {
		if err := o.beginSetup(pool); err != nil {
			return participant, err
		}
	}
	return participant, nil
}

// beginSetup runs the dynamic group-sizing decision, partitions
// participants into groups, aggregates each group's shared Taproot output,
// and computes the settlement rotation mapping — spec.md §4.5's transition
// out of REGISTRATION.
func (o *Orchestrator) beginSetup(pool *Pool) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.phase != PhaseRegistration {
		return nil
	}

	n := len(pool.participants)
	strategy, err := ChooseGroupSizeStrategy(n)
	if err != nil {
		pool.abortLocked(err)
		return err
	}
	groups := BuildGroups(n, strategy)

	sharedOutputs := make([]*SharedOutput, len(groups))
	for g, indices := range groups {
		signers := make([]*btcec.PublicKey, len(indices))
		for i, pIdx := range indices {
			signers[i] = pool.participants[pIdx].SignerPubKey
		}
		out, err := AggregateGroup(signers, indices, pool.params.Denomination)
		if err != nil {
			pool.abortLocked(err)
			return err
		}
		sharedOutputs[g] = out
	}

	mapping := make(map[int]*SettlementInfo, len(groups))
	for g := range groups {
		mapping[g] = &SettlementInfo{
			OutputIndex:   g,
			ReceiverIndex: SettlementReceiver(g, n, strategy, groups),
			Amount:        pool.params.Denomination,
		}
	}

	pool.strategy = strategy
	pool.outputGroups = groups
	pool.sharedOutputs = sharedOutputs
	pool.settlementMapping = mapping
	pool.phase = PhaseSetup
	return nil
}

// groupOf returns the group index containing participantIndex, and the
// SharedOutput it belongs to.
func (p *Pool) groupOf(participantIndex int) (int, *SharedOutput, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for g, indices := range p.outputGroups {
		for _, idx := range indices {
			if idx == participantIndex {
				return g, p.sharedOutputs[g], true
			}
		}
	}
	return -1, nil, false
}

// BuildAndBroadcastSetup funds the local participant's share of its
// group's shared output, signs it as a single-key P2TR key-path spend, and
// broadcasts it — spec.md §4.5's SETUP phase.
func (o *Orchestrator) BuildAndBroadcastSetup(ctx context.Context, pool *Pool, priv *btcec.PrivateKey, participantIndex int) (string, error) {
	pool.mu.Lock()
	if pool.phase != PhaseSetup && pool.phase != PhaseSetupConfirm {
		pool.mu.Unlock()
		return "", ErrWrongPhase
	}
	participant := pool.participants[participantIndex]
	burnCfg := pool.params.Burn
	feeRate := pool.params.FeeRate
	poolID := pool.poolID
	pool.mu.Unlock()

	_, shared, ok := pool.groupOf(participantIndex)
	if !ok {
		return "", ErrUnknownParticipant
	}

	burnAmount := BurnAmount(pool.params.Denomination, burnCfg)
	burnScript, err := BuildBurnScript(burnCfg, poolID)
	if err != nil {
		return "", err
	}

	tx, err := BuildSetupTransaction(participant.Input, shared.ScriptPubKey, shared.Amount, burnScript, burnAmount, feeRate)
	if err != nil {
		return "", err
	}
	if err := SignSetupTransaction(tx, 0, priv, participant.Input.Script, int64(participant.Input.Amount)); err != nil {
		return "", err
	}
	rawHex, err := SerializeTx(tx)
	if err != nil {
		return "", err
	}

	txID, err := o.chain.BroadcastTransaction(ctx, rawHex)
	if err != nil {
		return "", err
	}

	pool.mu.Lock()
	participant.SetupTxID = txID
	shared.SetupTxIDs = append(shared.SetupTxIDs, txID)
	pool.mu.Unlock()

	return txID, nil
}

// AwaitSetupConfirmation blocks until txID (one participant's funding of a
// shared output) reaches the configured confirmation depth, then marks the
// pool's progress; once every group is fully confirmed the pool advances to
// REVEAL.
func (o *Orchestrator) AwaitSetupConfirmation(ctx context.Context, pool *Pool, groupIndex int, txID string, pollInterval time.Duration) error {
	pool.mu.Lock()
	required := pool.params.ConfirmationsRequired
	if pool.phase == PhaseSetup {
		pool.phase = PhaseSetupConfirm
	}
	pool.mu.Unlock()

	res, err := o.chain.WaitForConfirmations(ctx, txID, required, pollInterval)
	if err != nil {
		pool.mu.Lock()
		pool.abortLocked(fmt.Errorf("%w: %v", ErrConfirmationTimeout, err))
		pool.mu.Unlock()
		return err
	}
	if !res.IsConfirmed {
		return ErrConfirmationTimeout
	}

	pool.mu.Lock()
	pool.sharedOutputs[groupIndex].Confirmed = true
	allConfirmed := true
	for _, out := range pool.sharedOutputs {
		if !out.Confirmed {
			allConfirmed = false
			break
		}
	}
	if allConfirmed && (pool.phase == PhaseSetup || pool.phase == PhaseSetupConfirm) {
		pool.phase = PhaseReveal
	}
	pool.mu.Unlock()

	if allConfirmed {
		pool.emit(EventSetupComplete, nil)
	}
	return nil
}

// RevealDestination verifies and records one participant's final
// settlement address — spec.md §4.5's REVEAL phase. Once every participant
// has revealed, the pool advances to SETTLEMENT.
func (o *Orchestrator) RevealDestination(pool *Pool, participantIndex int, finalAddress []byte) error {
	pool.mu.Lock()
	if pool.phase != PhaseReveal {
		pool.mu.Unlock()
		return ErrWrongPhase
	}
	participant := pool.participants[participantIndex]
	poolID := pool.poolID
	pool.mu.Unlock()

	if err := VerifyReveal(poolID, participant.SignerPubKey, participant.FinalDestinationEncrypted, participant.FinalDestinationCommitment, finalAddress); err != nil {
		return ErrCommitmentMismatch
	}

	pool.mu.Lock()
	participant.FinalAddress = finalAddress
	allRevealed := true
	for _, p := range pool.participants {
		if p.FinalAddress == nil {
			allRevealed = false
			break
		}
	}
	if allRevealed {
		pool.phase = PhaseSettlement
	}
	pool.mu.Unlock()

	if allRevealed {
		pool.emit(EventRevealComplete, nil)
	}
	return nil
}

// StartSettlementRound builds the rotation-mapped settlement transaction
// for one shared output and announces its signing request over discovery
// — spec.md §4.5's SETTLEMENT phase. The n-of-n MuSig2 cosigning itself
// runs through discovery's existing Phase-3 auto-join machinery; completion
// is observed via handleMusigEvent.
func (o *Orchestrator) StartSettlementRound(ctx context.Context, pool *Pool, groupIndex int, priv *btcec.PrivateKey) (string, error) {
	pool.mu.Lock()
	if pool.phase != PhaseSettlement {
		pool.mu.Unlock()
		return "", ErrWrongPhase
	}
	shared := pool.sharedOutputs[groupIndex]
	info := pool.settlementMapping[groupIndex]
	receiver := pool.participants[info.ReceiverIndex]
	feeRate := pool.params.FeeRate
	poolID := pool.poolID
	if len(shared.SetupTxIDs) == 0 {
		pool.mu.Unlock()
		return "", ErrWrongPhase
	}
	sharedTxID := shared.SetupTxIDs[0]
	pool.mu.Unlock()

	tx, err := BuildSettlementTransaction(sharedTxID, 0, info.Amount, receiver.FinalAddress, feeRate)
	if err != nil {
		return "", err
	}
	sigHash, err := SettlementSigHash(tx, 0, shared.ScriptPubKey, int64(shared.Amount))
	if err != nil {
		return "", err
	}

	metadata := SettlementMetadata(poolID, groupIndex)
	requestID, err := o.disc.AnnounceSigningRequest(ctx, priv, shared.Signers, sigHash[:], metadata)
	if err != nil {
		return "", err
	}

	pool.mu.Lock()
	info.RequestID = requestID
	pool.mu.Unlock()

	o.mu.Lock()
	o.pendingSettlements[requestID] = pendingSettlement{pool: pool, groupIndex: groupIndex, tx: tx}
	o.mu.Unlock()

	return requestID, nil
}

// pendingSettlement tracks the in-flight unsigned settlement tx for a
// musig session started by StartSettlementRound, so handleMusigEvent can
// finalize it once the session's EventFinalized arrives.
type pendingSettlement struct {
	pool       *Pool
	groupIndex int
	tx         *wire.MsgTx
}

// handleMusigEvent watches the shared musig.Manager for settlement sessions
// this orchestrator started reaching EventFinalized, attaches the resulting
// signature to the pending settlement transaction, and broadcasts it —
// closing the loop StartSettlementRound opened. Other event types and
// sessions not started by this orchestrator (e.g. signing requests unrelated
// to swap pools) are ignored.
func (o *Orchestrator) handleMusigEvent(ev musig.Event) {
	if ev.Type != musig.EventFinalized {
		return
	}

	o.mu.Lock()
	pending, ok := o.pendingSettlements[ev.SessionID]
	if ok {
		delete(o.pendingSettlements, ev.SessionID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	sig, ok := ev.Data.(*schnorr.Signature)
	if !ok {
		o.log.Warn("settlement session finalized with unexpected signature type", "session", ev.SessionID)
		return
	}

	AttachSettlementWitness(pending.tx, 0, sig)
	rawHex, err := SerializeTx(pending.tx)
	if err != nil {
		o.log.Warn("serialize finalized settlement tx failed", "session", ev.SessionID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	txID, err := o.chain.BroadcastTransaction(ctx, rawHex)
	if err != nil {
		o.log.Warn("broadcast finalized settlement tx failed", "session", ev.SessionID, "error", err)
		return
	}

	pending.pool.mu.Lock()
	info := pending.pool.settlementMapping[pending.groupIndex]
	info.SettlementTxID = txID
	allSettled := true
	for _, i := range pending.pool.settlementMapping {
		if i.SettlementTxID == "" {
			allSettled = false
			break
		}
	}
	if allSettled {
		pending.pool.phase = PhaseSettlementConfirm
	}
	pending.pool.mu.Unlock()

	if allSettled {
		pending.pool.emit(EventSettlementComplete, nil)
	}
}

// HandleParticipantDisconnect applies spec.md §4.5's phase-dependent
// disconnection policy: during DISCOVERY/REGISTRATION the pool can simply
// drop a disconnected peer and keep going as long as it still meets
// minParticipants; in every later phase a disconnection aborts the pool
// outright, since SETUP onward has already committed funds to shared
// outputs that depend on every participant's continued cooperation.
func (o *Orchestrator) HandleParticipantDisconnect(pool *Pool, peer string) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	idx, ok := pool.byPeer[peer]
	if !ok {
		return ErrUnknownParticipant
	}

	if pool.phase == PhaseDiscovery || pool.phase == PhaseRegistration {
		pool.participants = append(pool.participants[:idx], pool.participants[idx+1:]...)
		delete(pool.byPeer, peer)
		for i := idx; i < len(pool.participants); i++ {
			pool.participants[i].ParticipantIndex = i
			pool.byPeer[pool.participants[i].Peer] = i
		}
		pool.emit(EventParticipantDropped, peer)

		if len(pool.participants) < pool.params.MinParticipants {
			pool.abortLocked(ErrInsufficientParticipants)
			return ErrInsufficientParticipants
		}
		return nil
	}

	pool.abortLocked(ErrParticipantDisconnected)
	return ErrParticipantDisconnected
}

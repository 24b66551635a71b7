package swappool

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// dustThreshold mirrors the teacher's tx.go dust cutoff for change outputs.
const dustThreshold = uint64(546)

// Per-vbyte size estimates for the key-path-only P2TR transactions the
// setup phase builds — taken from the teacher's tx.go/coordinator_funding.go
// fee heuristics (base overhead 10, P2TR input 58, P2TR output 43).
const (
	baseTxVBytes   = 10
	p2trInputVBytes = 58
	p2trOutputVBytes = 43
)

// Setup errors.
var (
	ErrEmptyGroup          = errors.New("swappool: group has no signers")
	ErrInsufficientFunding = errors.New("swappool: input amount insufficient to cover denomination, burn, and fee")
)

// AggregateGroup computes one group's shared setup output: the MuSig2
// aggregated key, the BIP-86 key-path taproot tweak (no script tree — the
// swap pool spec names no refund/timelock concept for setup outputs, unlike
// the teacher's TaprootScriptTree), and the resulting scriptPubKey. Grounded
// on musig.Session.NewSession's aggregation call and TweakedPubKey, but uses
// a bare musig2.AggregateKeys directly since the setup phase needs only the
// output key, not a live signing session.
func AggregateGroup(signers []*btcec.PublicKey, participantIdx []int, amount uint64) (*SharedOutput, error) {
	if len(signers) == 0 {
		return nil, ErrEmptyGroup
	}

	aggKey, _, _, err := musig2.AggregateKeys(signers, true)
	if err != nil {
		return nil, fmt.Errorf("swappool: aggregate group keys: %w", err)
	}
	tweakedKey := txscript.ComputeTaprootOutputKey(aggKey.FinalKey, nil)

	script, err := p2trScript(tweakedKey)
	if err != nil {
		return nil, err
	}

	return &SharedOutput{
		Signers:        signers,
		ParticipantIdx: participantIdx,
		AggregatedKey:  aggKey.FinalKey,
		TweakedKey:     tweakedKey,
		ScriptPubKey:   script,
		Amount:         amount,
	}, nil
}

// p2trScript builds the 34-byte P2TR scriptPubKey (OP_1 OP_DATA_32 <x-only
// key>) — grounded on the teacher's TaprootScriptTree.ScriptPubKey, trimmed
// of its control-block/script-tree handling since key-path spending is all
// a setup output ever needs.
func p2trScript(tweakedKey *btcec.PublicKey) ([]byte, error) {
	xOnly := schnorr.SerializePubKey(tweakedKey)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_1)
	builder.AddData(xOnly)
	return builder.Script()
}

// BuildSetupTransaction constructs the transaction one participant
// broadcasts to fund its share of a group's shared output: one input (the
// participant's UTXO), one output paying the group's shared Taproot
// scriptPubKey, one burn output, and an optional change output back to the
// input's own script — grounded on the teacher's BuildFundingTx.
func BuildSetupTransaction(input Input, groupScript []byte, denomination uint64, burnScript []byte, burnAmount uint64, feeRate uint64) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)

	txHash, err := chainhash.NewHashFromStr(input.TxID)
	if err != nil {
		return nil, fmt.Errorf("swappool: invalid input txid %q: %w", input.TxID, err)
	}
	outpoint := wire.NewOutPoint(txHash, input.OutputIndex)
	txIn := wire.NewTxIn(outpoint, nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)

	tx.AddTxOut(wire.NewTxOut(int64(denomination), groupScript))
	tx.AddTxOut(wire.NewTxOut(int64(burnAmount), burnScript))

	estimatedVSize := int64(baseTxVBytes + p2trInputVBytes + p2trOutputVBytes*2)
	fee := uint64(estimatedVSize) * feeRate

	required := denomination + burnAmount + fee
	if input.Amount <= required {
		return nil, fmt.Errorf("%w: input %d <= required %d", ErrInsufficientFunding, input.Amount, required)
	}
	change := input.Amount - required

	if change > dustThreshold {
		tx.AddTxOut(wire.NewTxOut(int64(change), input.Script))
	}

	return tx, nil
}

// SignSetupTransaction signs inputIndex of tx as a single-key P2TR key-path
// spend and attaches the resulting witness — grounded on
// coordinator_funding.go's signFundingInput p2tr branch.
func SignSetupTransaction(tx *wire.MsgTx, inputIndex int, priv *btcec.PrivateKey, prevScript []byte, prevAmount int64) error {
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(prevScript, prevAmount)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	sig, err := txscript.RawTxInTaprootSignature(
		tx, sigHashes, inputIndex, prevAmount, prevScript, nil, txscript.SigHashDefault, priv,
	)
	if err != nil {
		return fmt.Errorf("swappool: sign setup input %d: %w", inputIndex, err)
	}
	tx.TxIn[inputIndex].Witness = wire.TxWitness{sig}
	return nil
}

// SerializeTx hex-encodes tx for broadcast via chainquery.Adapter.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("swappool: serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

package swappool

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Settlement metadata keys, announced alongside each settlement signing
// request so an auto-joining signer can recognize what it is being asked
// to cosign — spec.md §4.5's settlement round metadata
// {transactionType, swapPhase, swapPoolId, outputIndex}.
const (
	MetadataTransactionType = "transactionType"
	MetadataSwapPhase       = "swapPhase"
	MetadataSwapPoolID      = "swapPoolId"
	MetadataOutputIndex     = "outputIndex"

	TransactionTypeSwap  = "swap"
	SwapPhaseSettlement = "settlement"
)

// SettlementMetadata builds the metadata map announced with a settlement
// round's signing request.
func SettlementMetadata(poolID string, outputIndex int) map[string]string {
	return map[string]string{
		MetadataTransactionType: TransactionTypeSwap,
		MetadataSwapPhase:       SwapPhaseSettlement,
		MetadataSwapPoolID:      poolID,
		MetadataOutputIndex:     strconv.Itoa(outputIndex),
	}
}

// BuildSettlementTransaction constructs the rotation-mapped payout for one
// shared output: a single input spending the group's shared Taproot output
// and a single output of denomination-minus-fee paying the mapped
// receiver's revealed final address — grounded on the teacher's
// BuildSpendingTx, trimmed of its DAO-fee output since the swap pool
// protocol names no fee-sharing destination.
func BuildSettlementTransaction(sharedTxID string, sharedOutputIndex uint32, denomination uint64, receiverScript []byte, feeRate uint64) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)

	txHash, err := chainhash.NewHashFromStr(sharedTxID)
	if err != nil {
		return nil, fmt.Errorf("swappool: invalid shared output txid %q: %w", sharedTxID, err)
	}
	outpoint := wire.NewOutPoint(txHash, sharedOutputIndex)
	txIn := wire.NewTxIn(outpoint, nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)

	estimatedVSize := int64(baseTxVBytes + p2trInputVBytes + p2trOutputVBytes)
	fee := uint64(estimatedVSize) * feeRate
	if denomination <= fee {
		return nil, fmt.Errorf("%w: denomination %d <= fee %d", ErrInsufficientFunding, denomination, fee)
	}
	outputAmount := denomination - fee

	tx.AddTxOut(wire.NewTxOut(int64(outputAmount), receiverScript))
	return tx, nil
}

// SettlementSigHash computes the taproot key-path sighash the group's
// MuSig2 session must produce a partial-signature set over, for spending
// the shared output at prevScript/prevAmount — grounded on the teacher's
// BuildSpendingTx sighash computation.
func SettlementSigHash(tx *wire.MsgTx, inputIndex int, prevScript []byte, prevAmount int64) (*chainhash.Hash, error) {
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(prevScript, prevAmount)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	sighash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, inputIndex, prevOutFetcher)
	if err != nil {
		return nil, fmt.Errorf("swappool: compute settlement sighash: %w", err)
	}
	return chainhash.NewHash(sighash)
}

// AttachSettlementWitness finalizes tx with the group's completed MuSig2
// signature — equivalent to the teacher's tx.go AddWitness, named
// distinctly here since it attaches a signature produced by a full n-of-n
// session rather than a single private key.
func AttachSettlementWitness(tx *wire.MsgTx, inputIndex int, sig *schnorr.Signature) {
	tx.TxIn[inputIndex].Witness = wire.TxWitness{sig.Serialize()}
}

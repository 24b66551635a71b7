package swappool

import (
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

func TestSettlementMetadataFields(t *testing.T) {
	meta := SettlementMetadata("pool-1", 2)
	if meta[MetadataTransactionType] != TransactionTypeSwap {
		t.Fatalf("transactionType = %q", meta[MetadataTransactionType])
	}
	if meta[MetadataSwapPhase] != SwapPhaseSettlement {
		t.Fatalf("swapPhase = %q", meta[MetadataSwapPhase])
	}
	if meta[MetadataSwapPoolID] != "pool-1" {
		t.Fatalf("swapPoolId = %q", meta[MetadataSwapPoolID])
	}
	if meta[MetadataOutputIndex] != "2" {
		t.Fatalf("outputIndex = %q", meta[MetadataOutputIndex])
	}
}

func TestBuildSettlementTransactionPaysDenominationMinusFee(t *testing.T) {
	receiverScript := append([]byte{0x51, 0x20}, make([]byte, 32)...)
	tx, err := BuildSettlementTransaction(strings.Repeat("ab", 32), 0, 1_000_000, receiverScript, 10)
	if err != nil {
		t.Fatalf("BuildSettlementTransaction: %v", err)
	}
	if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		t.Fatalf("unexpected shape: %d in, %d out", len(tx.TxIn), len(tx.TxOut))
	}
	if tx.TxOut[0].Value >= 1_000_000 {
		t.Fatalf("output value %d should be less than denomination (fee deducted)", tx.TxOut[0].Value)
	}
}

func TestBuildSettlementTransactionRejectsDustDenomination(t *testing.T) {
	receiverScript := append([]byte{0x51, 0x20}, make([]byte, 32)...)
	if _, err := BuildSettlementTransaction(strings.Repeat("ab", 32), 0, 100, receiverScript, 10); !errors.Is(err, ErrInsufficientFunding) {
		t.Fatalf("err = %v, want ErrInsufficientFunding", err)
	}
}

func TestSettlementSigHashAndAttachWitness(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	prevScript, err := p2trScript(priv.PubKey())
	if err != nil {
		t.Fatalf("p2trScript: %v", err)
	}
	receiverScript := append([]byte{0x51, 0x20}, make([]byte, 32)...)

	tx, err := BuildSettlementTransaction(strings.Repeat("cd", 32), 1, 1_000_000, receiverScript, 10)
	if err != nil {
		t.Fatalf("BuildSettlementTransaction: %v", err)
	}

	sigHash, err := SettlementSigHash(tx, 0, prevScript, 1_000_000)
	if err != nil {
		t.Fatalf("SettlementSigHash: %v", err)
	}
	if len(sigHash) != 32 {
		t.Fatalf("sigHash len = %d, want 32", len(sigHash))
	}

	sig, err := schnorr.Sign(priv, sigHash[:])
	if err != nil {
		t.Fatalf("schnorr.Sign: %v", err)
	}
	AttachSettlementWitness(tx, 0, sig)
	if len(tx.TxIn[0].Witness) != 1 || len(tx.TxIn[0].Witness[0]) != 64 {
		t.Fatalf("unexpected witness after AttachSettlementWitness: %v", tx.TxIn[0].Witness)
	}
}

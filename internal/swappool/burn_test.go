package swappool

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func TestBurnAmountClampsToBounds(t *testing.T) {
	cfg := BurnConfig{BurnPercentage: 0.001, MinimumBurn: 1000, MaximumBurn: 100_000}

	if got := BurnAmount(1_000_000, cfg); got != 1000 {
		t.Fatalf("BurnAmount(1_000_000) = %d, want 1000", got)
	}
	if got := BurnAmount(200_000_000, cfg); got != 100_000 {
		t.Fatalf("BurnAmount(200_000_000) = %d, want 100000 (maximumBurn clamp)", got)
	}
	if got := BurnAmount(100, cfg); got != 1000 {
		t.Fatalf("BurnAmount(100) = %d, want 1000 (minimumBurn clamp)", got)
	}
}

func TestBuildAndValidateBurnOutputRoundTrips(t *testing.T) {
	cfg := BurnConfig{
		BurnPercentage: 0.001,
		MinimumBurn:    1000,
		MaximumBurn:    100_000,
		BurnIdentifier: []byte("SWAPSIGBURN"),
		PoolIDInBurn:   true,
		Version:        1,
	}
	poolID := "pool-abc123"
	amount := BurnAmount(1_000_000, cfg)

	script, err := BuildBurnScript(cfg, poolID)
	if err != nil {
		t.Fatalf("BuildBurnScript: %v", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(int64(amount), script))

	if err := ValidateBurnOutput(tx, cfg, poolID, amount); err != nil {
		t.Fatalf("ValidateBurnOutput: %v", err)
	}
}

func TestValidateBurnOutputRejectsMissingOutput(t *testing.T) {
	cfg := DefaultParams().Burn
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51, 0x20}))

	if err := ValidateBurnOutput(tx, cfg, "pool", 1000); err != ErrBurnOutputMissing {
		t.Fatalf("err = %v, want ErrBurnOutputMissing", err)
	}
}

func TestValidateBurnOutputRejectsAmbiguousOutputs(t *testing.T) {
	cfg := BurnConfig{BurnIdentifier: []byte("TAG"), PoolIDInBurn: false, Version: 1}
	script, _ := BuildBurnScript(cfg, "")

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, script))
	tx.AddTxOut(wire.NewTxOut(1000, script))

	if err := ValidateBurnOutput(tx, cfg, "", 1000); err != ErrBurnOutputAmbiguous {
		t.Fatalf("err = %v, want ErrBurnOutputAmbiguous", err)
	}
}

func TestValidateBurnOutputRejectsAmountMismatch(t *testing.T) {
	cfg := BurnConfig{BurnIdentifier: []byte("TAG"), PoolIDInBurn: false, Version: 1}
	script, _ := BuildBurnScript(cfg, "")

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(999, script))

	if err := ValidateBurnOutput(tx, cfg, "", 1000); err != ErrBurnAmountMismatch {
		t.Fatalf("err = %v, want ErrBurnAmountMismatch", err)
	}
}

func TestValidateBurnOutputRejectsTagMismatch(t *testing.T) {
	produced := BurnConfig{BurnIdentifier: []byte("WRONGTAG"), PoolIDInBurn: false, Version: 1}
	expected := BurnConfig{BurnIdentifier: []byte("TAG"), PoolIDInBurn: false, Version: 1}
	script, _ := BuildBurnScript(produced, "")

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, script))

	if err := ValidateBurnOutput(tx, expected, "", 1000); err != ErrBurnTagMismatch {
		t.Fatalf("err = %v, want ErrBurnTagMismatch", err)
	}
}

func TestValidateBurnOutputRejectsPoolIDMismatch(t *testing.T) {
	cfg := BurnConfig{BurnIdentifier: []byte("TAG"), PoolIDInBurn: true, Version: 1}
	script, _ := BuildBurnScript(cfg, "pool-a")

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, script))

	if err := ValidateBurnOutput(tx, cfg, "pool-b", 1000); err != ErrBurnPoolIDMismatch {
		t.Fatalf("err = %v, want ErrBurnPoolIDMismatch", err)
	}
}

func TestValidateBurnOutputRejectsVersionMismatch(t *testing.T) {
	produced := BurnConfig{BurnIdentifier: []byte("TAG"), PoolIDInBurn: false, Version: 1}
	expected := BurnConfig{BurnIdentifier: []byte("TAG"), PoolIDInBurn: false, Version: 2}
	script, _ := BuildBurnScript(produced, "")

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, script))

	if err := ValidateBurnOutput(tx, expected, "", 1000); err != ErrBurnVersionMismatch {
		t.Fatalf("err = %v, want ErrBurnVersionMismatch", err)
	}
}

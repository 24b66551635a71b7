package swappool

import (
	"bytes"
	"errors"
	"math"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Burn validation errors.
var (
	ErrBurnOutputMissing    = errors.New("swappool: no burn-shaped output found")
	ErrBurnOutputAmbiguous  = errors.New("swappool: more than one burn-shaped output found")
	ErrBurnAmountMismatch   = errors.New("swappool: burn output satoshis do not match configured burn amount")
	ErrBurnTagMismatch      = errors.New("swappool: burn output tag does not match burnIdentifier")
	ErrBurnPoolIDMismatch   = errors.New("swappool: burn output pool id does not match")
	ErrBurnVersionMismatch  = errors.New("swappool: burn output version does not match")
)

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// BurnAmount computes burnAmount = clamp(floor(denomination * burnPercentage),
// minimumBurn, maximumBurn) — spec.md §4.6.
func BurnAmount(denomination uint64, cfg BurnConfig) uint64 {
	raw := math.Floor(float64(denomination) * cfg.BurnPercentage)
	return clamp(uint64(raw), cfg.MinimumBurn, cfg.MaximumBurn)
}

// BuildBurnScript constructs a provably unspendable output script: the
// OP_RETURN sentinel followed by the burn tag, optionally the pool id, and
// a version byte — grounded on the teacher's txscript.NewScriptBuilder
// style (script.go's BuildRefundScript/BuildHTLCScript), specialized here
// to a data-carrier script rather than a spendable one.
func BuildBurnScript(cfg BurnConfig, poolID string) ([]byte, error) {
	payload := make([]byte, 0, len(cfg.BurnIdentifier)+len(poolID)+1)
	payload = append(payload, cfg.BurnIdentifier...)
	if cfg.PoolIDInBurn {
		payload = append(payload, []byte(poolID)...)
	}
	payload = append(payload, cfg.Version)

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddData(payload)
	return builder.Script()
}

// burnShape reports whether script has the OP_RETURN-sentinel burn shape
// and, if so, returns its payload (tag ‖ optional pool id ‖ version).
func burnShape(script []byte) (payload []byte, ok bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	if !tokenizer.Next() {
		return nil, false
	}
	data := tokenizer.Data()
	if tokenizer.Next() || tokenizer.Err() != nil {
		return nil, false
	}
	return data, true
}

// ValidateBurnOutput checks that tx carries exactly one burn-shaped output
// and that it satisfies every rule spec.md §4.6 names: satoshi amount, tag,
// pool id (if configured), and version.
func ValidateBurnOutput(tx *wire.MsgTx, cfg BurnConfig, poolID string, expectedAmount uint64) error {
	var match *wire.TxOut
	matches := 0
	for _, out := range tx.TxOut {
		if payload, ok := burnShape(out.PkScript); ok {
			_ = payload
			matches++
			match = out
		}
	}
	if matches == 0 {
		return ErrBurnOutputMissing
	}
	if matches > 1 {
		return ErrBurnOutputAmbiguous
	}

	if uint64(match.Value) != expectedAmount {
		return ErrBurnAmountMismatch
	}

	payload, _ := burnShape(match.PkScript)
	wantTagLen := len(cfg.BurnIdentifier)
	if len(payload) < wantTagLen+1 {
		return ErrBurnTagMismatch
	}
	if !bytes.Equal(payload[:wantTagLen], cfg.BurnIdentifier) {
		return ErrBurnTagMismatch
	}

	rest := payload[wantTagLen:]
	if cfg.PoolIDInBurn {
		wantPoolIDLen := len(poolID)
		if len(rest) != wantPoolIDLen+1 {
			return ErrBurnPoolIDMismatch
		}
		if string(rest[:wantPoolIDLen]) != poolID {
			return ErrBurnPoolIDMismatch
		}
		rest = rest[wantPoolIDLen:]
	}
	if len(rest) != 1 {
		return ErrBurnVersionMismatch
	}
	if rest[0] != cfg.Version {
		return ErrBurnVersionMismatch
	}

	return nil
}

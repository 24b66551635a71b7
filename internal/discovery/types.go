// Package discovery implements the three-phase signer discovery protocol:
// advertise, discover, announce-signing-request, and the Phase-3 auto-join
// loop that brings a MuSig2 session to readiness.
package discovery

import (
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Discovery errors.
var (
	ErrInvalidSignature  = errors.New("discovery: signature does not verify")
	ErrExpired           = errors.New("discovery: advertisement or request has expired")
	ErrNotRequired       = errors.New("discovery: local signer is not in the required set")
	ErrCreatorNotIncluded = errors.New("discovery: creator public key missing from required set")
)

// Capability describes what a signer is willing to co-sign.
type Capability struct {
	TxTypes   []string `json:"txTypes"`
	MinAmount uint64   `json:"minAmount"`
	MaxAmount uint64   `json:"maxAmount"`
}

// Matches reports whether capability satisfies the given filter values. An
// empty txType filter matches any capability.
func (c Capability) Matches(txType string, amount uint64) bool {
	if amount < c.MinAmount || amount > c.MaxAmount {
		return false
	}
	if txType == "" {
		return true
	}
	for _, t := range c.TxTypes {
		if t == txType {
			return true
		}
	}
	return false
}

// Metadata carries the supplemented ordering fields (SPEC_FULL.md §3): a
// reputation score and an advertised fee rate, used only to order
// FindAvailableSigners results.
type Metadata struct {
	Reputation float64           `json:"reputation,omitempty"`
	FeeRate    uint64            `json:"feeRate,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// AdvertisementBody is the JSON-encoded body of a directory.KindSigner
// record.
type AdvertisementBody struct {
	Peer         string     `json:"peer"`
	SignerPubKey []byte     `json:"signerPubKey"` // 33-byte compressed
	Capability   Capability `json:"capability"`
	Metadata     Metadata   `json:"metadata"`
	IssuedAt     int64      `json:"issuedAt"`
	ExpiresAt    int64      `json:"expiresAt"`
}

func (a *AdvertisementBody) encode() ([]byte, error) { return json.Marshal(a) }

func decodeAdvertisement(b []byte) (*AdvertisementBody, error) {
	var a AdvertisementBody
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// PubKey parses the advertisement's signer key.
func (a *AdvertisementBody) PubKey() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(a.SignerPubKey)
}

// SigningRequestBody is the JSON-encoded body of a
// directory.KindSigningRequest record.
type SigningRequestBody struct {
	RequestID       string   `json:"requestId"`
	CreatorPubKey   []byte   `json:"creatorPubKey"` // 33-byte compressed
	RequiredPubKeys [][]byte `json:"requiredPubKeys"`
	Message         []byte   `json:"message"` // 32-byte sighash digest
	Metadata        map[string]string `json:"metadata,omitempty"`
	IssuedAt        int64    `json:"issuedAt"`
}

func (s *SigningRequestBody) encode() ([]byte, error) { return json.Marshal(s) }

func decodeSigningRequest(b []byte) (*SigningRequestBody, error) {
	var s SigningRequestBody
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Signers parses every required public key in order.
func (s *SigningRequestBody) Signers() ([]*btcec.PublicKey, error) {
	out := make([]*btcec.PublicKey, len(s.RequiredPubKeys))
	for i, b := range s.RequiredPubKeys {
		pk, err := btcec.ParsePubKey(b)
		if err != nil {
			return nil, err
		}
		out[i] = pk
	}
	return out, nil
}

// IncludesCreator reports whether CreatorPubKey is present in
// RequiredPubKeys, the data-model invariant from SPEC_FULL.md §3.
func (s *SigningRequestBody) IncludesCreator() bool {
	for _, b := range s.RequiredPubKeys {
		if string(b) == string(s.CreatorPubKey) {
			return true
		}
	}
	return false
}

// Filter selects advertisements for FindAvailableSigners.
type Filter struct {
	TransactionType string
	MinAmount       uint64
	MaxAmount       uint64
	MaxResults      int
}

func (f Filter) matches(a *AdvertisementBody) bool {
	amount := f.MinAmount
	if f.MaxAmount > amount {
		amount = f.MaxAmount
	}
	if amount == 0 {
		amount = a.Capability.MinAmount
	}
	return a.Capability.Matches(f.TransactionType, amount)
}

// Package directory implements the resource directory: typed, signed
// announcements with a TTL and a local-cache lifecycle, backed by a DHT put/
// get surface supplied by the transport layer. The higher layers that use
// it (discovery, swappool) publish and resolve their own record kinds
// through this one generic, signature-verifying store.
package directory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/klingon-exchange/swapsig-core/internal/transport"
	"github.com/klingon-exchange/swapsig-core/pkg/logging"
)

// Directory errors.
var (
	ErrNotFound         = errors.New("directory: record not found")
	ErrExpired          = errors.New("directory: record expired")
	ErrInvalidSignature = errors.New("directory: signature does not verify")
	ErrRecordTooLarge   = errors.New("directory: encoded record exceeds size cap")
)

// maxRecordSize bounds an encoded Record, mirroring the wire codec's payload
// cap since every Record body is eventually carried as a wire.Message payload.
const maxRecordSize = 100 * 1024

// Kind names the four directory key spaces spec.md §6 names.
type Kind string

const (
	KindSigner         Kind = "signer"
	KindSigningRequest Kind = "signing-request"
	KindSwapPool       Kind = "swapsig-pool"
	KindMusigSession   Kind = "musig2-session"
)

// Key builds the directory key for a (kind, id) pair.
func Key(kind Kind, id string) string {
	return string(kind) + "/" + id
}

// Record is a signed, TTL-bounded announcement. Body carries the
// kind-specific payload (JSON-encoded by the caller, mirroring the
// teacher's SwapMessage.Payload convention).
type Record struct {
	Kind      Kind
	ID        string
	Body      []byte
	SignerKey *btcec.PublicKey
	IssuedAt  time.Time
	ExpiresAt time.Time
	Signature *schnorr.Signature
}

// Expired reports whether the record's TTL has elapsed as of now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// signableBytes is the canonical byte encoding over which Signature is
// computed, following the wire package's fixed-order/length-prefixed style
// (duplicated here rather than imported, since the wire package's field
// writer is unexported and this is a distinct, directory-level envelope).
func (r *Record) signableBytes() []byte {
	var buf bytes.Buffer
	writeField(&buf, []byte(r.Kind))
	writeField(&buf, []byte(r.ID))
	writeField(&buf, r.Body)
	writeField(&buf, schnorr.SerializePubKey(r.SignerKey))
	var ts [16]byte
	binary.BigEndian.PutUint64(ts[0:8], uint64(r.IssuedAt.Unix()))
	binary.BigEndian.PutUint64(ts[8:16], uint64(r.ExpiresAt.Unix()))
	buf.Write(ts[:])
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func readField(r *bytes.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := r.Read(n[:]); err != nil {
		return nil, fmt.Errorf("directory: truncated field length")
	}
	length := binary.BigEndian.Uint32(n[:])
	if int(length) > r.Len() || length > maxRecordSize {
		return nil, fmt.Errorf("directory: truncated or oversized field")
	}
	out := make([]byte, length)
	if _, err := r.Read(out); err != nil {
		return nil, fmt.Errorf("directory: short field read")
	}
	return out, nil
}

// digest hashes the signable bytes to the 32-byte message Sign/Verify take.
func (r *Record) digest() [32]byte {
	return sha256.Sum256(r.signableBytes())
}

// Sign signs the record in place under priv, which must correspond to
// r.SignerKey.
func (r *Record) Sign(priv *btcec.PrivateKey) error {
	d := r.digest()
	sig, err := schnorr.Sign(priv, d[:])
	if err != nil {
		return fmt.Errorf("directory: sign: %w", err)
	}
	r.Signature = sig
	return nil
}

// Verify checks the record's signature against its declared SignerKey.
func (r *Record) Verify() error {
	if r.Signature == nil || r.SignerKey == nil {
		return ErrInvalidSignature
	}
	d := r.digest()
	if !r.Signature.Verify(d[:], r.SignerKey) {
		return ErrInvalidSignature
	}
	return nil
}

// Encode produces the byte form of r suitable for DHT storage.
func (r *Record) Encode() ([]byte, error) {
	if r.Signature == nil {
		return nil, fmt.Errorf("directory: cannot encode unsigned record")
	}
	var buf bytes.Buffer
	buf.Write(r.signableBytes())
	writeField(&buf, r.Signature.Serialize())
	if buf.Len() > maxRecordSize {
		return nil, ErrRecordTooLarge
	}
	return buf.Bytes(), nil
}

// Decode parses the byte form produced by Encode, without verifying the
// signature (callers must call Verify explicitly).
func Decode(data []byte) (*Record, error) {
	if len(data) > maxRecordSize {
		return nil, ErrRecordTooLarge
	}
	r := bytes.NewReader(data)

	kind, err := readField(r)
	if err != nil {
		return nil, err
	}
	id, err := readField(r)
	if err != nil {
		return nil, err
	}
	body, err := readField(r)
	if err != nil {
		return nil, err
	}
	pubBytes, err := readField(r)
	if err != nil {
		return nil, err
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("directory: invalid signer key: %w", err)
	}
	var ts [16]byte
	if _, err := r.Read(ts[:]); err != nil {
		return nil, fmt.Errorf("directory: truncated timestamps")
	}
	issuedAt := time.Unix(int64(binary.BigEndian.Uint64(ts[0:8])), 0)
	expiresAt := time.Unix(int64(binary.BigEndian.Uint64(ts[8:16])), 0)

	sigBytes, err := readField(r)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("directory: invalid signature encoding: %w", err)
	}

	return &Record{
		Kind:      Kind(kind),
		ID:        string(id),
		Body:      body,
		SignerKey: pub,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Signature: sig,
	}, nil
}

// Config controls the directory's TTL defaults and DHT deadlines.
type Config struct {
	DefaultTTL time.Duration
	DHTDeadline time.Duration
}

// DefaultConfig mirrors the teacher's connection-manager style defaults:
// generous but bounded.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:  10 * time.Minute,
		DHTDeadline: 10 * time.Second,
	}
}

// Directory is the local cache + DHT-backed resolver for signed records.
type Directory struct {
	mu    sync.RWMutex
	cache map[string]*Record

	cfg       Config
	transport transport.Adapter
	store     *Store
	log       *logging.Logger
}

// New creates a Directory backed by t for DHT put/get.
func New(cfg Config, t transport.Adapter) *Directory {
	return &Directory{
		cache:     make(map[string]*Record),
		cfg:       cfg,
		transport: t,
		log:       logging.GetDefault().Component("directory"),
	}
}

// AttachStore wires a SQLite-backed Store into the directory and hydrates
// the in-memory cache from it, so records published or cached before a
// restart are immediately resolvable again without a DHT round trip.
func (d *Directory) AttachStore(s *Store) error {
	recs, err := s.LoadAll()
	if err != nil {
		return fmt.Errorf("directory: hydrate from store: %w", err)
	}
	d.mu.Lock()
	d.store = s
	for _, rec := range recs {
		d.cache[Key(rec.Kind, rec.ID)] = rec
	}
	d.mu.Unlock()
	d.log.Info("hydrated directory cache from store", "records", len(recs))
	return nil
}

// Publish verifies rec's own signature, stores it in the local cache, and
// puts it to the DHT under its (kind, id) key.
func (d *Directory) Publish(ctx context.Context, rec *Record) error {
	if err := rec.Verify(); err != nil {
		return err
	}

	data, err := rec.Encode()
	if err != nil {
		return err
	}

	key := Key(rec.Kind, rec.ID)
	d.mu.Lock()
	d.cache[key] = rec
	store := d.store
	d.mu.Unlock()

	if store != nil {
		if err := store.Save(rec); err != nil {
			d.log.Warn("persist record failed", "key", key, "error", err)
		}
	}

	if d.transport == nil {
		return nil
	}
	putCtx, cancel := context.WithTimeout(ctx, d.cfg.DHTDeadline)
	defer cancel()
	if err := d.transport.DHTPut(putCtx, key, data); err != nil {
		d.log.Warn("dht put failed", "key", key, "error", err)
		return fmt.Errorf("directory: dht put: %w", err)
	}
	return nil
}

// Get resolves (kind, id), preferring a fresh local cache entry and falling
// back to a DHT lookup. A cache hit that has expired is purged and treated
// as a miss.
func (d *Directory) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	key := Key(kind, id)

	d.mu.RLock()
	rec, ok := d.cache[key]
	d.mu.RUnlock()
	if ok {
		if rec.Expired(time.Now()) {
			d.mu.Lock()
			delete(d.cache, key)
			d.mu.Unlock()
		} else {
			return rec, nil
		}
	}

	if d.transport == nil {
		return nil, ErrNotFound
	}

	getCtx, cancel := context.WithTimeout(ctx, d.cfg.DHTDeadline)
	defer cancel()
	data, err := d.transport.DHTGet(getCtx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	rec, err = Decode(data)
	if err != nil {
		return nil, err
	}
	if err := rec.Verify(); err != nil {
		return nil, err
	}
	if rec.Expired(time.Now()) {
		return nil, ErrExpired
	}

	d.mu.Lock()
	d.cache[key] = rec
	d.mu.Unlock()
	return rec, nil
}

// Cache stores rec in the local cache only, without a DHT round trip. Used
// when a record arrives over pub-sub (already verified by the caller) and
// should be immediately resolvable locally.
func (d *Directory) Cache(rec *Record) {
	d.mu.Lock()
	d.cache[Key(rec.Kind, rec.ID)] = rec
	store := d.store
	d.mu.Unlock()

	if store != nil {
		if err := store.Save(rec); err != nil {
			d.log.Warn("persist cached record failed", "key", Key(rec.Kind, rec.ID), "error", err)
		}
	}
}

// List returns every non-expired cached record of the given kind.
func (d *Directory) List(kind Kind) []*Record {
	now := time.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Record
	for _, rec := range d.cache {
		if rec.Kind == kind && !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	return out
}

// PurgeExpired removes every expired entry from the local cache and returns
// the count removed. Intended to be called periodically from a ticker, the
// same pattern the teacher uses for coordinator_timeout.go's periodic scans.
func (d *Directory) PurgeExpired() int {
	now := time.Now()
	d.mu.Lock()
	n := 0
	var expired []*Record
	for key, rec := range d.cache {
		if rec.Expired(now) {
			delete(d.cache, key)
			expired = append(expired, rec)
			n++
		}
	}
	store := d.store
	d.mu.Unlock()

	if store != nil {
		for _, rec := range expired {
			_ = store.Delete(rec.Kind, rec.ID)
		}
	}
	return n
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/mo"

	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/lock"
)

var (
	// ErrHashMismatch means the caller asserted a hash that does not
	// match the data it supplied. It always indicates a caller bug.
	ErrHashMismatch = errors.New("blob: data does not match asserted hash")

	// ErrInvalidRefName is returned for empty, oversized, or
	// path-escaping ref names.
	ErrInvalidRefName = errors.New("blob: invalid ref name")

	// ErrCorrupt is returned when a stored blob's content no longer
	// hashes to its key.
	ErrCorrupt = errors.New("blob: stored content does not match its hash")

	// ErrNoLocker is returned by CompareAndSwapRef on a store
	// configured without a Locker.
	ErrNoLocker = errors.New("blob: compare-and-swap requires a Locker")
)

// MaxRefNameLength bounds ref names so that every name maps to a
// valid file name in FileBackend.
const MaxRefNameLength = 180

// Blob is an immutable payload plus the hashes it depends on.
type Blob struct {
	Data       []byte
	References []Hash
}

// record is the persisted envelope for both blobs and refs.
type record struct {
	Compression CompressionTag `cbor:"compression"`
	Size        int            `cbor:"size"`
	Data        []byte         `cbor:"data"`
	References  []Hash         `cbor:"references,omitempty"`
}

// Config configures a Store.
type Config struct {
	Backend Backend

	// Compress enables zstd/lz4 compression of stored payloads.
	Compress bool

	// Locker enables CompareAndSwapRef.
	Locker  *lock.Locker
	LockTTL time.Duration

	Logger *slog.Logger
}

// Store is the content-addressed blob store with mutable named refs.
type Store struct {
	backend  Backend
	compress bool
	locker   *lock.Locker
	lockTTL  time.Duration
	logger   *slog.Logger
}

// NewStore returns a Store over cfg.Backend.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("blob: Backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Store{
		backend:  cfg.Backend,
		compress: cfg.Compress,
		locker:   cfg.Locker,
		lockTTL:  lockTTL,
		logger:   logger,
	}, nil
}

// WriteBlob stores data under its content hash and returns the hash.
// Writing content that already exists only refreshes its recency.
func (s *Store) WriteBlob(ctx context.Context, data []byte, references []Hash) (Hash, error) {
	hash := HashData(data)
	key := blobKey(hash)

	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return Hash{}, err
	}
	if exists {
		if toucher, ok := s.backend.(Toucher); ok {
			if err := toucher.Touch(ctx, key); err != nil {
				return Hash{}, err
			}
		}
		return hash, nil
	}

	encoded, err := s.encode(data, references)
	if err != nil {
		return Hash{}, err
	}
	if err := s.backend.Write(ctx, key, encoded); err != nil {
		return Hash{}, err
	}
	s.logger.Debug("blob written",
		"hash", hash,
		"size", len(data),
		"references", len(references),
	)
	return hash, nil
}

// WriteBlobWithHash is WriteBlob for callers that already know the
// hash (an agent uploading a tree it hashed locally). A mismatch
// returns ErrHashMismatch and writes nothing.
func (s *Store) WriteBlobWithHash(ctx context.Context, expected Hash, data []byte, references []Hash) error {
	if actual := HashData(data); actual != expected {
		return fmt.Errorf("%w: asserted %s, computed %s", ErrHashMismatch, expected, actual)
	}
	_, err := s.WriteBlob(ctx, data, references)
	return err
}

// TryReadBlob returns the blob for hash. An unknown hash is
// (Blob{}, false, nil).
func (s *Store) TryReadBlob(ctx context.Context, hash Hash) (Blob, bool, error) {
	encoded, found, err := s.backend.Read(ctx, blobKey(hash))
	if err != nil || !found {
		return Blob{}, false, err
	}
	blob, err := s.decode(encoded)
	if err != nil {
		return Blob{}, false, fmt.Errorf("blob %s: %w", hash, err)
	}
	if HashData(blob.Data) != hash {
		return Blob{}, false, fmt.Errorf("%w: %s", ErrCorrupt, hash)
	}
	return blob, true, nil
}

// HasBlob reports whether hash is stored.
func (s *Store) HasBlob(ctx context.Context, hash Hash) (bool, error) {
	return s.backend.Exists(ctx, blobKey(hash))
}

// WriteRef replaces the named ref. Last write wins.
func (s *Store) WriteRef(ctx context.Context, name string, data []byte, references []Hash) error {
	if err := ValidateRefName(name); err != nil {
		return err
	}
	encoded, err := s.encode(data, references)
	if err != nil {
		return err
	}
	return s.backend.Write(ctx, refKey(name), encoded)
}

// TryReadRef returns the named ref, or (Blob{}, false, nil) if unset.
func (s *Store) TryReadRef(ctx context.Context, name string) (Blob, bool, error) {
	if err := ValidateRefName(name); err != nil {
		return Blob{}, false, err
	}
	encoded, found, err := s.backend.Read(ctx, refKey(name))
	if err != nil || !found {
		return Blob{}, false, err
	}
	blob, err := s.decode(encoded)
	if err != nil {
		return Blob{}, false, fmt.Errorf("ref %q: %w", name, err)
	}
	return blob, true, nil
}

func (s *Store) HasRef(ctx context.Context, name string) (bool, error) {
	if err := ValidateRefName(name); err != nil {
		return false, err
	}
	return s.backend.Exists(ctx, refKey(name))
}

func (s *Store) DeleteRef(ctx context.Context, name string) error {
	if err := ValidateRefName(name); err != nil {
		return err
	}
	return s.backend.Delete(ctx, refKey(name))
}

// CompareAndSwapRef writes the ref only if its current data hashes to
// expected (or, for mo.None, if the ref does not exist). The
// read-compare-write runs under a named lock so concurrent swappers
// on any process sharing the lock database serialize. It returns false
// when the comparison fails.
func (s *Store) CompareAndSwapRef(ctx context.Context, name string, expected mo.Option[Hash], data []byte, references []Hash) (bool, error) {
	if s.locker == nil {
		return false, ErrNoLocker
	}
	if err := ValidateRefName(name); err != nil {
		return false, err
	}

	held, err := s.locker.Acquire(ctx, "ref:"+name, s.lockTTL)
	if err != nil {
		return false, fmt.Errorf("blob: locking ref %q: %w", name, err)
	}
	defer held.Close()

	current, found, err := s.TryReadRef(ctx, name)
	if err != nil {
		return false, err
	}
	expectedHash, wantExisting := expected.Get()
	switch {
	case wantExisting != found:
		return false, nil
	case found && HashData(current.Data) != expectedHash:
		return false, nil
	}

	select {
	case <-held.Lost():
		return false, fmt.Errorf("blob: lost lock on ref %q before write", name)
	default:
	}

	if err := s.WriteRef(ctx, name, data, references); err != nil {
		return false, err
	}
	return true, nil
}

// ValidateRefName checks a ref name: non-empty, at most
// MaxRefNameLength bytes, no NUL, no leading "/", no ".." segment.
func ValidateRefName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidRefName)
	case len(name) > MaxRefNameLength:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidRefName, len(name), MaxRefNameLength)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: contains NUL", ErrInvalidRefName)
	case strings.HasPrefix(name, "/"):
		return fmt.Errorf("%w: %q is absolute", ErrInvalidRefName, name)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: %q contains ..", ErrInvalidRefName, name)
		}
	}
	return nil
}

func (s *Store) encode(data []byte, references []Hash) ([]byte, error) {
	rec := record{
		Compression: CompressionNone,
		Size:        len(data),
		Data:        data,
		References:  references,
	}
	if s.compress {
		rec.Compression, rec.Data = compressPayload(data)
	}
	encoded, err := codec.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("blob: encoding record: %w", err)
	}
	return encoded, nil
}

// decode accepts records written with or without compression, so a
// store can change its Compress setting without a migration.
func (s *Store) decode(encoded []byte) (Blob, error) {
	var rec record
	if err := codec.Unmarshal(encoded, &rec); err != nil {
		return Blob{}, fmt.Errorf("decoding record: %w", err)
	}
	data, err := decompressPayload(rec.Compression, rec.Data, rec.Size)
	if err != nil {
		return Blob{}, err
	}
	if data == nil {
		data = []byte{}
	}
	references := rec.References
	if references == nil {
		references = []Hash{}
	}
	return Blob{Data: data, References: references}, nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"

	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/lock"
	"github.com/bureau-foundation/foreman/lib/sqlitepool"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type backendFactory func(t *testing.T, clk clock.Clock) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T, clk clock.Clock) Backend {
			return NewMemoryBackend(clk)
		},
		"file": func(t *testing.T, clk clock.Clock) Backend {
			backend, err := OpenFileBackend(t.TempDir(), clk)
			if err != nil {
				t.Fatalf("OpenFileBackend: %v", err)
			}
			t.Cleanup(func() { backend.Close() })
			return backend
		},
		"sqlite": func(t *testing.T, clk clock.Clock) Backend {
			pool, err := sqlitepool.Open(sqlitepool.Config{
				Path:   filepath.Join(t.TempDir(), "blobs.db"),
				Schema: SQLiteSchema,
			})
			if err != nil {
				t.Fatalf("sqlitepool.Open: %v", err)
			}
			t.Cleanup(func() { pool.Close() })
			return NewSQLiteBackend(pool, clk)
		},
		"cached-memory": func(t *testing.T, clk clock.Clock) Backend {
			return NewCachedBackend(NewMemoryBackend(clk), 4)
		},
	}
}

func newStore(t *testing.T, backend Backend, compress bool) *Store {
	t.Helper()
	store, err := NewStore(Config{Backend: backend, Compress: compress})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestBlobRoundTrip(t *testing.T) {
	for name, factory := range backends() {
		for _, compress := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/compress=%v", name, compress), func(t *testing.T) {
				store := newStore(t, factory(t, clock.Fake(epoch)), compress)
				ctx := context.Background()

				hash, err := store.WriteBlob(ctx, []byte{0x41, 0x42}, nil)
				if err != nil {
					t.Fatalf("WriteBlob: %v", err)
				}
				if hash != HashData([]byte{0x41, 0x42}) {
					t.Fatalf("id %s is not the content hash", hash)
				}

				blob, found, err := store.TryReadBlob(ctx, hash)
				if err != nil || !found {
					t.Fatalf("TryReadBlob: found=%v err=%v", found, err)
				}
				if !bytes.Equal(blob.Data, []byte{0x41, 0x42}) {
					t.Errorf("data = %x, want 4142", blob.Data)
				}
				if len(blob.References) != 0 {
					t.Errorf("references = %v, want empty", blob.References)
				}

				_, found, err = store.TryReadBlob(ctx, HashData([]byte("never written")))
				if err != nil {
					t.Fatalf("TryReadBlob(unknown): %v", err)
				}
				if found {
					t.Error("unknown id reported found")
				}
			})
		}
	}
}

func TestWriteBlobIsIdempotent(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clk := clock.Fake(epoch)
			backend := factory(t, clk)
			store := newStore(t, backend, true)
			ctx := context.Background()
			data := []byte(strings.Repeat("build output line\n", 100))

			first, err := store.WriteBlob(ctx, data, nil)
			if err != nil {
				t.Fatalf("first WriteBlob: %v", err)
			}
			clk.Advance(time.Hour)
			second, err := store.WriteBlob(ctx, data, nil)
			if err != nil {
				t.Fatalf("second WriteBlob: %v", err)
			}
			if first != second {
				t.Fatalf("ids differ: %s vs %s", first, second)
			}

			lister, ok := backend.(Lister)
			if !ok {
				return
			}
			infos, err := lister.List(ctx, blobPrefix)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(infos) != 1 {
				t.Fatalf("%d blob keys, want 1", len(infos))
			}
			if !infos[0].Touched.Equal(clk.Now()) {
				t.Errorf("rewrite did not touch: touched %v, now %v", infos[0].Touched, clk.Now())
			}
		})
	}
}

func TestReferencesPreservedInOrder(t *testing.T) {
	store := newStore(t, NewMemoryBackend(clock.Fake(epoch)), false)
	ctx := context.Background()

	leafA, _ := store.WriteBlob(ctx, []byte("a"), nil)
	leafB, _ := store.WriteBlob(ctx, []byte("b"), nil)
	root, err := store.WriteBlob(ctx, []byte("root"), []Hash{leafB, leafA})
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}

	blob, _, err := store.TryReadBlob(ctx, root)
	if err != nil {
		t.Fatalf("TryReadBlob: %v", err)
	}
	if len(blob.References) != 2 || blob.References[0] != leafB || blob.References[1] != leafA {
		t.Fatalf("references = %v, want [%s %s]", blob.References, leafB, leafA)
	}
}

func TestRewriteKeepsFirstReferences(t *testing.T) {
	store := newStore(t, NewMemoryBackend(clock.Fake(epoch)), false)
	ctx := context.Background()

	leafA, _ := store.WriteBlob(ctx, []byte("a"), nil)
	leafB, _ := store.WriteBlob(ctx, []byte("b"), nil)
	first, err := store.WriteBlob(ctx, []byte("root"), []Hash{leafA})
	if err != nil {
		t.Fatalf("first WriteBlob: %v", err)
	}
	second, err := store.WriteBlob(ctx, []byte("root"), []Hash{leafB})
	if err != nil {
		t.Fatalf("second WriteBlob: %v", err)
	}
	if first != second {
		t.Fatalf("same data hashed to %s and %s", first, second)
	}

	blob, _, err := store.TryReadBlob(ctx, first)
	if err != nil {
		t.Fatalf("TryReadBlob: %v", err)
	}
	if len(blob.References) != 1 || blob.References[0] != leafA {
		t.Errorf("references = %v, want the first write's [%s]", blob.References, leafA)
	}
}

func TestWriteBlobWithHash(t *testing.T) {
	store := newStore(t, NewMemoryBackend(clock.Fake(epoch)), false)
	ctx := context.Background()
	data := []byte("payload")

	if err := store.WriteBlobWithHash(ctx, HashData(data), data, nil); err != nil {
		t.Fatalf("matching hash: %v", err)
	}

	wrong := HashData([]byte("other"))
	err := store.WriteBlobWithHash(ctx, wrong, data, nil)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("err = %v, want ErrHashMismatch", err)
	}
	if found, _ := store.HasBlob(ctx, wrong); found {
		t.Fatal("mismatched write stored something under the asserted hash")
	}
}

func TestCorruptBlobDetected(t *testing.T) {
	backend := NewMemoryBackend(clock.Fake(epoch))
	store := newStore(t, backend, false)
	ctx := context.Background()

	hash, _ := store.WriteBlob(ctx, []byte("original"), nil)
	tampered, err := store.encode([]byte("tampered"), nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	backend.Write(ctx, blobKey(hash), tampered)

	if _, _, err := store.TryReadBlob(ctx, hash); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestRefsAreMutable(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t, factory(t, clock.Fake(epoch)), false)
			ctx := context.Background()
			refName := "logs/log_01/0"

			if found, err := store.HasRef(ctx, refName); err != nil || found {
				t.Fatalf("HasRef before write: found=%v err=%v", found, err)
			}

			target := HashData([]byte("chunk"))
			if err := store.WriteRef(ctx, refName, []byte("v1"), []Hash{target}); err != nil {
				t.Fatalf("WriteRef: %v", err)
			}
			if err := store.WriteRef(ctx, refName, []byte("v2"), nil); err != nil {
				t.Fatalf("WriteRef overwrite: %v", err)
			}

			ref, found, err := store.TryReadRef(ctx, refName)
			if err != nil || !found {
				t.Fatalf("TryReadRef: found=%v err=%v", found, err)
			}
			if string(ref.Data) != "v2" || len(ref.References) != 0 {
				t.Fatalf("ref = %q %v, want last write", ref.Data, ref.References)
			}

			if err := store.DeleteRef(ctx, refName); err != nil {
				t.Fatalf("DeleteRef: %v", err)
			}
			if _, found, _ := store.TryReadRef(ctx, refName); found {
				t.Fatal("ref still present after delete")
			}
			if err := store.DeleteRef(ctx, refName); err != nil {
				t.Fatalf("deleting a missing ref: %v", err)
			}
		})
	}
}

func TestValidateRefName(t *testing.T) {
	valid := []string{"main", "logs/log_01/1024", "channels/ns.chan_1", strings.Repeat("x", MaxRefNameLength)}
	for _, name := range valid {
		if err := ValidateRefName(name); err != nil {
			t.Errorf("ValidateRefName(%q): %v", name, err)
		}
	}
	invalid := []string{"", "/abs", "a/../b", "..", "nul\x00", strings.Repeat("x", MaxRefNameLength+1)}
	for _, name := range invalid {
		if err := ValidateRefName(name); !errors.Is(err, ErrInvalidRefName) {
			t.Errorf("ValidateRefName(%q) = %v, want ErrInvalidRefName", name, err)
		}
	}
}

func newLockingStore(t *testing.T) *Store {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(t.TempDir(), "locks.db"),
		Schema: lock.Schema,
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	locker, err := lock.New(lock.Config{
		Pool:          pool,
		Clock:         clock.Real(),
		RetryInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	store, err := NewStore(Config{Backend: NewMemoryBackend(clock.Real()), Locker: locker})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestCompareAndSwapRef(t *testing.T) {
	store := newLockingStore(t)
	ctx := context.Background()

	swapped, err := store.CompareAndSwapRef(ctx, "head", mo.None[Hash](), []byte("v1"), nil)
	if err != nil || !swapped {
		t.Fatalf("create: swapped=%v err=%v", swapped, err)
	}

	swapped, err = store.CompareAndSwapRef(ctx, "head", mo.None[Hash](), []byte("v1b"), nil)
	if err != nil || swapped {
		t.Fatalf("create over existing: swapped=%v err=%v", swapped, err)
	}

	swapped, err = store.CompareAndSwapRef(ctx, "head", mo.Some(HashData([]byte("stale"))), []byte("v2"), nil)
	if err != nil || swapped {
		t.Fatalf("stale expectation: swapped=%v err=%v", swapped, err)
	}

	swapped, err = store.CompareAndSwapRef(ctx, "head", mo.Some(HashData([]byte("v1"))), []byte("v2"), nil)
	if err != nil || !swapped {
		t.Fatalf("matching expectation: swapped=%v err=%v", swapped, err)
	}

	ref, _, _ := store.TryReadRef(ctx, "head")
	if string(ref.Data) != "v2" {
		t.Fatalf("ref = %q, want v2", ref.Data)
	}
}

func TestCompareAndSwapRefConcurrentIncrements(t *testing.T) {
	store := newLockingStore(t)
	ctx := context.Background()
	if err := store.WriteRef(ctx, "counter", []byte("0"), nil); err != nil {
		t.Fatalf("WriteRef: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				current, _, err := store.TryReadRef(ctx, "counter")
				if err != nil {
					errs <- err
					return
				}
				var value int
				fmt.Sscanf(string(current.Data), "%d", &value)
				next := []byte(fmt.Sprint(value + 1))
				swapped, err := store.CompareAndSwapRef(ctx, "counter", mo.Some(HashData(current.Data)), next, nil)
				if err != nil {
					errs <- err
					return
				}
				if swapped {
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker: %v", err)
	}

	final, _, _ := store.TryReadRef(ctx, "counter")
	if string(final.Data) != fmt.Sprint(workers) {
		t.Fatalf("counter = %s, want %d (lost update)", final.Data, workers)
	}
}

func TestCompareAndSwapRefWithoutLocker(t *testing.T) {
	store := newStore(t, NewMemoryBackend(clock.Fake(epoch)), false)
	_, err := store.CompareAndSwapRef(context.Background(), "x", mo.None[Hash](), nil, nil)
	if !errors.Is(err, ErrNoLocker) {
		t.Fatalf("err = %v, want ErrNoLocker", err)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/foreman/lib/clock"
)

func TestFileBackendExclusiveRoot(t *testing.T) {
	root := t.TempDir()
	first, err := OpenFileBackend(root, clock.Fake(epoch))
	if err != nil {
		t.Fatalf("first open: %v", err)
	}

	if _, err := OpenFileBackend(root, clock.Fake(epoch)); !errors.Is(err, ErrBackendLocked) {
		t.Fatalf("second open err = %v, want ErrBackendLocked", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	second, err := OpenFileBackend(root, clock.Fake(epoch))
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	second.Close()
}

func TestFileBackendLayout(t *testing.T) {
	root := t.TempDir()
	backend, err := OpenFileBackend(root, clock.Fake(epoch))
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()

	hash := HashData([]byte("x"))
	if err := backend.Write(ctx, blobKey(hash), []byte("record")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	path, _ := backend.path(blobKey(hash))
	if filepath.Base(path) != hash.String() {
		t.Errorf("blob file name = %s, want the hash", filepath.Base(path))
	}
	if !strings.HasPrefix(path, filepath.Join(root, "blobs")) {
		t.Errorf("blob path %s not under the blobs directory", path)
	}

	// Ref names with slashes are encoded and survive a List round trip.
	if err := backend.Write(ctx, refKey("logs/log_1/4096"), []byte("index")); err != nil {
		t.Fatalf("Write ref: %v", err)
	}
	infos, err := backend.List(ctx, refPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 || infos[0].Key != "refs/logs/log_1/4096" {
		t.Fatalf("List = %+v", infos)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), tempFilePrefix) {
			t.Errorf("temp file %s left behind", entry.Name())
		}
	}
}

func TestFileBackendRejectsBadKeys(t *testing.T) {
	backend, err := OpenFileBackend(t.TempDir(), clock.Fake(epoch))
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	defer backend.Close()

	for _, key := range []string{"nokind", "../escape/x", "blobs/"} {
		if err := backend.Write(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("Write(%q) succeeded", key)
		}
	}
}

func TestEncodeNameRoundTrip(t *testing.T) {
	for _, name := range []string{"plain-name_1.txt", "with/slash", ".hidden", "~tilde", "spaces here"} {
		decoded, err := decodeName(encodeName(name))
		if err != nil || decoded != name {
			t.Errorf("round trip of %q = %q, %v", name, decoded, err)
		}
	}
}

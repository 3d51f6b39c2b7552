// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/clock"
)

type tree map[string]string

func writeTree(t *testing.T, root string, files tree) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newBlobStore(t *testing.T) *blob.Store {
	t.Helper()
	store, err := blob.NewStore(blob.Config{Backend: blob.NewMemoryBackend(clock.Fake(epoch))})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestDirectoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newBlobStore(t)
	source := t.TempDir()
	writeTree(t, source, tree{
		"main.c":         "int main() { return 0; }",
		"include/util.h": "#pragma once",
		"empty/.keep":    "",
	})
	if err := os.Chmod(filepath.Join(source, "main.c"), 0o755); err != nil {
		t.Fatal(err)
	}

	hash, err := UploadDirectory(ctx, store, source)
	if err != nil {
		t.Fatalf("UploadDirectory: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "sandbox")
	if err := MaterializeDirectory(ctx, store, hash, dest); err != nil {
		t.Fatalf("MaterializeDirectory: %v", err)
	}
	for name, want := range map[string]string{"main.c": "int main() { return 0; }", "include/util.h": "#pragma once", "empty/.keep": ""} {
		got, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil || string(got) != want {
			t.Errorf("%s = %q, %v; want %q", name, got, err, want)
		}
	}
	info, err := os.Stat(filepath.Join(dest, "main.c"))
	if err != nil || info.Mode()&0o100 == 0 {
		t.Errorf("executable bit lost: %v %v", info.Mode(), err)
	}

	// Identical content hashes identically.
	again, err := UploadDirectory(ctx, store, dest)
	if err != nil {
		t.Fatalf("UploadDirectory(dest): %v", err)
	}
	if again != hash {
		t.Errorf("re-upload hash = %s, want %s", again, hash)
	}
}

// partialStore hides one blob.
type partialStore struct {
	*blob.Store
	hidden blob.Hash
}

func (s partialStore) TryReadBlob(ctx context.Context, hash blob.Hash) (blob.Blob, bool, error) {
	if hash == s.hidden {
		return blob.Blob{}, false, nil
	}
	return s.Store.TryReadBlob(ctx, hash)
}

func TestMaterializeReportsMissingBlob(t *testing.T) {
	ctx := context.Background()
	store := newBlobStore(t)
	source := t.TempDir()
	writeTree(t, source, tree{"data.bin": "payload"})
	hash, err := UploadDirectory(ctx, store, source)
	if err != nil {
		t.Fatal(err)
	}

	fileHash := blob.HashData([]byte("payload"))
	err = MaterializeDirectory(ctx, partialStore{Store: store, hidden: fileHash}, hash, t.TempDir())
	missing, ok := MissingHash(err)
	if !ok || missing != fileHash {
		t.Errorf("err = %v, want BlobNotFoundError for the file", err)
	}

	err = MaterializeDirectory(ctx, store, blob.HashData([]byte("no tree")), t.TempDir())
	var notFound *BlobNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("missing root err = %v", err)
	}
}

func TestTaskDefinitionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newBlobStore(t)
	definition := ComputeTaskDefinition{
		Executable:       "/usr/bin/cc",
		Arguments:        []string{"-c", "main.c"},
		EnvVars:          map[string]string{"LANG": "C"},
		WorkingDirectory: "src",
		Sandbox:          blob.HashData([]byte("tree")),
		OutputPaths:      []string{"main.o"},
	}
	hash, err := WriteTaskDefinition(ctx, store, definition)
	if err != nil {
		t.Fatalf("WriteTaskDefinition: %v", err)
	}
	read, err := ReadTaskDefinition(ctx, store, hash)
	if err != nil {
		t.Fatalf("ReadTaskDefinition: %v", err)
	}
	if read.Executable != definition.Executable || read.Sandbox != definition.Sandbox || read.EnvVars["LANG"] != "C" {
		t.Errorf("read = %+v", read)
	}
	stored, _, _ := store.TryReadBlob(ctx, hash)
	if len(stored.References) != 1 || stored.References[0] != definition.Sandbox {
		t.Errorf("references = %v, want the sandbox", stored.References)
	}

	if _, err := WriteTaskDefinition(ctx, store, ComputeTaskDefinition{}); err == nil {
		t.Error("definition without executable accepted")
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bureau-foundation/foreman/lib/blob"
)

// FileNode is one regular file in a DirectoryNode.
type FileNode struct {
	Name       string    `cbor:"name"`
	Hash       blob.Hash `cbor:"hash"`
	Size       int64     `cbor:"size"`
	Executable bool      `cbor:"executable,omitempty"`
}

// DirectoryEntry names a subdirectory's DirectoryNode blob.
type DirectoryEntry struct {
	Name string    `cbor:"name"`
	Hash blob.Hash `cbor:"hash"`
}

// DirectoryNode is one level of an uploaded tree. Entries are sorted
// by name so identical trees hash identically. The node's blob
// references every child, which keeps the whole tree alive under
// garbage collection.
type DirectoryNode struct {
	Files       []FileNode       `cbor:"files,omitempty"`
	Directories []DirectoryEntry `cbor:"directories,omitempty"`
}

// UploadDirectory stores the tree under root and returns the hash of
// its root DirectoryNode. Symlinks and other special files are
// rejected.
func UploadDirectory(ctx context.Context, store BlobStore, root string) (blob.Hash, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return blob.Hash{}, fmt.Errorf("reading %s: %w", root, err)
	}

	var node DirectoryNode
	var references []blob.Hash
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return blob.Hash{}, err
		}
		path := filepath.Join(root, entry.Name())
		switch {
		case entry.IsDir():
			hash, err := UploadDirectory(ctx, store, path)
			if err != nil {
				return blob.Hash{}, err
			}
			node.Directories = append(node.Directories, DirectoryEntry{Name: entry.Name(), Hash: hash})
			references = append(references, hash)

		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return blob.Hash{}, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return blob.Hash{}, fmt.Errorf("reading %s: %w", path, err)
			}
			hash, err := store.WriteBlob(ctx, data, nil)
			if err != nil {
				return blob.Hash{}, fmt.Errorf("uploading %s: %w", path, err)
			}
			node.Files = append(node.Files, FileNode{
				Name:       entry.Name(),
				Hash:       hash,
				Size:       int64(len(data)),
				Executable: info.Mode()&0o111 != 0,
			})
			references = append(references, hash)

		default:
			return blob.Hash{}, fmt.Errorf("uploading %s: unsupported file type %s", path, entry.Type())
		}
	}

	sort.Slice(node.Files, func(i, j int) bool { return node.Files[i].Name < node.Files[j].Name })
	sort.Slice(node.Directories, func(i, j int) bool { return node.Directories[i].Name < node.Directories[j].Name })
	return writeCBOR(ctx, store, node, references)
}

// MaterializeDirectory writes the tree named by hash under dest,
// creating dest if needed. A missing node or file blob returns a
// *BlobNotFoundError carrying its hash.
func MaterializeDirectory(ctx context.Context, store BlobStore, hash blob.Hash, dest string) error {
	var node DirectoryNode
	if err := readCBOR(ctx, store, hash, &node); err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	for _, file := range node.Files {
		if err := validEntryName(file.Name); err != nil {
			return err
		}
		content, ok, err := store.TryReadBlob(ctx, file.Hash)
		if err != nil {
			return err
		}
		if !ok {
			return &BlobNotFoundError{Hash: file.Hash}
		}
		mode := os.FileMode(0o644)
		if file.Executable {
			mode = 0o755
		}
		if err := os.WriteFile(filepath.Join(dest, file.Name), content.Data, mode); err != nil {
			return err
		}
	}
	for _, directory := range node.Directories {
		if err := validEntryName(directory.Name); err != nil {
			return err
		}
		if err := MaterializeDirectory(ctx, store, directory.Hash, filepath.Join(dest, directory.Name)); err != nil {
			return err
		}
	}
	return nil
}

// validEntryName keeps a hostile tree from writing outside dest.
func validEntryName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("compute: invalid tree entry name %q", name)
	}
	return nil
}

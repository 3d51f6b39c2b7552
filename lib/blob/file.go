// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/bureau-foundation/foreman/lib/clock"
)

// ErrBackendLocked is returned by OpenFileBackend when another process
// already owns the directory.
var ErrBackendLocked = errors.New("blob: file backend directory is locked by another process")

// FileBackend stores each key as one file under a root directory:
//
//	<root>/<kind>/<shard[:2]>/<shard[2:4]>/<name>
//
// where shard is the hex keyed hash of the key name. Names made of
// filename-safe characters are stored as-is (blob hashes always are);
// anything else is stored as "~" + base64url(name). Writes go to a
// temp file in the target directory and are renamed into place. File
// mtimes carry the recency timestamp.
//
// One process owns a root at a time, enforced with an flock on
// <root>/.lock.
type FileBackend struct {
	root  string
	clock clock.Clock
	lock  *flock.Flock
}

const (
	fileLockName   = ".lock"
	tempFilePrefix = ".tmp-"
	encodedPrefix  = "~"
	maxPlainName   = 200
)

// OpenFileBackend creates root if needed and takes its lock.
func OpenFileBackend(root string, clk clock.Clock) (*FileBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: creating %s: %w", root, err)
	}

	fileLock := flock.New(filepath.Join(root, fileLockName))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("blob: locking %s: %w", root, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrBackendLocked, root)
	}

	return &FileBackend{root: root, clock: clk, lock: fileLock}, nil
}

// Close releases the directory lock.
func (b *FileBackend) Close() error {
	if err := b.lock.Unlock(); err != nil {
		return fmt.Errorf("blob: unlocking %s: %w", b.root, err)
	}
	return nil
}

func (b *FileBackend) Read(_ context.Context, key string) ([]byte, bool, error) {
	path, err := b.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blob: reading %s: %w", key, err)
	}
	return data, true, nil
}

func (b *FileBackend) Write(_ context.Context, key string, data []byte) error {
	finalPath, err := b.path(key)
	if err != nil {
		return err
	}
	directory := filepath.Dir(finalPath)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("blob: creating shard directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(directory, tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("blob: creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("blob: writing %s: %w", key, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("blob: closing temp file: %w", err)
	}
	now := b.clock.Now()
	if err := os.Chtimes(tmpPath, now, now); err != nil {
		return fmt.Errorf("blob: stamping %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("blob: renaming into %s: %w", finalPath, err)
	}

	success = true
	return nil
}

func (b *FileBackend) Exists(_ context.Context, key string) (bool, error) {
	path, err := b.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob: stat %s: %w", key, err)
	}
	return true, nil
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob: deleting %s: %w", key, err)
	}
	return nil
}

func (b *FileBackend) Touch(_ context.Context, key string) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	now := b.clock.Now()
	if err := os.Chtimes(path, now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob: touching %s: %w", key, err)
	}
	return nil
}

// List walks the kind directory named by prefix (the part before the
// first "/") and returns every key starting with prefix.
func (b *FileBackend) List(_ context.Context, prefix string) ([]KeyInfo, error) {
	kind, _, _ := strings.Cut(prefix, "/")
	if !safeName(kind) {
		return nil, fmt.Errorf("blob: invalid list prefix %q", prefix)
	}
	kindRoot := filepath.Join(b.root, kind)

	var infos []KeyInfo
	err := filepath.WalkDir(kindRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempFilePrefix) {
			return nil
		}
		name, err := decodeName(entry.Name())
		if err != nil {
			return nil
		}
		key := kind + "/" + name
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		infos = append(infos, KeyInfo{Key: key, Touched: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: listing %s: %w", prefix, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (b *FileBackend) path(key string) (string, error) {
	kind, name, ok := strings.Cut(key, "/")
	if !ok || !safeName(kind) || name == "" {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	shard := keyedHash(keyNameDomainKey, []byte(name)).String()
	return filepath.Join(b.root, kind, shard[:2], shard[2:4], encodeName(name)), nil
}

func encodeName(name string) string {
	if safeName(name) {
		return name
	}
	return encodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(name))
}

func decodeName(fileName string) (string, error) {
	encoded, ok := strings.CutPrefix(fileName, encodedPrefix)
	if !ok {
		return fileName, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// safeName reports whether name can be used verbatim as a file name.
func safeName(name string) bool {
	if name == "" || len(name) > maxPlainName || name[0] == '.' || name[0] == '~' {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

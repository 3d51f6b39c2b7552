// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestCompressPayloadChoosesByContent(t *testing.T) {
	random := make([]byte, 4096)
	rand.Read(random)

	tests := []struct {
		name string
		data []byte
		want CompressionTag
	}{
		{"small", []byte("short log line\n"), CompressionNone},
		{"text", []byte(strings.Repeat("compiling module foo/bar.cc\n", 200)), CompressionZstd},
		{"random", random, CompressionNone},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tag, compressed := compressPayload(test.data)
			if tag != test.want {
				t.Fatalf("tag = %s, want %s", tag, test.want)
			}
			restored, err := decompressPayload(tag, compressed, len(test.data))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(restored, test.data) {
				t.Fatal("round trip changed the payload")
			}
		})
	}
}

func TestLZ4RoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("abcdefgh", 512))
	compressed, err := compressLZ4(data)
	if err != nil {
		t.Fatalf("compressLZ4: %v", err)
	}
	restored, err := decompressPayload(CompressionLZ4, compressed, len(data))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Fatal("lz4 round trip changed the payload")
	}
}

func TestDecompressRejectsWrongSize(t *testing.T) {
	if _, err := decompressPayload(CompressionNone, []byte("abc"), 4); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, err := decompressPayload(CompressionTag(9), []byte("abc"), 3); err == nil {
		t.Fatal("expected unknown tag error")
	}
}

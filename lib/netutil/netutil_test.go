// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestDecodeResponse(t *testing.T) {
	var result struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := DecodeResponse(strings.NewReader(`{"name":"linux","count":3}`), &result); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if result.Name != "linux" || result.Count != 3 {
		t.Errorf("result = %+v", result)
	}

	if err := DecodeResponse(strings.NewReader("not json"), &result); err == nil {
		t.Error("invalid JSON decoded")
	}
	if err := DecodeResponse(failingReader{}, &result); err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Errorf("read error = %v", err)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error":"pool not found"}`, "pool not found"},
		{"  upstream timeout\n", "upstream timeout"},
		{`{"detail":"other shape"}`, `{"detail":"other shape"}`},
		{"", ""},
	}
	for _, test := range tests {
		if got := ErrorMessage(strings.NewReader(test.body)); got != test.want {
			t.Errorf("ErrorMessage(%q) = %q, want %q", test.body, got, test.want)
		}
	}
	if got := ErrorMessage(failingReader{}); got != "" {
		t.Errorf("ErrorMessage(failing) = %q", got)
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("reading: %w", io.ErrUnexpectedEOF), true},
		{net.ErrClosed, true},
		{&os.SyscallError{Syscall: "write", Err: syscall.EPIPE}, true},
		{&net.OpError{Op: "read", Err: &os.SyscallError{Syscall: "read", Err: syscall.ECONNRESET}}, true},
		{syscall.EACCES, false},
		{errors.New("invalid request"), false},
	}
	for _, test := range tests {
		if got := IsExpectedCloseError(test.err); got != test.want {
			t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ids generates the prefixed ULID identifiers used for leases,
// agents, sessions, channels and lock tokens: "lease_01J9...". ULIDs
// sort by creation time, so listing leases by id lists them by age.
package ids

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes in use. The prefix names the kind of thing an id refers to
// so a stray id in a log line is self-describing.
const (
	Lease   = "lease"
	Agent   = "agent"
	Session = "sess"
	Channel = "chan"
	Lock    = "lock"
	Log     = "log"
	Job     = "job"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns prefix + "_" + a fresh ULID. Panics on an empty prefix.
func New(prefix string) string {
	cleanPrefix := strings.ToLower(strings.TrimSpace(prefix))
	if cleanPrefix == "" {
		panic("ids: prefix cannot be empty")
	}

	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()

	return cleanPrefix + "_" + id.String()
}

// Validate checks that id has the form prefix_ULID for the given prefix.
func Validate(id, prefix string) error {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok {
		return fmt.Errorf("id %q does not have prefix %q", id, prefix)
	}
	if _, err := ulid.ParseStrict(rest); err != nil {
		return fmt.Errorf("id %q: %w", id, err)
	}
	return nil
}

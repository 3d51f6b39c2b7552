// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo probes a build machine's hardware so the agent can
// advertise it as scheduling properties. Jobs and compute tasks select
// agents by exact property match, such as "gpu=nvidia" or
// "memory_gb=126".
//
// Everything is read from /proc and /sys on Linux. Missing files yield
// zero values rather than errors: a container without DRM devices is
// a valid machine that still reports its CPU and memory.
package hwinfo

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the foreman server configuration.
//
// Configuration comes from a single YAML file named by either the
// FOREMAN_CONFIG environment variable or the --config flag. There is
// no discovery and no per-field environment override: the file is the
// source of truth. It may carry development, staging and production
// sections that replace base values for the matching environment.
//
// Duration fields are strings in time.ParseDuration syntax; [Config.Timing]
// parses them all at once so [Config.Validate] can report every bad
// field together.
package config

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses the five-field cron expressions used by
// scheduled build jobs:
//
//	minute hour day-of-month month day-of-week
//
// Fields accept values, ranges (1-5), lists (1,3,5), steps (*/15,
// 0-30/10) and the wildcard. The shortcuts @hourly, @daily, @weekly
// and @monthly are accepted too. When both day fields are restricted
// a day matching either one fires, as in Vixie cron.
//
// Schedules are evaluated in UTC.
package cron

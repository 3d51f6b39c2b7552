// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lease is the scheduling core: agents pull work from task
// sources and hold it as leases until they report a result.
//
// An agent asks the [Registry] for work. The registry subscribes to
// every [TaskSource] in its configured order; each returns a
// [TaskListener] or nil when it has nothing for that agent. The first
// listener to offer a lease wins (the earlier source on a tie), is
// accepted, and every listener is then closed. Closing a listener whose
// offer was not accepted hands the work back, so a lost race costs
// nothing and needs no lock spanning sources.
//
// A lease resolves exactly once. [Registry.ReportLeaseResult] and
// [Registry.AbortLease] race through the store's conditional
// [LeaseStore.Resolve]; the loser observes false.
//
// Concrete sources are built on [Queue], which reserves one item per
// offer and parks subscribers while another agent holds the only
// eligible reservation. [ConformSource] keeps agents' workspaces in
// line with their pool; [JobSource] runs build job steps. The compute
// dispatcher in lib/compute is a third source.
//
// [Sessions] registers agents and checks their tokens; [Monitor]
// aborts the leases of agents whose heartbeats stop. [Scheduler]
// submits recurring jobs on cron schedules.
package lease

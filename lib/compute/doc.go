// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compute dispatches batches of remote-execution tasks.
//
// A client uploads a sandbox tree with [UploadDirectory], writes a
// [ComputeTaskDefinition] and a [Requirements] blob, then calls
// [Dispatcher.AddTasks] with the task hashes and a channel id of its
// choosing. The dispatcher is a lease task source: agents whose pool
// and properties match the requirements receive the tasks as compute
// leases, and their results come back as [TaskStatus] updates on the
// channel, read with the [Dispatcher.GetTaskUpdates] long poll.
//
// Every task ends in exactly one terminal state. A missing input blob
// is always reported as StateBlobNotFound with the missing hash, never
// as StateException, so a client can tell bad input from a failing
// executor. A channel is meant to have one poller at a time.
package compute

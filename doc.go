// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package dvstm implements a dual-versioned software transactional memory
// region: an in-process data structure that lets concurrent goroutines
// perform grouped reads, writes, allocations and deallocations against
// shared memory with snapshot isolation and atomicity across a transaction.
//
// Transactions are coordinated in epoch-batched cohorts by a Batcher; at
// each epoch boundary the last transaction to leave installs a new
// read-only snapshot by copying each written Segment's RW buffer into its
// RO buffer. Concurrent reads and writes within an epoch are arbitrated by
// a per-word access-set protocol (Segment.Read/Write) that detects
// conflicts without a global lock.
package dvstm

// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

// Package routing implements the two deterministic partition-routing
// modes: round-robin for unkeyed messages and a keyed hash for messages
// carrying a routing key. Nothing else in the available reference code
// does keyed-hash partition routing, so this package has no direct file
// to generalize from; it is grounded on crypto/sha256 from the standard
// library, the only SHA-256 implementation available - no third-party
// hashing primitive was available either, so this is one of the few
// components that is standard-library by necessity rather than choice.
package routing

import (
	"crypto/sha256"
	"fmt"
	"sync/atomic"
)

// MaxPartitions is the exclusive upper bound on the partition count the
// routing policy (and the partition-count poll that feeds it) will accept:
// a partition count of 2^32 or more aborts with a permanent error naming
// the offending value.
const MaxPartitions = 1 << 32

// ErrPartitionCountTooLarge is returned by CheckPartitionCount.
type ErrPartitionCountTooLarge struct {
	Count int64
}

func (e *ErrPartitionCountTooLarge) Error() string {
	return fmt.Sprintf("routing: partition count %d is outside the accepted range [0, %d)", e.Count, MaxPartitions)
}

// CheckPartitionCount validates a partition count reported by the admin
// client before it is used to route anything.
func CheckPartitionCount(n int64) error {
	if n < 0 || n >= MaxPartitions {
		return &ErrPartitionCountTooLarge{Count: n}
	}
	return nil
}

// Unkeyed is a lock-free round-robin router: a publisher-scoped atomic
// counter, incremented on every call, reduced mod N.
type Unkeyed struct {
	counter atomic.Uint64
}

// Route returns counter.Add(1)-1 mod n. n must be positive.
func (u *Unkeyed) Route(n int) int {
	v := u.counter.Add(1) - 1
	return int(v % uint64(n))
}

// RouteKeyed computes the keyed routing partition for key under modulus
// n: SHA-256(key) interpreted as a 256-bit big-endian unsigned integer,
// reduced mod n via a byte-wise
// Horner accumulator (result = result*256 + b[i], reduced mod n after
// every step). n must fit in uint32 and be positive.
func RouteKeyed(key []byte, n uint32) int {
	sum := sha256.Sum256(key)
	return int(GetMod(sum, uint64(n)))
}

// GetMod reduces a 32-byte big-endian unsigned integer mod m, without
// ever constructing the full 256-bit value, using the standard modular
// identities for multiplication and addition under a modulus.
func GetMod(b [32]byte, m uint64) uint64 {
	var result uint64
	for _, v := range b {
		result = (result*256 + uint64(v)) % m
	}
	return result
}

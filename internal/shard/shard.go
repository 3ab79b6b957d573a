// Package shard maps string keys onto a fixed number of lock shards.
package shard

import "github.com/cespare/xxhash/v2"

// Count is the shard count used by the registry, router and limiter.
const Count = 64

// Index returns the shard for key in [0, n).
func Index(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

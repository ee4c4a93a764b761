package sharding

import "github.com/cespare/xxhash/v2"

type ShardRouter struct {
	ShardCount int // Number of shards
}

func NewShardRouter(shardCount int) *ShardRouter {
	if shardCount < 1 {
		shardCount = 1
	}
	return &ShardRouter{ShardCount: shardCount}
}

// GetShard hashes the order id so uuid keys spread evenly across shards.
func (r *ShardRouter) GetShard(id string) int {
	return int(xxhash.Sum64String(id) % uint64(r.ShardCount))
}

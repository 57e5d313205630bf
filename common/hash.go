package common

import (
	"github.com/quillstream/groupmeta/mit"
)

// CalcPartition maps a key hash onto a partition.
func CalcPartition(hash uint32, numPartitions int) int {
	return int(hash % uint32(numPartitions))
}

// DefaultHash maps group ids to the same owning partition as the Kafka client
// partitioner would.
func DefaultHash(key []byte) uint32 {
	return mit.KafkaCompatibleMurmur2Hash(key)
}

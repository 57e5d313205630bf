package common

import (
	"testing"

	"github.com/quillstream/groupmeta/mit"
	"github.com/stretchr/testify/require"
)

func TestMurmur2KnownValues(t *testing.T) {
	for _, tc := range []struct {
		key          string
		expectedHash uint32
	}{
		{"", 275646681},
		{"⌘", 39915425},
		{"oh no", 939168436},
		{"c03a3475-3ed6-4ed1-8ae5-1c432da43e73", 376769867},
	} {
		require.Equal(t, tc.expectedHash, mit.KafkaCompatibleMurmur2Hash([]byte(tc.key)))
	}
}

func TestDefaultHashDeterministic(t *testing.T) {
	h1 := DefaultHash([]byte("some-group-id"))
	h2 := DefaultHash([]byte("some-group-id"))
	require.Equal(t, h1, h2)
	h3 := DefaultHash([]byte("some-other-group-id"))
	require.NotEqual(t, h1, h3)
}

func TestDefaultHashAlwaysPositive(t *testing.T) {
	for _, key := range []string{"", "a", "group1", "another-group", "xyzzy-0123456789"} {
		h := DefaultHash([]byte(key))
		require.True(t, h <= 0x7fffffff)
	}
}

func TestCalcPartitionInRange(t *testing.T) {
	numPartitions := 50
	for _, key := range []string{"g1", "g2", "g3", "a-much-longer-group-identifier"} {
		p := CalcPartition(DefaultHash([]byte(key)), numPartitions)
		require.GreaterOrEqual(t, p, 0)
		require.Less(t, p, numPartitions)
	}
}

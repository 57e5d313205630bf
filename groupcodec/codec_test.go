package groupcodec

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kbin"

	"github.com/quillstream/groupmeta/common"
)

func TestOffsetCommitKeyRoundTrip(t *testing.T) {
	key := OffsetCommitKey{
		Group:     uuid.New().String(),
		Topic:     "topic1",
		Partition: 23,
	}
	kind, decoded, _, err := DecodeKey(EncodeOffsetCommitKey(key))
	require.NoError(t, err)
	require.Equal(t, KeyKindOffsetCommit, kind)
	require.Equal(t, key, decoded)
}

func TestGroupMetadataKeyRoundTrip(t *testing.T) {
	key := GroupMetadataKey{Group: uuid.New().String()}
	kind, _, decoded, err := DecodeKey(EncodeGroupMetadataKey(key))
	require.NoError(t, err)
	require.Equal(t, KeyKindGroupMetadata, kind)
	require.Equal(t, key, decoded)
}

func TestDecodeKeyUnknownVersion(t *testing.T) {
	var buff []byte
	buff = kbin.AppendInt16(buff, 9)
	buff = kbin.AppendString(buff, "group1")
	_, _, _, err := DecodeKey(buff)
	require.Error(t, err)
	require.True(t, common.IsUnsupportedVersionError(err))
}

func TestDecodeKeyTruncated(t *testing.T) {
	encoded := EncodeOffsetCommitKey(OffsetCommitKey{Group: "group1", Topic: "topic1", Partition: 0})
	_, _, _, err := DecodeKey(encoded[:len(encoded)-2])
	require.Error(t, err)
	require.True(t, common.IsCorruptionError(err))
}

func TestSelectOffsetCommitValueVersion(t *testing.T) {
	noExpiry := OffsetCommitValue{ExpireTimestamp: NilSentinel}
	require.Equal(t, OffsetCommitValueVersionLeaderEpoch, SelectOffsetCommitValueVersion(noExpiry, 3))
	require.Equal(t, OffsetCommitValueVersionNoExpiry, SelectOffsetCommitValueVersion(noExpiry, 2))
	require.Equal(t, OffsetCommitValueVersionExplicitExpiry, SelectOffsetCommitValueVersion(noExpiry, 1))
	require.Equal(t, OffsetCommitValueVersionExplicitExpiry, SelectOffsetCommitValueVersion(noExpiry, 0))
	require.Equal(t, HighestOffsetCommitValueVersion, SelectOffsetCommitValueVersion(noExpiry, 99))

	// An explicit expiry can only be represented at v1, whatever the gate says
	withExpiry := OffsetCommitValue{ExpireTimestamp: 12345}
	require.Equal(t, OffsetCommitValueVersionExplicitExpiry, SelectOffsetCommitValueVersion(withExpiry, 3))
}

func TestOffsetCommitValueRoundTripLatest(t *testing.T) {
	value := OffsetCommitValue{
		Offset:          123456,
		LeaderEpoch:     7,
		Metadata:        "some metadata",
		CommitTimestamp: 1000000,
		ExpireTimestamp: NilSentinel,
	}
	decoded, err := DecodeOffsetCommitValue(EncodeOffsetCommitValue(value, OffsetCommitValueVersionLeaderEpoch))
	require.NoError(t, err)
	require.Equal(t, value, decoded)
}

func TestOffsetCommitValueLeaderEpochDroppedBelowV3(t *testing.T) {
	value := OffsetCommitValue{
		Offset:          100,
		LeaderEpoch:     7,
		CommitTimestamp: 1000,
		ExpireTimestamp: NilSentinel,
	}
	decoded, err := DecodeOffsetCommitValue(EncodeOffsetCommitValue(value, OffsetCommitValueVersionNoExpiry))
	require.NoError(t, err)
	require.Equal(t, int32(NilSentinel), decoded.LeaderEpoch)
	require.Equal(t, value.Offset, decoded.Offset)
	require.Equal(t, value.CommitTimestamp, decoded.CommitTimestamp)
}

func TestOffsetCommitValueExplicitExpiryRoundTrip(t *testing.T) {
	value := OffsetCommitValue{
		Offset:          200,
		LeaderEpoch:     3,
		Metadata:        "m",
		CommitTimestamp: 1000,
		ExpireTimestamp: 2000,
	}
	encoded := EncodeOffsetCommitValue(value, OffsetCommitValueVersionLeaderEpoch)
	decoded, err := DecodeOffsetCommitValue(encoded)
	require.NoError(t, err)
	// Forced down to v1 so the leader epoch is dropped but the expiry survives
	require.Equal(t, int32(NilSentinel), decoded.LeaderEpoch)
	require.Equal(t, int64(2000), decoded.ExpireTimestamp)
}

func TestOffsetCommitValueUnknownVersion(t *testing.T) {
	var buff []byte
	buff = kbin.AppendInt16(buff, 9)
	buff = kbin.AppendInt64(buff, 100)
	_, err := DecodeOffsetCommitValue(buff)
	require.Error(t, err)
	require.True(t, common.IsUnsupportedVersionError(err))
}

func TestOffsetCommitValueTruncated(t *testing.T) {
	encoded := EncodeOffsetCommitValue(OffsetCommitValue{
		Offset:          100,
		CommitTimestamp: 1000,
		ExpireTimestamp: NilSentinel,
	}, OffsetCommitValueVersionLeaderEpoch)
	_, err := DecodeOffsetCommitValue(encoded[:len(encoded)-3])
	require.Error(t, err)
	require.True(t, common.IsCorruptionError(err))
}

func TestGroupMetadataValueRoundTripLatest(t *testing.T) {
	value := GroupMetadataValue{
		ProtocolType:          "consumer",
		Generation:            11,
		Protocol:              common.StrPtr("range"),
		Leader:                common.StrPtr("member1"),
		CurrentStateTimestamp: 123456789,
		Members: []MemberMetadata{
			{
				MemberID:         "member1",
				GroupInstanceID:  common.StrPtr("instance1"),
				ClientID:         "client1",
				ClientHost:       "/10.0.0.1",
				RebalanceTimeout: 30000,
				SessionTimeout:   45000,
				Subscription:     []byte("sub1"),
				Assignment:       []byte("assign1"),
			},
			{
				MemberID:       "member2",
				ClientID:       "client2",
				ClientHost:     "/10.0.0.2",
				SessionTimeout: 45000,
			},
		},
	}
	decoded, err := DecodeGroupMetadataValue(EncodeGroupMetadataValue(value, HighestGroupMetadataValueVersion))
	require.NoError(t, err)
	require.Equal(t, value, decoded)
}

func TestGroupMetadataValueEmptyGroup(t *testing.T) {
	value := GroupMetadataValue{
		ProtocolType:          "consumer",
		Generation:            3,
		CurrentStateTimestamp: 5000,
	}
	decoded, err := DecodeGroupMetadataValue(EncodeGroupMetadataValue(value, HighestGroupMetadataValueVersion))
	require.NoError(t, err)
	require.Nil(t, decoded.Protocol)
	require.Nil(t, decoded.Leader)
	require.Empty(t, decoded.Members)
	require.Equal(t, value.Generation, decoded.Generation)
}

func TestGroupMetadataValueV0HasNoStateTimestamp(t *testing.T) {
	value := GroupMetadataValue{
		ProtocolType:          "consumer",
		Generation:            1,
		Protocol:              common.StrPtr("range"),
		Leader:                common.StrPtr("member1"),
		CurrentStateTimestamp: 99999,
		Members: []MemberMetadata{
			{
				MemberID:         "member1",
				GroupInstanceID:  common.StrPtr("instance1"),
				ClientID:         "client1",
				ClientHost:       "/10.0.0.1",
				RebalanceTimeout: 30000,
				SessionTimeout:   45000,
			},
		},
	}
	decoded, err := DecodeGroupMetadataValue(EncodeGroupMetadataValue(value, 0))
	require.NoError(t, err)
	// v0 carries no state timestamp, rebalance timeout or instance id
	require.Equal(t, NilSentinel, decoded.CurrentStateTimestamp)
	require.Equal(t, int32(0), decoded.Members[0].RebalanceTimeout)
	require.Nil(t, decoded.Members[0].GroupInstanceID)
	require.Equal(t, "member1", decoded.Members[0].MemberID)
}

func TestGroupMetadataValueUnknownVersion(t *testing.T) {
	var buff []byte
	buff = kbin.AppendInt16(buff, 9)
	buff = kbin.AppendString(buff, "consumer")
	_, err := DecodeGroupMetadataValue(buff)
	require.Error(t, err)
	require.True(t, common.IsUnsupportedVersionError(err))
}

// Package groupcodec implements the versioned binary format of the records stored in
// the coordinator log: group metadata records and offset commit records, keyed so
// that log compaction retains the latest state per group and per committed
// partition. Every key and value starts with a 2 byte version tag.
package groupcodec

import (
	"github.com/quillstream/groupmeta/common"
	"github.com/twmb/franz-go/pkg/kbin"
)

// Key versions. Versions 0 and 1 are offset commit keys (they share a layout), version
// 2 is a group metadata key. A record with a null value is a tombstone for its key.
const (
	KeyVersionOffsetCommit  = int16(1)
	KeyVersionGroupMetadata = int16(2)
)

// Offset commit value versions:
//
//	v0/v1: offset, metadata, commit timestamp; v1 adds an explicit expire timestamp
//	v2:    drops the expire timestamp (group level retention applies instead)
//	v3:    adds the leader epoch of the source partition
const (
	OffsetCommitValueVersionExplicitExpiry = int16(1)
	OffsetCommitValueVersionNoExpiry       = int16(2)
	OffsetCommitValueVersionLeaderEpoch    = int16(3)

	HighestOffsetCommitValueVersion = OffsetCommitValueVersionLeaderEpoch
)

// Group metadata value versions:
//
//	v0:  protocol type, generation, protocol, leader, members
//	v1:  adds per member rebalance timeout
//	v2:  adds the current state timestamp
//	v3:  adds per member group instance id (static membership)
const (
	HighestGroupMetadataValueVersion = int16(3)
)

// NilSentinel encodes "absent" for the optional int fields (leader epoch, expire
// timestamp, current state timestamp).
const NilSentinel = int64(-1)

// OffsetCommitKey identifies one committed offset: (group, topic, partition).
type OffsetCommitKey struct {
	Group     string
	Topic     string
	Partition int32
}

// OffsetCommitValue is the committed position, per spec of the versions above.
// LeaderEpoch is -1 when absent, ExpireTimestamp is -1 when no explicit expiry was set.
type OffsetCommitValue struct {
	Offset          int64
	LeaderEpoch     int32
	Metadata        string
	CommitTimestamp int64
	ExpireTimestamp int64
}

// GroupMetadataKey identifies a group's metadata record.
type GroupMetadataKey struct {
	Group string
}

// MemberMetadata is one member entry inside a group metadata value.
type MemberMetadata struct {
	MemberID         string
	GroupInstanceID  *string
	ClientID         string
	ClientHost       string
	RebalanceTimeout int32
	SessionTimeout   int32
	Subscription     []byte
	Assignment       []byte
}

// GroupMetadataValue is the durable shape of a group: its negotiated protocol,
// generation, leader and member roster. Protocol and Leader are nil while the group
// is empty. CurrentStateTimestamp is -1 when the record predates v2.
type GroupMetadataValue struct {
	ProtocolType          string
	Generation            int32
	Protocol              *string
	Leader                *string
	CurrentStateTimestamp int64
	Members               []MemberMetadata
}

func EncodeOffsetCommitKey(key OffsetCommitKey) []byte {
	buff := make([]byte, 0, 2+2+len(key.Group)+2+len(key.Topic)+4)
	buff = kbin.AppendInt16(buff, KeyVersionOffsetCommit)
	buff = kbin.AppendString(buff, key.Group)
	buff = kbin.AppendString(buff, key.Topic)
	buff = kbin.AppendInt32(buff, key.Partition)
	return buff
}

func EncodeGroupMetadataKey(key GroupMetadataKey) []byte {
	buff := make([]byte, 0, 2+2+len(key.Group))
	buff = kbin.AppendInt16(buff, KeyVersionGroupMetadata)
	buff = kbin.AppendString(buff, key.Group)
	return buff
}

// KeyKind says which record shape a key belongs to.
type KeyKind int

const (
	KeyKindOffsetCommit KeyKind = iota
	KeyKindGroupMetadata
)

// DecodeKey decodes a record key. An unrecognised higher key version means the log was
// written by a newer format we cannot read - that is unrecoverable and reported as
// UnsupportedRecordVersion, never guessed at.
func DecodeKey(buff []byte) (KeyKind, OffsetCommitKey, GroupMetadataKey, error) {
	r := kbin.Reader{Src: buff}
	version := r.Int16()
	switch {
	case version <= KeyVersionOffsetCommit:
		key := OffsetCommitKey{
			Group:     r.String(),
			Topic:     r.String(),
			Partition: r.Int32(),
		}
		if err := r.Complete(); err != nil {
			return 0, OffsetCommitKey{}, GroupMetadataKey{}, common.NewErrorf(common.Corruption, "truncated offset commit key: %v", err)
		}
		return KeyKindOffsetCommit, key, GroupMetadataKey{}, nil
	case version == KeyVersionGroupMetadata:
		key := GroupMetadataKey{Group: r.String()}
		if err := r.Complete(); err != nil {
			return 0, OffsetCommitKey{}, GroupMetadataKey{}, common.NewErrorf(common.Corruption, "truncated group metadata key: %v", err)
		}
		return KeyKindGroupMetadata, OffsetCommitKey{}, key, nil
	default:
		return 0, OffsetCommitKey{}, GroupMetadataKey{},
			common.NewErrorf(common.UnsupportedRecordVersion, "unknown record key version %d - cannot downgrade", version)
	}
}

// SelectOffsetCommitValueVersion picks the version to write an offset commit value at.
// An explicit expire timestamp can only be represented by v1, so it forces v1
// regardless of the gate; otherwise the highest gated version wins.
func SelectOffsetCommitValueVersion(value OffsetCommitValue, gateVersion int16) int16 {
	if value.ExpireTimestamp != NilSentinel {
		return OffsetCommitValueVersionExplicitExpiry
	}
	if gateVersion < OffsetCommitValueVersionExplicitExpiry {
		return OffsetCommitValueVersionExplicitExpiry
	}
	if gateVersion > HighestOffsetCommitValueVersion {
		return HighestOffsetCommitValueVersion
	}
	return gateVersion
}

func EncodeOffsetCommitValue(value OffsetCommitValue, gateVersion int16) []byte {
	version := SelectOffsetCommitValueVersion(value, gateVersion)
	buff := make([]byte, 0, 2+8+4+2+len(value.Metadata)+8+8)
	buff = kbin.AppendInt16(buff, version)
	buff = kbin.AppendInt64(buff, value.Offset)
	if version >= OffsetCommitValueVersionLeaderEpoch {
		buff = kbin.AppendInt32(buff, value.LeaderEpoch)
	}
	buff = kbin.AppendString(buff, value.Metadata)
	buff = kbin.AppendInt64(buff, value.CommitTimestamp)
	if version == OffsetCommitValueVersionExplicitExpiry {
		buff = kbin.AppendInt64(buff, value.ExpireTimestamp)
	}
	return buff
}

func DecodeOffsetCommitValue(buff []byte) (OffsetCommitValue, error) {
	r := kbin.Reader{Src: buff}
	version := r.Int16()
	if version > HighestOffsetCommitValueVersion {
		return OffsetCommitValue{},
			common.NewErrorf(common.UnsupportedRecordVersion, "unknown offset commit value version %d - cannot downgrade", version)
	}
	value := OffsetCommitValue{
		LeaderEpoch:     int32(NilSentinel),
		ExpireTimestamp: NilSentinel,
	}
	value.Offset = r.Int64()
	if version >= OffsetCommitValueVersionLeaderEpoch {
		value.LeaderEpoch = r.Int32()
	}
	value.Metadata = r.String()
	value.CommitTimestamp = r.Int64()
	if version == OffsetCommitValueVersionExplicitExpiry {
		value.ExpireTimestamp = r.Int64()
	}
	if err := r.Complete(); err != nil {
		return OffsetCommitValue{}, common.NewErrorf(common.Corruption, "truncated offset commit value: %v", err)
	}
	return value, nil
}

func EncodeGroupMetadataValue(value GroupMetadataValue, version int16) []byte {
	if version > HighestGroupMetadataValueVersion {
		version = HighestGroupMetadataValueVersion
	}
	buff := make([]byte, 0, 256)
	buff = kbin.AppendInt16(buff, version)
	buff = kbin.AppendString(buff, value.ProtocolType)
	buff = kbin.AppendInt32(buff, value.Generation)
	buff = kbin.AppendNullableString(buff, value.Protocol)
	buff = kbin.AppendNullableString(buff, value.Leader)
	if version >= 2 {
		buff = kbin.AppendInt64(buff, value.CurrentStateTimestamp)
	}
	buff = kbin.AppendArrayLen(buff, len(value.Members))
	for _, m := range value.Members {
		buff = kbin.AppendString(buff, m.MemberID)
		if version >= 3 {
			buff = kbin.AppendNullableString(buff, m.GroupInstanceID)
		}
		buff = kbin.AppendString(buff, m.ClientID)
		buff = kbin.AppendString(buff, m.ClientHost)
		if version >= 1 {
			buff = kbin.AppendInt32(buff, m.RebalanceTimeout)
		}
		buff = kbin.AppendInt32(buff, m.SessionTimeout)
		buff = kbin.AppendNullableBytes(buff, m.Subscription)
		buff = kbin.AppendNullableBytes(buff, m.Assignment)
	}
	return buff
}

func DecodeGroupMetadataValue(buff []byte) (GroupMetadataValue, error) {
	r := kbin.Reader{Src: buff}
	version := r.Int16()
	if version > HighestGroupMetadataValueVersion {
		return GroupMetadataValue{},
			common.NewErrorf(common.UnsupportedRecordVersion, "unknown group metadata value version %d - cannot downgrade", version)
	}
	value := GroupMetadataValue{
		// Records written before v2 carry no state timestamp - that must decode as
		// absent, not as zero
		CurrentStateTimestamp: NilSentinel,
	}
	value.ProtocolType = r.String()
	value.Generation = r.Int32()
	value.Protocol = r.NullableString()
	value.Leader = r.NullableString()
	if version >= 2 {
		value.CurrentStateTimestamp = r.Int64()
	}
	numMembers := r.ArrayLen()
	if numMembers > 0 {
		value.Members = make([]MemberMetadata, 0, numMembers)
	}
	for i := int32(0); i < numMembers; i++ {
		var m MemberMetadata
		m.MemberID = r.String()
		if version >= 3 {
			m.GroupInstanceID = r.NullableString()
		}
		m.ClientID = r.String()
		m.ClientHost = r.String()
		if version >= 1 {
			m.RebalanceTimeout = r.Int32()
		}
		m.SessionTimeout = r.Int32()
		m.Subscription = r.NullableBytes()
		m.Assignment = r.NullableBytes()
		value.Members = append(value.Members, m)
	}
	if err := r.Complete(); err != nil {
		return GroupMetadataValue{}, common.NewErrorf(common.Corruption, "truncated group metadata value: %v", err)
	}
	return value, nil
}

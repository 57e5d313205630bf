package groupstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quillstream/groupmeta/common"
	"github.com/quillstream/groupmeta/coordlog"
	"github.com/quillstream/groupmeta/groupcodec"
	"github.com/quillstream/groupmeta/protocol"
)

func TestLoadOffsetsOnlyGroupIsEmpty(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	tp := TopicPartition{Topic: "topic1", Partition: 7}
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records:    []coordlog.Record{offsetCommitRecord(groupID, tp, 100, 1000)},
	})
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records:    []coordlog.Record{offsetCommitRecord(groupID, tp, 200, 2000)},
	})

	var loadedGroups []string
	s.LoadGroupsAndOffsets(partitionID, 1, func(g *Group) {
		loadedGroups = append(loadedGroups, g.ID())
	}, s.nowMillis())
	waitFor(t, func() bool { return s.fence.isOwned(partitionID) })

	require.Equal(t, []string{groupID}, loadedGroups)
	g, ok := s.GetGroup(groupID)
	require.True(t, ok)
	require.Equal(t, StateEmpty, g.State())
	om, ok := g.Offset(tp)
	require.True(t, ok)
	// Last record for the key wins
	require.Equal(t, int64(200), om.Offset)
	require.Equal(t, int64(2000), om.CommitTimestamp)
}

func TestLoadOffsetTombstoneRemovesKey(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	tp := TopicPartition{Topic: "topic1", Partition: 0}
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records: []coordlog.Record{
			offsetCommitRecord(groupID, tp, 100, 1000),
			offsetTombstoneRecord(groupID, tp),
		},
	})
	ownPartition(t, s, ml, partitionID, 1)
	// Tombstoned offsets leave nothing behind, not even the group
	_, ok := s.GetGroup(groupID)
	require.False(t, ok)
}

func TestLoadGroupMetadataAndOffsets(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	instanceID := "instance1"
	value := groupcodec.GroupMetadataValue{
		ProtocolType:          "consumer",
		Generation:            5,
		Protocol:              common.StrPtr("range"),
		Leader:                common.StrPtr("member1"),
		CurrentStateTimestamp: 123456,
		Members: []groupcodec.MemberMetadata{
			{
				MemberID:         "member1",
				GroupInstanceID:  &instanceID,
				ClientID:         "client1",
				ClientHost:       "/10.0.0.1",
				RebalanceTimeout: 30000,
				SessionTimeout:   45000,
				Subscription:     subscriptionBytes("topic1"),
				Assignment:       []byte("assignment1"),
			},
		},
	}
	tp := TopicPartition{Topic: "topic1", Partition: 2}
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records: []coordlog.Record{
			groupMetadataRecord(groupID, value),
			offsetCommitRecord(groupID, tp, 42, 1000),
		},
	})
	ownPartition(t, s, ml, partitionID, 1)

	g, ok := s.GetGroup(groupID)
	require.True(t, ok)
	require.Equal(t, StateStable, g.State())
	require.Equal(t, int32(5), g.Generation())
	require.Equal(t, "member1", g.Leader())
	require.True(t, g.HasMember("member1"))
	memberID, ok := g.MemberIDForInstance(instanceID)
	require.True(t, ok)
	require.Equal(t, "member1", memberID)
	om, ok := g.Offset(tp)
	require.True(t, ok)
	require.Equal(t, int64(42), om.Offset)
}

func TestLoadGroupTombstoneRemovesGroup(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	value := groupcodec.GroupMetadataValue{ProtocolType: "consumer", Generation: 1}
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records: []coordlog.Record{
			groupMetadataRecord(groupID, value),
			{Key: groupcodec.EncodeGroupMetadataKey(groupcodec.GroupMetadataKey{Group: groupID})},
		},
	})
	ownPartition(t, s, ml, partitionID, 1)
	_, ok := s.GetGroup(groupID)
	require.False(t, ok)
	require.True(t, s.IsGroupDead(groupID))
}

func TestLoadCommittedTxnOffsetsVisible(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	producerID := int64(9000)
	tp := TopicPartition{Topic: "topic1", Partition: 0}
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID:    producerID,
		Transactional: true,
		Records:       []coordlog.Record{offsetCommitRecord(groupID, tp, 55, 1000)},
	})
	ml.AppendSync(partitionID, controlBatch(producerID, coordlog.ControlCommit))
	ownPartition(t, s, ml, partitionID, 1)

	g, ok := s.GetGroup(groupID)
	require.True(t, ok)
	om, ok := g.Offset(tp)
	require.True(t, ok)
	require.Equal(t, int64(55), om.Offset)
	require.False(t, g.HasPendingOffsetCommitsFromProducer(producerID))
}

func TestLoadAbortedTxnOffsetsInvisible(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	producerID := int64(9001)
	tp := TopicPartition{Topic: "topic1", Partition: 0}
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records:    []coordlog.Record{groupMetadataRecord(groupID, groupcodec.GroupMetadataValue{ProtocolType: "consumer"})},
	})
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID:    producerID,
		Transactional: true,
		Records:       []coordlog.Record{offsetCommitRecord(groupID, tp, 55, 1000)},
	})
	ml.AppendSync(partitionID, controlBatch(producerID, coordlog.ControlAbort))
	ownPartition(t, s, ml, partitionID, 1)

	g, ok := s.GetGroup(groupID)
	require.True(t, ok)
	_, ok = g.Offset(tp)
	require.False(t, ok)
	require.False(t, g.HasPendingOffsetCommitsFromProducer(producerID))
}

func TestLoadDanglingTxnStaysPending(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	producerID := int64(9002)
	tp := TopicPartition{Topic: "topic1", Partition: 0}
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID:    producerID,
		Transactional: true,
		Records:       []coordlog.Record{offsetCommitRecord(groupID, tp, 55, 1000)},
	})
	ownPartition(t, s, ml, partitionID, 1)

	g, ok := s.GetGroup(groupID)
	require.True(t, ok)
	_, exists := g.Offset(tp)
	require.False(t, exists)
	require.True(t, g.HasPendingOffsetCommitsFromProducer(producerID))

	// A late marker for the partition resolves the transaction
	s.HandleTxnCompletion(producerID, map[int]struct{}{partitionID: {}}, true)
	om, exists := g.Offset(tp)
	require.True(t, exists)
	require.Equal(t, int64(55), om.Offset)
	require.False(t, g.HasPendingOffsetCommitsFromProducer(producerID))
}

func TestLoadLaterLogPositionWinsAcrossCommitTypes(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	producerID := int64(9003)
	tp := TopicPartition{Topic: "topic1", Partition: 0}

	// Transactional commit staged first, then a non-transactional commit for the
	// same key, then the marker. The non-transactional record sits at the later
	// position so it must win.
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID:    producerID,
		Transactional: true,
		Records:       []coordlog.Record{offsetCommitRecord(groupID, tp, 10, 1000)},
	})
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records:    []coordlog.Record{offsetCommitRecord(groupID, tp, 20, 2000)},
	})
	ml.AppendSync(partitionID, controlBatch(producerID, coordlog.ControlCommit))
	ownPartition(t, s, ml, partitionID, 1)

	g, ok := s.GetGroup(groupID)
	require.True(t, ok)
	om, ok := g.Offset(tp)
	require.True(t, ok)
	require.Equal(t, int64(20), om.Offset)
}

func TestLoadTxnAfterNonTxnWins(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	producerID := int64(9004)
	tp := TopicPartition{Topic: "topic1", Partition: 0}

	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records:    []coordlog.Record{offsetCommitRecord(groupID, tp, 10, 1000)},
	})
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID:    producerID,
		Transactional: true,
		Records:       []coordlog.Record{offsetCommitRecord(groupID, tp, 20, 2000)},
	})
	ml.AppendSync(partitionID, controlBatch(producerID, coordlog.ControlCommit))
	ownPartition(t, s, ml, partitionID, 1)

	g, ok := s.GetGroup(groupID)
	require.True(t, ok)
	om, ok := g.Offset(tp)
	require.True(t, ok)
	require.Equal(t, int64(20), om.Offset)
}

func TestLoadWithTinyBufferStillMakesProgress(t *testing.T) {
	cfg := NewConf()
	cfg.LoadBufferSize = 1
	s, ml := setupStoreWithConf(t, cfg)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	for i := 0; i < 10; i++ {
		tp := TopicPartition{Topic: "topic1", Partition: int32(i)}
		ml.AppendSync(partitionID, coordlog.Batch{
			ProducerID: NoProducerID,
			Records:    []coordlog.Record{offsetCommitRecord(groupID, tp, int64(i), 1000)},
		})
	}
	ownPartition(t, s, ml, partitionID, 1)
	g, ok := s.GetGroup(groupID)
	require.True(t, ok)
	require.Equal(t, 10, len(g.AllOffsets()))
}

func TestLoadUnknownRecordVersionFailsLoad(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	var futureKey []byte
	futureKey = appendInt16(futureKey, 9)
	futureKey = appendInt16(futureKey, int16(len(groupID)))
	futureKey = append(futureKey, groupID...)
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records:    []coordlog.Record{{Key: futureKey, Value: []byte("whatever")}},
	})
	s.LoadGroupsAndOffsets(partitionID, 1, nil, s.nowMillis())
	waitFor(t, func() bool { return s.fence.isFailed(partitionID) })
	require.False(t, s.fence.isOwned(partitionID))
	_, errorCode := s.GetOrCreateGroup(groupID)
	require.Equal(t, int16(protocol.ErrorCodeNotCoordinator), errorCode)
}

func TestLoadCorruptRecordSkipsRestOfBatch(t *testing.T) {
	s, ml := setupStore(t)
	groupID := uuid.New().String()
	partitionID := s.PartitionFor(groupID)
	ml.SetLeader(partitionID, true)
	tp1 := TopicPartition{Topic: "topic1", Partition: 0}
	tp2 := TopicPartition{Topic: "topic1", Partition: 1}
	good := offsetCommitRecord(groupID, tp1, 100, 1000)
	corrupt := offsetCommitRecord(groupID, tp2, 200, 1000)
	corrupt.Value = corrupt.Value[:len(corrupt.Value)-3]
	later := offsetCommitRecord(groupID, tp2, 300, 2000)
	// The corrupt record aborts its own batch, the later batch still applies
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records:    []coordlog.Record{good, corrupt},
	})
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records:    []coordlog.Record{later},
	})
	ownPartition(t, s, ml, partitionID, 1)
	g, ok := s.GetGroup(groupID)
	require.True(t, ok)
	om, ok := g.Offset(tp1)
	require.True(t, ok)
	require.Equal(t, int64(100), om.Offset)
	om, ok = g.Offset(tp2)
	require.True(t, ok)
	require.Equal(t, int64(300), om.Offset)
}

// log wrapper that appends one more batch the moment the end offset is consulted,
// simulating a write racing the start of a load.
type racingAppendLog struct {
	*coordlog.InMemLog
	racePartition int
	raceRecord    coordlog.Record
	appended      bool
}

func (r *racingAppendLog) LogEndOffset(partitionID int) (int64, bool) {
	endOffset, ok := r.InMemLog.LogEndOffset(partitionID)
	if ok && partitionID == r.racePartition && !r.appended {
		r.appended = true
		r.InMemLog.AppendSync(partitionID, coordlog.Batch{
			ProducerID: NoProducerID,
			Records:    []coordlog.Record{r.raceRecord},
		})
	}
	return endOffset, ok
}

func TestLoadExcludesRecordsAppendedAfterSnapshot(t *testing.T) {
	ml := coordlog.NewInMemLog()
	groupID := uuid.New().String()
	tp := TopicPartition{Topic: "topic1", Partition: 3}
	rl := &racingAppendLog{
		InMemLog:   ml,
		raceRecord: offsetCommitRecord(groupID, tp, 999, 3000),
	}
	s, err := NewStore(NewConf(), rl)
	require.NoError(t, err)
	partitionID := s.PartitionFor(groupID)
	rl.racePartition = partitionID
	ml.SetLeader(partitionID, true)
	ml.AppendSync(partitionID, coordlog.Batch{
		ProducerID: NoProducerID,
		Records:    []coordlog.Record{offsetCommitRecord(groupID, tp, 100, 1000)},
	})

	s.LoadGroupsAndOffsets(partitionID, 1, nil, s.nowMillis())
	waitFor(t, func() bool { return s.fence.isOwned(partitionID) })

	// The commit that raced the snapshot arrives through the live write path,
	// the load must only materialize what existed when the scan began
	require.True(t, rl.appended)
	g, ok := s.GetGroup(groupID)
	require.True(t, ok)
	om, ok := g.Offset(tp)
	require.True(t, ok)
	require.Equal(t, int64(100), om.Offset)
}

package groupstore

import (
	log "github.com/quillstream/groupmeta/logger"

	"github.com/quillstream/groupmeta/coordlog"
	"github.com/quillstream/groupmeta/groupcodec"
	"github.com/quillstream/groupmeta/protocol"
)

// NoProducerID marks a non-transactional offset commit.
const NoProducerID = int64(-1)

// StoreOffsets appends an offset commit for the group to the coordinator log and
// materializes it once the append is acknowledged. With a producer id the commit
// is transactional: offsets are staged and only become visible when the matching
// commit marker arrives through HandleTxnCompletion. The completion function is
// invoked exactly once with a per topic partition error code.
//
// The caller validates the committing member and generation against the group
// before calling in, so no member identity is taken here.
func (s *Store) StoreOffsets(g *Group, producerID int64, producerEpoch int16,
	offsets map[TopicPartition]OffsetAndMetadata, completionFunc func(map[TopicPartition]int16)) {
	errorCodes := make(map[TopicPartition]int16, len(offsets))
	accepted := make(map[TopicPartition]OffsetAndMetadata, len(offsets))
	now := s.nowMillis()
	for tp, om := range offsets {
		if len(om.Metadata) > s.cfg.MaxMetadataSize {
			errorCodes[tp] = protocol.ErrorCodeOffsetMetadataTooLarge
			continue
		}
		if om.CommitTimestamp == 0 {
			om.CommitTimestamp = now
		}
		if om.ExpireTimestamp == 0 {
			// Zero value means no explicit expiry was requested
			om.ExpireTimestamp = groupcodec.NilSentinel
		}
		accepted[tp] = om
	}
	if len(accepted) == 0 {
		completionFunc(errorCodes)
		return
	}
	fail := func(errorCode int16) {
		for tp := range accepted {
			errorCodes[tp] = errorCode
		}
		completionFunc(errorCodes)
	}
	if _, ok := s.log.CurrentVersion(g.partitionID); !ok {
		fail(protocol.ErrorCodeNotCoordinator)
		return
	}
	transactional := producerID != NoProducerID
	g.lock.Lock()
	if g.isDeadLocked() {
		g.lock.Unlock()
		fail(protocol.ErrorCodeCoordinatorNotAvailable)
		return
	}
	if transactional {
		g.prepareTxnOffsetCommitsLocked(producerID, accepted)
	} else {
		g.prepareOffsetCommitsLocked(accepted)
	}
	g.lock.Unlock()
	if transactional {
		s.addOpenTxn(producerID, g.id)
	}
	records := make([]coordlog.Record, 0, len(accepted))
	for tp, om := range accepted {
		key := groupcodec.EncodeOffsetCommitKey(groupcodec.OffsetCommitKey{
			Group:     g.id,
			Topic:     tp.Topic,
			Partition: tp.Partition,
		})
		value := groupcodec.EncodeOffsetCommitValue(groupcodec.OffsetCommitValue{
			Offset:          om.Offset,
			LeaderEpoch:     om.LeaderEpoch,
			Metadata:        om.Metadata,
			CommitTimestamp: om.CommitTimestamp,
			ExpireTimestamp: om.ExpireTimestamp,
		}, s.cfg.OffsetCommitValueVersion)
		records = append(records, coordlog.Record{Key: key, Value: value})
	}
	batch := coordlog.Batch{
		ProducerID:    producerID,
		ProducerEpoch: producerEpoch,
		Transactional: transactional,
		Records:       records,
	}
	s.log.Append(g.partitionID, batch, func(res coordlog.AppendResult) {
		s.onOffsetCommitAppended(g, transactional, producerID, accepted, errorCodes, res, completionFunc)
	})
}

func (s *Store) onOffsetCommitAppended(g *Group, transactional bool, producerID int64,
	accepted map[TopicPartition]OffsetAndMetadata, errorCodes map[TopicPartition]int16,
	res coordlog.AppendResult, completionFunc func(map[TopicPartition]int16)) {
	g.lock.Lock()
	if res.ErrorCode == protocol.ErrorCodeNone {
		for tp, om := range accepted {
			if transactional {
				g.onTxnOffsetCommitAppendLocked(producerID, tp, om, res.BaseOffset)
			} else {
				g.onOffsetCommitAppendLocked(tp, om, res.BaseOffset)
			}
			errorCodes[tp] = protocol.ErrorCodeNone
		}
	} else {
		mapped := coordlog.ErrorCodeForAppendFailure(res.ErrorCode)
		log.Warnf("offset commit for group %s failed with error %s, responding %s", g.id,
			protocol.ErrorString(res.ErrorCode), protocol.ErrorString(mapped))
		if transactional {
			g.failPendingTxnOffsetCommitsLocked(producerID, accepted)
		} else {
			g.failPendingOffsetCommitsLocked(accepted)
		}
		for tp := range accepted {
			errorCodes[tp] = mapped
		}
	}
	hasStaged := transactional && len(g.pendingTxnCommits[producerID]) > 0
	g.lock.Unlock()
	if transactional && !hasStaged {
		s.removeOpenTxn(producerID, g.id)
	}
	if res.ErrorCode == protocol.ErrorCodeNone && s.stats != nil {
		s.stats.OffsetCommits.Add(float64(len(accepted)))
	}
	completionFunc(errorCodes)
}

// StoreGroup appends the group's current metadata to the coordinator log.
// Assignments, when supplied, override the members' stored assignments in the
// written record but the in-memory group is not changed until SetAssignments. The
// completion function is invoked exactly once.
func (s *Store) StoreGroup(g *Group, assignments map[string][]byte, completionFunc func(errorCode int16)) {
	if _, ok := s.log.CurrentVersion(g.partitionID); !ok {
		completionFunc(protocol.ErrorCodeNotCoordinator)
		return
	}
	g.lock.Lock()
	if g.isDeadLocked() {
		g.lock.Unlock()
		completionFunc(protocol.ErrorCodeCoordinatorNotAvailable)
		return
	}
	value := g.groupMetadataValueLocked(assignments)
	g.lock.Unlock()
	key := groupcodec.EncodeGroupMetadataKey(groupcodec.GroupMetadataKey{Group: g.id})
	encoded := groupcodec.EncodeGroupMetadataValue(value, s.cfg.GroupMetadataValueVersion)
	batch := coordlog.Batch{
		ProducerID: NoProducerID,
		Records:    []coordlog.Record{{Key: key, Value: encoded}},
	}
	s.log.Append(g.partitionID, batch, func(res coordlog.AppendResult) {
		if res.ErrorCode == protocol.ErrorCodeNone {
			g.lock.Lock()
			g.hasPersistedMetadata = true
			g.lock.Unlock()
			completionFunc(protocol.ErrorCodeNone)
			return
		}
		mapped := coordlog.ErrorCodeForAppendFailure(res.ErrorCode)
		log.Warnf("metadata write for group %s failed with error %s, responding %s", g.id,
			protocol.ErrorString(res.ErrorCode), protocol.ErrorString(mapped))
		completionFunc(mapped)
	})
}

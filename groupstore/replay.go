package groupstore

import (
	"time"

	"github.com/pkg/errors"

	log "github.com/quillstream/groupmeta/logger"

	"github.com/quillstream/groupmeta/common"
	"github.com/quillstream/groupmeta/coordlog"
	"github.com/quillstream/groupmeta/groupcodec"
)

// loadedOffset is an offset commit observed during replay together with the log
// position it was read at. Positions order conflicting commits for the same key.
type loadedOffset struct {
	value     groupcodec.OffsetCommitValue
	logOffset int64
}

// loadedState accumulates the effect of replaying one coordinator log partition.
// Only the last surviving record per key matters, so maps keyed the same way as
// the log keys are enough.
type loadedState struct {
	groups        map[string]groupcodec.GroupMetadataValue
	removedGroups map[string]struct{}
	offsets       map[string]map[TopicPartition]loadedOffset
	pendingTxns   map[int64]map[string]map[TopicPartition]loadedOffset
}

func newLoadedState() *loadedState {
	return &loadedState{
		groups:        map[string]groupcodec.GroupMetadataValue{},
		removedGroups: map[string]struct{}{},
		offsets:       map[string]map[TopicPartition]loadedOffset{},
		pendingTxns:   map[int64]map[string]map[TopicPartition]loadedOffset{},
	}
}

func (ls *loadedState) setOffset(groupID string, tp TopicPartition, lo loadedOffset) {
	groupOffsets, ok := ls.offsets[groupID]
	if !ok {
		groupOffsets = map[TopicPartition]loadedOffset{}
		ls.offsets[groupID] = groupOffsets
	}
	groupOffsets[tp] = lo
}

func (ls *loadedState) stageTxnOffset(producerID int64, groupID string, tp TopicPartition, lo loadedOffset) {
	producerGroups, ok := ls.pendingTxns[producerID]
	if !ok {
		producerGroups = map[string]map[TopicPartition]loadedOffset{}
		ls.pendingTxns[producerID] = producerGroups
	}
	groupOffsets, ok := producerGroups[groupID]
	if !ok {
		groupOffsets = map[TopicPartition]loadedOffset{}
		producerGroups[groupID] = groupOffsets
	}
	groupOffsets[tp] = lo
}

func (ls *loadedState) completeTxn(producerID int64, isCommit bool) {
	producerGroups, ok := ls.pendingTxns[producerID]
	if !ok {
		return
	}
	delete(ls.pendingTxns, producerID)
	if !isCommit {
		return
	}
	for groupID, groupOffsets := range producerGroups {
		for tp, lo := range groupOffsets {
			if current, ok := ls.offsets[groupID][tp]; ok && current.logOffset > lo.logOffset {
				continue
			}
			ls.setOffset(groupID, tp, lo)
		}
	}
}

// loadPartition replays one coordinator log partition from its start offset up to
// the end offset snapshotted at load start, and commits the resulting groups into
// the cache if the load epoch is still current when the scan finishes.
func (s *Store) loadPartition(partitionID int, epoch int32, onGroupLoaded func(group *Group), startTimeMs int64) error {
	startOffset, err := s.log.LogStartOffset(partitionID)
	if err != nil {
		return errors.Wrapf(err, "cannot resolve start offset for partition %d", partitionID)
	}
	endOffset, ok := s.log.LogEndOffset(partitionID)
	if !ok {
		return errors.Errorf("no longer leader for partition %d", partitionID)
	}
	ls := newLoadedState()
	bufferSize := s.cfg.LoadBufferSize
	readOffset := startOffset
	for readOffset < endOffset {
		batches, err := s.log.Read(partitionID, readOffset, bufferSize, true)
		if err != nil {
			return errors.Wrapf(err, "failed to read partition %d at offset %d", partitionID, readOffset)
		}
		if len(batches) == 0 {
			// Log truncated under us, nothing more to replay
			break
		}
		for i := range batches {
			batch := &batches[i]
			if batchSize := batch.SizeBytes(); batchSize > bufferSize {
				log.Debugf("growing load buffer from %d to %d to fit batch at offset %d of partition %d",
					bufferSize, batchSize, batch.BaseOffset, partitionID)
				bufferSize = batchSize
			}
			if err := s.replayBatch(partitionID, batch, endOffset, ls); err != nil {
				return err
			}
		}
		readOffset = batches[len(batches)-1].LastOffset() + 1
	}
	for producerID := range ls.pendingTxns {
		log.Warnf("partition %d has open transaction for producer %d with no marker, offsets stay pending", partitionID, producerID)
	}
	if !s.fence.stillCurrent(partitionID, epoch) {
		log.Warnf("discarding loaded state of partition %d, epoch %d is no longer current", partitionID, epoch)
		return nil
	}
	numGroups := s.commitLoadedState(partitionID, ls, onGroupLoaded)
	took := s.nowMillis() - startTimeMs
	if s.stats != nil {
		s.stats.PartitionLoadDuration.Observe(float64(took) / 1000)
		s.stats.GroupsLoaded.Add(float64(numGroups))
	}
	log.Infof("loaded %d groups from partition %d in %dms", numGroups, partitionID, took)
	return nil
}

// replayBatch applies one batch to the accumulating state. Records at or past the
// snapshotted end offset are excluded, they were appended after the scan began and
// arrive through the live write path. A corrupt record stops processing of that
// batch only, an unknown future record version fails the whole load.
func (s *Store) replayBatch(partitionID int, batch *coordlog.Batch, endOffset int64, ls *loadedState) error {
	if batch.BaseOffset >= endOffset {
		return nil
	}
	if batch.Control {
		if len(batch.Records) == 0 {
			log.Debugf("partition %d: control batch at offset %d has no records", partitionID, batch.BaseOffset)
			return nil
		}
		markerType, err := coordlog.DecodeControlKey(batch.Records[0].Key)
		if err != nil {
			log.Errorf("partition %d: cannot decode control marker at offset %d: %v", partitionID, batch.BaseOffset, err)
			return nil
		}
		ls.completeTxn(batch.ProducerID, markerType == coordlog.ControlCommit)
		return nil
	}
	for _, record := range batch.Records {
		if record.Offset >= endOffset {
			break
		}
		kind, offsetKey, groupKey, err := groupcodec.DecodeKey(record.Key)
		if err != nil {
			if common.IsUnsupportedVersionError(err) {
				return errors.Wrapf(err, "unknown record version in partition %d at offset %d", partitionID, record.Offset)
			}
			log.Errorf("partition %d: corrupt record key at offset %d, skipping rest of batch: %v", partitionID, record.Offset, err)
			return nil
		}
		switch kind {
		case groupcodec.KeyKindOffsetCommit:
			tp := TopicPartition{Topic: offsetKey.Topic, Partition: offsetKey.Partition}
			if record.Value == nil {
				if batch.Transactional {
					if producerGroups, ok := ls.pendingTxns[batch.ProducerID]; ok {
						delete(producerGroups[offsetKey.Group], tp)
					}
				} else {
					delete(ls.offsets[offsetKey.Group], tp)
				}
				continue
			}
			value, err := groupcodec.DecodeOffsetCommitValue(record.Value)
			if err != nil {
				if common.IsUnsupportedVersionError(err) {
					return errors.Wrapf(err, "unknown offset commit version in partition %d at offset %d", partitionID, record.Offset)
				}
				log.Errorf("partition %d: corrupt offset commit at offset %d, skipping rest of batch: %v", partitionID, record.Offset, err)
				return nil
			}
			lo := loadedOffset{value: value, logOffset: record.Offset}
			if batch.Transactional {
				ls.stageTxnOffset(batch.ProducerID, offsetKey.Group, tp, lo)
			} else {
				ls.setOffset(offsetKey.Group, tp, lo)
			}
		case groupcodec.KeyKindGroupMetadata:
			if record.Value == nil {
				ls.removedGroups[groupKey.Group] = struct{}{}
				delete(ls.groups, groupKey.Group)
				continue
			}
			value, err := groupcodec.DecodeGroupMetadataValue(record.Value)
			if err != nil {
				if common.IsUnsupportedVersionError(err) {
					return errors.Wrapf(err, "unknown group metadata version in partition %d at offset %d", partitionID, record.Offset)
				}
				log.Errorf("partition %d: corrupt group metadata at offset %d, skipping rest of batch: %v", partitionID, record.Offset, err)
				return nil
			}
			ls.groups[groupKey.Group] = value
			delete(ls.removedGroups, groupKey.Group)
		}
	}
	return nil
}

// commitLoadedState turns the accumulated replay state into cached groups. A
// group is created for every surviving metadata record and for every group that
// only has offsets. Dangling transactional offsets are installed as pending so a
// late marker can still resolve them.
func (s *Store) commitLoadedState(partitionID int, ls *loadedState, onGroupLoaded func(group *Group)) int {
	groups := map[string]*Group{}
	groupFor := func(groupID string) *Group {
		g, ok := groups[groupID]
		if !ok {
			g = newGroup(s, groupID, partitionID)
			groups[groupID] = g
		}
		return g
	}
	for groupID, value := range ls.groups {
		g := groupFor(groupID)
		g.applyMetadataValue(value)
	}
	for groupID, groupOffsets := range ls.offsets {
		if len(groupOffsets) == 0 {
			continue
		}
		g := groupFor(groupID)
		for tp, lo := range groupOffsets {
			g.offsets[tp] = offsetCommitEntry{
				OffsetAndMetadata: offsetAndMetadataFromValue(lo.value),
				appendedOffset:    lo.logOffset,
			}
		}
	}
	for producerID, producerGroups := range ls.pendingTxns {
		for groupID, groupOffsets := range producerGroups {
			if len(groupOffsets) == 0 {
				continue
			}
			g := groupFor(groupID)
			staged := map[TopicPartition]offsetCommitEntry{}
			for tp, lo := range groupOffsets {
				staged[tp] = offsetCommitEntry{
					OffsetAndMetadata: offsetAndMetadataFromValue(lo.value),
					appendedOffset:    lo.logOffset,
				}
			}
			g.pendingTxnCommits[producerID] = staged
			s.addOpenTxn(producerID, groupID)
		}
	}
	for _, g := range groups {
		if displaced := s.cache.put(g); displaced != nil {
			log.Warnf("load of partition %d displaced already cached group %s", partitionID, g.id)
		}
		if onGroupLoaded != nil {
			onGroupLoaded(g)
		}
	}
	return len(groups)
}

// applyMetadataValue restores a group from a replayed metadata record. With
// members present the group resumes as Stable, without any it is Empty.
func (g *Group) applyMetadataValue(value groupcodec.GroupMetadataValue) {
	g.protocolType = value.ProtocolType
	g.generationID = value.Generation
	g.protocolName = value.Protocol
	g.leader = value.Leader
	g.currentStateTimestamp = value.CurrentStateTimestamp
	g.hasPersistedMetadata = true
	protocolName := common.SafeDerefStringPtr(value.Protocol)
	for _, mm := range value.Members {
		g.members[mm.MemberID] = &member{
			spec: MemberSpec{
				MemberID:         mm.MemberID,
				GroupInstanceID:  mm.GroupInstanceID,
				ProtocolType:     value.ProtocolType,
				ClientID:         mm.ClientID,
				ClientHost:       mm.ClientHost,
				RebalanceTimeout: time.Duration(mm.RebalanceTimeout) * time.Millisecond,
				SessionTimeout:   time.Duration(mm.SessionTimeout) * time.Millisecond,
				Protocols:        []ProtocolInfo{{Name: protocolName, Metadata: mm.Subscription}},
			},
			assignment: mm.Assignment,
		}
		if mm.GroupInstanceID != nil {
			g.staticMembers[*mm.GroupInstanceID] = mm.MemberID
		}
	}
	if len(g.members) > 0 {
		g.state = StateStable
	} else {
		g.state = StateEmpty
	}
}

func offsetAndMetadataFromValue(value groupcodec.OffsetCommitValue) OffsetAndMetadata {
	return OffsetAndMetadata{
		Offset:          value.Offset,
		LeaderEpoch:     value.LeaderEpoch,
		Metadata:        value.Metadata,
		CommitTimestamp: value.CommitTimestamp,
		ExpireTimestamp: value.ExpireTimestamp,
	}
}

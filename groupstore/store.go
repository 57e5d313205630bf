package groupstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	log "github.com/quillstream/groupmeta/logger"

	"github.com/quillstream/groupmeta/common"
	"github.com/quillstream/groupmeta/coordlog"
	"github.com/quillstream/groupmeta/groupcodec"
	"github.com/quillstream/groupmeta/protocol"
)

// Store materializes consumer group state from the replicated coordinator log.
// One Store serves all coordinator log partitions the hosting broker owns.
// Ownership is handed in and out through LoadGroupsAndOffsets and
// RemoveGroupsAndOffsets with a monotonically increasing per partition epoch.
type Store struct {
	cfg            Conf
	log            coordlog.Log
	cache          *groupCache
	fence          *epochFence
	openTxnsLock   sync.Mutex
	openTxns       map[int64]map[string]struct{}
	partitionCache *lru.Cache
	loadSem        *semaphore.Weighted
	timerLock      sync.Mutex
	expiryTimer    *common.TimerHandle
	stopping       atomic.Bool
	started        bool
	startLock      sync.Mutex
	stats          *Stats
	expiryReporter ExpiryReporter
	nowMillis      func() int64
	scheduleTimer  func(delay time.Duration, randomise bool, action func()) *common.TimerHandle
}

func NewStore(cfg Conf, logClient coordlog.Log) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	partitionCache, err := lru.New(cfg.PartitionLookupCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create partition lookup cache")
	}
	s := &Store{
		cfg:            cfg,
		log:            logClient,
		cache:          newGroupCache(),
		fence:          newEpochFence(),
		openTxns:       map[int64]map[string]struct{}{},
		partitionCache: partitionCache,
		loadSem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentLoads)),
		nowMillis:      common.NowMillis,
		scheduleTimer:  common.ScheduleTimer,
	}
	s.expiryReporter = &defaultExpiryReporter{}
	return s, nil
}

// SetStats attaches metrics. Must be called before Start.
func (s *Store) SetStats(stats *Stats) {
	s.stats = stats
	if r, ok := s.expiryReporter.(*defaultExpiryReporter); ok {
		r.stats = stats
	}
}

// SetExpiryReporter replaces the default expiry reporter. Must be called before
// Start.
func (s *Store) SetExpiryReporter(reporter ExpiryReporter) {
	s.expiryReporter = reporter
}

// SetClock overrides the millisecond clock. Must be called before Start.
func (s *Store) SetClock(nowMillis func() int64) {
	s.nowMillis = nowMillis
}

func (s *Store) Start() error {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	if s.started {
		return nil
	}
	s.stopping.Store(false)
	s.scheduleExpiredOffsetsCheck(true)
	s.started = true
	return nil
}

func (s *Store) Stop() error {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	if !s.started {
		return nil
	}
	s.stopping.Store(true)
	s.timerLock.Lock()
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	s.timerLock.Unlock()
	s.started = false
	return nil
}

// PartitionFor maps a group id to its owning coordinator log partition. The
// mapping hashes the group id so it is stable across brokers and restarts.
func (s *Store) PartitionFor(groupID string) int {
	if cached, ok := s.partitionCache.Get(groupID); ok {
		return cached.(int)
	}
	hash := common.DefaultHash([]byte(groupID))
	partitionID := common.CalcPartition(hash, s.cfg.PartitionCount)
	s.partitionCache.Add(groupID, partitionID)
	return partitionID
}

// LoadGroupsAndOffsets schedules a replay of the given coordinator log partition
// at the given ownership epoch. The load runs on a bounded pool. Loads at an
// epoch not higher than one already seen are ignored. onGroupLoaded, when not
// nil, is invoked for every group materialized by the load.
func (s *Store) LoadGroupsAndOffsets(partitionID int, epoch int32, onGroupLoaded func(group *Group), startTimeMs int64) {
	if !s.fence.beginLoad(partitionID, epoch) {
		return
	}
	log.Infof("scheduling load of partition %d at epoch %d", partitionID, epoch)
	common.Go(func() {
		if err := s.loadSem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer s.loadSem.Release(1)
		err := s.loadPartition(partitionID, epoch, onGroupLoaded, startTimeMs)
		if err != nil {
			log.Errorf("failed to load partition %d: %v", partitionID, err)
		}
		s.fence.completeLoad(partitionID, epoch, err == nil)
	})
}

// RemoveGroupsAndOffsets drops all cached groups owned by the given partition,
// after losing leadership of it. A stale expected epoch makes the call a no-op, a
// nil expected epoch removes unconditionally. The backing log records are not
// touched, a later load under a higher epoch rebuilds the same state.
func (s *Store) RemoveGroupsAndOffsets(partitionID int, expectedEpoch *int32) {
	if !s.fence.fenceRemoval(partitionID, expectedEpoch) {
		return
	}
	s.fence.onRemoved(partitionID)
	common.Go(func() {
		if err := s.loadSem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer s.loadSem.Release(1)
		removed := s.cache.removeAllForPartition(partitionID)
		numOffsets := 0
		for _, g := range removed {
			g.lock.Lock()
			numOffsets += len(g.offsets)
			g.state = StateDead
			var producers []int64
			for producerID := range g.pendingTxnCommits {
				producers = append(producers, producerID)
			}
			g.lock.Unlock()
			for _, producerID := range producers {
				s.removeOpenTxn(producerID, g.id)
			}
		}
		log.Infof("removed %d groups and %d offsets for partition %d", len(removed), numOffsets, partitionID)
	})
}

// IsGroupLoading reports whether the partition owning the group is still being
// replayed. Requests for the group should be answered with a retriable load in
// progress error until this turns false.
func (s *Store) IsGroupLoading(groupID string) bool {
	return s.fence.isLoading(s.PartitionFor(groupID))
}

// IsGroupDead reports whether the group is definitely gone: its owning partition
// is loaded here but no such group exists, or the cached group is Dead.
func (s *Store) IsGroupDead(groupID string) bool {
	g := s.cache.get(groupID)
	if g != nil {
		return g.IsDead()
	}
	return s.fence.isOwned(s.PartitionFor(groupID))
}

// GetGroup returns the cached group, if any.
func (s *Store) GetGroup(groupID string) (*Group, bool) {
	g := s.cache.get(groupID)
	return g, g != nil
}

// GetOrCreateGroup returns the cached group, creating an Empty one when the
// owning partition is loaded here and no group exists yet. A non-zero error code
// means the group cannot be served from this broker right now.
func (s *Store) GetOrCreateGroup(groupID string) (*Group, int16) {
	partitionID := s.PartitionFor(groupID)
	if s.fence.isLoading(partitionID) {
		return nil, protocol.ErrorCodeCoordinatorLoadInProgress
	}
	if !s.fence.isOwned(partitionID) {
		return nil, protocol.ErrorCodeNotCoordinator
	}
	if g := s.cache.get(groupID); g != nil {
		return g, protocol.ErrorCodeNone
	}
	return s.cache.addIfAbsent(newGroup(s, groupID, partitionID)), protocol.ErrorCodeNone
}

// OffsetFetchResult is the per topic partition answer to an offset fetch. Offset
// is -1 when no commit exists.
type OffsetFetchResult struct {
	Offset      int64
	LeaderEpoch int32
	Metadata    string
	ErrorCode   int16
}

// GetOffsets returns the materialized committed offsets of a group. With a nil
// topic partition list all committed offsets are returned. Unknown groups and
// unknown topic partitions answer with offset -1 and no error, like an empty
// group would.
func (s *Store) GetOffsets(groupID string, partitions []TopicPartition) (map[TopicPartition]OffsetFetchResult, int16) {
	partitionID := s.PartitionFor(groupID)
	if s.fence.isLoading(partitionID) {
		return nil, protocol.ErrorCodeCoordinatorLoadInProgress
	}
	if !s.fence.isOwned(partitionID) {
		return nil, protocol.ErrorCodeNotCoordinator
	}
	results := map[TopicPartition]OffsetFetchResult{}
	g := s.cache.get(groupID)
	if g == nil {
		for _, tp := range partitions {
			results[tp] = OffsetFetchResult{Offset: -1, LeaderEpoch: -1}
		}
		return results, protocol.ErrorCodeNone
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	if partitions == nil {
		for tp, entry := range g.offsets {
			results[tp] = OffsetFetchResult{
				Offset:      entry.Offset,
				LeaderEpoch: entry.LeaderEpoch,
				Metadata:    entry.Metadata,
			}
		}
		return results, protocol.ErrorCodeNone
	}
	for _, tp := range partitions {
		entry, ok := g.offsets[tp]
		if !ok {
			results[tp] = OffsetFetchResult{Offset: -1, LeaderEpoch: -1}
			continue
		}
		results[tp] = OffsetFetchResult{
			Offset:      entry.Offset,
			LeaderEpoch: entry.LeaderEpoch,
			Metadata:    entry.Metadata,
		}
	}
	return results, protocol.ErrorCodeNone
}

// DeleteOffsets removes committed offsets of a group on admin request. Offsets of
// topics the group is still actively subscribed to are refused. Tombstones for the
// deleted offsets are appended to the log. The completion function is invoked
// exactly once.
func (s *Store) DeleteOffsets(g *Group, partitions []TopicPartition, completionFunc func(map[TopicPartition]int16)) {
	errorCodes := make(map[TopicPartition]int16, len(partitions))
	var deleted []TopicPartition
	g.lock.Lock()
	subscribed := map[string]struct{}{}
	if g.protocolType == protocolTypeConsumer && len(g.members) > 0 && g.state != StateEmpty {
		subscribed = g.subscribedTopicsLocked()
	}
	for _, tp := range partitions {
		if _, ok := subscribed[tp.Topic]; ok {
			errorCodes[tp] = protocol.ErrorCodeGroupSubscribedToTopic
			continue
		}
		if _, ok := g.offsets[tp]; !ok {
			errorCodes[tp] = protocol.ErrorCodeNone
			continue
		}
		delete(g.offsets, tp)
		deleted = append(deleted, tp)
	}
	g.lock.Unlock()
	if len(deleted) == 0 {
		completionFunc(errorCodes)
		return
	}
	records := make([]coordlog.Record, 0, len(deleted))
	for _, tp := range deleted {
		key := groupcodec.EncodeOffsetCommitKey(groupcodec.OffsetCommitKey{
			Group:     g.id,
			Topic:     tp.Topic,
			Partition: tp.Partition,
		})
		records = append(records, coordlog.Record{Key: key})
	}
	batch := coordlog.Batch{ProducerID: NoProducerID, Records: records}
	s.log.Append(g.partitionID, batch, func(res coordlog.AppendResult) {
		code := int16(protocol.ErrorCodeNone)
		if res.ErrorCode != protocol.ErrorCodeNone {
			code = coordlog.ErrorCodeForAppendFailure(res.ErrorCode)
			log.Warnf("failed to append offset delete tombstones for group %s: %s", g.id,
				protocol.ErrorString(res.ErrorCode))
		}
		for _, tp := range deleted {
			errorCodes[tp] = code
		}
		completionFunc(errorCodes)
	})
}

type GroupOverview struct {
	GroupID      string
	ProtocolType string
	State        string
}

// ListGroups returns an overview of every cached group that is not Dead.
func (s *Store) ListGroups() []GroupOverview {
	var overviews []GroupOverview
	for _, g := range s.cache.all() {
		g.lock.Lock()
		if !g.isDeadLocked() {
			overviews = append(overviews, GroupOverview{
				GroupID:      g.id,
				ProtocolType: g.protocolType,
				State:        g.state.String(),
			})
		}
		g.lock.Unlock()
	}
	return overviews
}

type MemberDescription struct {
	MemberID        string
	GroupInstanceID *string
	ClientID        string
	ClientHost      string
	Assignment      []byte
}

type GroupDescription struct {
	GroupID      string
	State        string
	ProtocolType string
	Protocol     string
	Leader       string
	Generation   int32
	Members      []MemberDescription
}

// DescribeGroup renders a snapshot of a group. An unknown group on a loaded
// partition is described as Dead, matching what a client of a just removed group
// sees.
func (s *Store) DescribeGroup(groupID string) (GroupDescription, int16) {
	partitionID := s.PartitionFor(groupID)
	if s.fence.isLoading(partitionID) {
		return GroupDescription{}, protocol.ErrorCodeCoordinatorLoadInProgress
	}
	if !s.fence.isOwned(partitionID) {
		return GroupDescription{}, protocol.ErrorCodeNotCoordinator
	}
	g := s.cache.get(groupID)
	if g == nil {
		return GroupDescription{GroupID: groupID, State: StateDead.String()}, protocol.ErrorCodeNone
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	description := GroupDescription{
		GroupID:      g.id,
		State:        g.state.String(),
		ProtocolType: g.protocolType,
		Protocol:     common.SafeDerefStringPtr(g.protocolName),
		Leader:       common.SafeDerefStringPtr(g.leader),
		Generation:   g.generationID,
	}
	for _, m := range g.members {
		description.Members = append(description.Members, MemberDescription{
			MemberID:        m.spec.MemberID,
			GroupInstanceID: m.spec.GroupInstanceID,
			ClientID:        m.spec.ClientID,
			ClientHost:      m.spec.ClientHost,
			Assignment:      m.assignment,
		})
	}
	return description, protocol.ErrorCodeNone
}

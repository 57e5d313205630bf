package groupstore

import (
	"time"

	log "github.com/quillstream/groupmeta/logger"

	"github.com/quillstream/groupmeta/coordlog"
	"github.com/quillstream/groupmeta/groupcodec"
	"github.com/quillstream/groupmeta/protocol"
)

// ExpiryReporter receives the outcome of each expired offset sweep. The default
// reporter logs and bumps counters, embedders can inject their own.
type ExpiryReporter interface {
	ReportExpiry(numOffsetsExpired int, numGroupsRemoved int, took time.Duration)
}

type defaultExpiryReporter struct {
	stats *Stats
}

func (r *defaultExpiryReporter) ReportExpiry(numOffsetsExpired int, numGroupsRemoved int, took time.Duration) {
	if r.stats != nil {
		r.stats.OffsetsExpired.Add(float64(numOffsetsExpired))
		r.stats.GroupsRemoved.Add(float64(numGroupsRemoved))
	}
	if numOffsetsExpired > 0 || numGroupsRemoved > 0 {
		log.Infof("removed %d expired offsets and %d groups in %d ms", numOffsetsExpired, numGroupsRemoved,
			took.Milliseconds())
	}
}

func (s *Store) scheduleExpiredOffsetsCheck(first bool) {
	s.timerLock.Lock()
	defer s.timerLock.Unlock()
	if s.stopping.Load() {
		return
	}
	// The first sweep is randomised so coordinators do not all wake at once,
	// reschedules fire at the configured interval
	delay := s.cfg.OffsetsRetentionCheckInterval
	s.expiryTimer = s.scheduleTimer(delay, first, func() {
		s.CleanupGroupMetadata()
		s.scheduleExpiredOffsetsCheck(false)
	})
}

// CleanupGroupMetadata runs one sweep over all cached groups: expired offsets are
// removed and tombstoned, and groups left Empty with no offsets are removed with a
// metadata tombstone when they ever persisted one. Tombstone appends are best
// effort, a failed append is only logged and the next sweep converges again from
// the log's surviving records.
func (s *Store) CleanupGroupMetadata() (int, int) {
	start := s.nowMillis()
	now := start
	numOffsetsExpired := 0
	numGroupsRemoved := 0
	for _, g := range s.cache.all() {
		offsetsExpired, groupRemoved := s.cleanupGroup(g, now)
		numOffsetsExpired += offsetsExpired
		if groupRemoved {
			numGroupsRemoved++
		}
	}
	took := time.Duration(s.nowMillis()-start) * time.Millisecond
	s.expiryReporter.ReportExpiry(numOffsetsExpired, numGroupsRemoved, took)
	return numOffsetsExpired, numGroupsRemoved
}

func (s *Store) cleanupGroup(g *Group, now int64) (int, bool) {
	g.lock.Lock()
	if g.isDeadLocked() {
		g.lock.Unlock()
		return 0, false
	}
	expired := g.expireOffsetsLocked(now, s.cfg.OffsetsRetention)
	var records []coordlog.Record
	for _, tp := range expired {
		key := groupcodec.EncodeOffsetCommitKey(groupcodec.OffsetCommitKey{
			Group:     g.id,
			Topic:     tp.Topic,
			Partition: tp.Partition,
		})
		records = append(records, coordlog.Record{Key: key})
	}
	groupRemoved := false
	if g.state == StateEmpty && !g.hasOffsetsLocked() {
		groupRemoved = true
		g.state = StateDead
		if g.hasPersistedMetadata {
			key := groupcodec.EncodeGroupMetadataKey(groupcodec.GroupMetadataKey{Group: g.id})
			records = append(records, coordlog.Record{Key: key})
		}
	}
	g.lock.Unlock()
	if groupRemoved {
		s.cache.remove(g.id)
		log.Debugf("group %s is idle with no offsets left, removing", g.id)
	}
	if len(records) > 0 {
		batch := coordlog.Batch{ProducerID: NoProducerID, Records: records}
		s.log.Append(g.partitionID, batch, func(res coordlog.AppendResult) {
			if res.ErrorCode != protocol.ErrorCodeNone {
				log.Warnf("failed to append tombstones for group %s: %s", g.id, protocol.ErrorString(res.ErrorCode))
			}
		})
	}
	return len(expired), groupRemoved
}

// expireOffsetsLocked removes and returns the group's expired offsets. A commit
// with an explicit expiry expires at that time. Otherwise retention counts from
// when the group went idle, or from the commit time for offsets of topics the
// members no longer subscribe to. Offsets with a commit still in flight never
// expire.
func (g *Group) expireOffsetsLocked(now int64, retention time.Duration) []TopicPartition {
	retentionMs := retention.Milliseconds()
	var expired []TopicPartition
	consider := func(tp TopicPartition, entry offsetCommitEntry, baseTimestamp int64) {
		if g.hasInFlightCommitLocked(tp) {
			return
		}
		if entry.ExpireTimestamp != groupcodec.NilSentinel {
			if now < entry.ExpireTimestamp {
				return
			}
		} else if now-baseTimestamp < retentionMs {
			return
		}
		expired = append(expired, tp)
	}
	switch {
	case g.state == StateEmpty:
		base := g.currentStateTimestamp
		for tp, entry := range g.offsets {
			b := base
			if b == groupcodec.NilSentinel {
				b = entry.CommitTimestamp
			}
			consider(tp, entry, b)
		}
	case g.protocolType == protocolTypeConsumer && len(g.members) > 0:
		subscribed := g.subscribedTopicsLocked()
		if subscribed == nil {
			// Subscriptions unknown, keep everything
			break
		}
		for tp, entry := range g.offsets {
			if _, ok := subscribed[tp.Topic]; ok {
				continue
			}
			consider(tp, entry, entry.CommitTimestamp)
		}
	case g.protocolType == "":
		// Standalone committers have no subscription to protect their offsets
		for tp, entry := range g.offsets {
			consider(tp, entry, entry.CommitTimestamp)
		}
	}
	for _, tp := range expired {
		delete(g.offsets, tp)
	}
	return expired
}

func (g *Group) hasInFlightCommitLocked(tp TopicPartition) bool {
	if _, ok := g.pendingOffsetCommits[tp]; ok {
		return true
	}
	for _, staged := range g.pendingTxnCommits {
		if _, ok := staged[tp]; ok {
			return true
		}
	}
	return false
}

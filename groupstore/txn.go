package groupstore

import (
	log "github.com/quillstream/groupmeta/logger"
)

// addOpenTxn records that a producer has staged offsets in a group, so a
// transaction marker can later be routed to the affected groups.
func (s *Store) addOpenTxn(producerID int64, groupID string) {
	s.openTxnsLock.Lock()
	defer s.openTxnsLock.Unlock()
	groups, ok := s.openTxns[producerID]
	if !ok {
		groups = map[string]struct{}{}
		s.openTxns[producerID] = groups
	}
	groups[groupID] = struct{}{}
}

func (s *Store) removeOpenTxn(producerID int64, groupID string) {
	s.openTxnsLock.Lock()
	defer s.openTxnsLock.Unlock()
	groups, ok := s.openTxns[producerID]
	if !ok {
		return
	}
	delete(groups, groupID)
	if len(groups) == 0 {
		delete(s.openTxns, producerID)
	}
}

func (s *Store) groupsForProducer(producerID int64) []string {
	s.openTxnsLock.Lock()
	defer s.openTxnsLock.Unlock()
	groups := make([]string, 0, len(s.openTxns[producerID]))
	for groupID := range s.openTxns[producerID] {
		groups = append(groups, groupID)
	}
	return groups
}

// HandleTxnCompletion resolves a finished transaction for every group whose
// owning coordinator log partition received a marker. Staged offsets in groups
// whose partition is not covered stay pending until their own marker arrives.
func (s *Store) HandleTxnCompletion(producerID int64, completedPartitions map[int]struct{}, isCommit bool) {
	for _, groupID := range s.groupsForProducer(producerID) {
		g := s.cache.get(groupID)
		if g == nil {
			log.Debugf("transaction completion for producer %d references unknown group %s", producerID, groupID)
			s.removeOpenTxn(producerID, groupID)
			continue
		}
		if _, ok := completedPartitions[g.partitionID]; !ok {
			continue
		}
		g.lock.Lock()
		g.completeTxnLocked(producerID, isCommit)
		g.lock.Unlock()
		s.removeOpenTxn(producerID, groupID)
	}
}

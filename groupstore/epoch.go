package groupstore

import (
	"sync"

	log "github.com/quillstream/groupmeta/logger"
)

// epochFence tracks, per coordinator log partition, the highest ownership epoch
// seen and whether the partition is currently loading, owned or failed. Epochs
// survive unload so a re-acquisition with a stale epoch can be rejected.
type epochFence struct {
	lock    sync.Mutex
	epochs  map[int]int32
	loading map[int]int32
	owned   map[int]struct{}
	failed  map[int]struct{}
}

func newEpochFence() *epochFence {
	return &epochFence{
		epochs:  map[int]int32{},
		loading: map[int]int32{},
		owned:   map[int]struct{}{},
		failed:  map[int]struct{}{},
	}
}

// beginLoad records the epoch and marks the partition as loading. It returns
// false for a stale epoch or a duplicate of the load already in progress, in
// which case the caller must not load.
func (f *epochFence) beginLoad(partitionID int, epoch int32) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if existing, ok := f.epochs[partitionID]; ok && epoch <= existing {
		log.Warnf("ignoring load of partition %d at epoch %d, already seen epoch %d", partitionID, epoch, existing)
		return false
	}
	f.epochs[partitionID] = epoch
	f.loading[partitionID] = epoch
	delete(f.owned, partitionID)
	delete(f.failed, partitionID)
	return true
}

// stillCurrent reports whether a load started at the given epoch is still the
// one that should commit its results.
func (f *epochFence) stillCurrent(partitionID int, epoch int32) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.epochs[partitionID] != epoch {
		return false
	}
	loadingEpoch, ok := f.loading[partitionID]
	return ok && loadingEpoch == epoch
}

func (f *epochFence) completeLoad(partitionID int, epoch int32, success bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if loadingEpoch, ok := f.loading[partitionID]; !ok || loadingEpoch != epoch {
		return
	}
	delete(f.loading, partitionID)
	if success {
		f.owned[partitionID] = struct{}{}
	} else {
		f.failed[partitionID] = struct{}{}
	}
}

// fenceRemoval decides whether an unload may proceed. A nil expected epoch is
// unconditional, a stale epoch is rejected.
func (f *epochFence) fenceRemoval(partitionID int, expectedEpoch *int32) bool {
	if expectedEpoch == nil {
		return true
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if existing, ok := f.epochs[partitionID]; ok && *expectedEpoch < existing {
		log.Warnf("ignoring removal of partition %d at stale epoch %d, current epoch %d", partitionID, *expectedEpoch, existing)
		return false
	}
	return true
}

// onRemoved clears ownership state for an unloaded partition. The epoch is kept.
func (f *epochFence) onRemoved(partitionID int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.loading, partitionID)
	delete(f.owned, partitionID)
	delete(f.failed, partitionID)
}

func (f *epochFence) isOwned(partitionID int) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.owned[partitionID]
	return ok
}

func (f *epochFence) isLoading(partitionID int) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.loading[partitionID]
	return ok
}

func (f *epochFence) isFailed(partitionID int) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.failed[partitionID]
	return ok
}

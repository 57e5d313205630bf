package coordlog

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/quillstream/groupmeta/common"
	"github.com/quillstream/groupmeta/protocol"
)

// InMemLog is an in-memory Log, used by tests and offline tooling. Partitions are
// created on first use and led locally until SetLeader says otherwise. Append
// outcomes can be forced per partition to exercise failure paths.
type InMemLog struct {
	lock       sync.Mutex
	partitions map[int]*memPartition
	nowMillis  func() int64
	// AppendInterceptor, if set, is consulted before a batch is stored; a non-zero
	// return fails the append with that error code and the batch is dropped.
	AppendInterceptor func(partitionID int, batch *Batch) int16
}

type memPartition struct {
	batches     []Batch
	startOffset int64
	nextOffset  int64
	leader      bool
	version     int16
}

const defaultRecordVersion = int16(2)

func NewInMemLog() *InMemLog {
	return &InMemLog{
		partitions: map[int]*memPartition{},
		nowMillis:  common.NowMillis,
	}
}

// SetNowMillis overrides the append timestamp source.
func (l *InMemLog) SetNowMillis(f func() int64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.nowMillis = f
}

func (l *InMemLog) partition(partitionID int) *memPartition {
	p, ok := l.partitions[partitionID]
	if !ok {
		p = &memPartition{leader: true, version: defaultRecordVersion}
		l.partitions[partitionID] = p
	}
	return p
}

func (l *InMemLog) SetLeader(partitionID int, leader bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.partition(partitionID).leader = leader
}

func (l *InMemLog) SetVersion(partitionID int, version int16) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.partition(partitionID).version = version
}

// Truncate advances the log start offset, discarding whole batches below it, like
// retention would.
func (l *InMemLog) Truncate(partitionID int, newStartOffset int64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	p := l.partition(partitionID)
	var kept []Batch
	for _, b := range p.batches {
		if b.LastOffset() >= newStartOffset {
			kept = append(kept, b)
		}
	}
	p.batches = kept
	p.startOffset = newStartOffset
}

func (l *InMemLog) Append(partitionID int, batch Batch, completionFunc func(AppendResult)) {
	l.lock.Lock()
	p := l.partition(partitionID)
	if !p.leader {
		l.lock.Unlock()
		common.Go(func() {
			completionFunc(AppendResult{ErrorCode: protocol.ErrorCodeNotLeaderOrFollower})
		})
		return
	}
	if l.AppendInterceptor != nil {
		if errorCode := l.AppendInterceptor(partitionID, &batch); errorCode != protocol.ErrorCodeNone {
			l.lock.Unlock()
			common.Go(func() {
				completionFunc(AppendResult{ErrorCode: errorCode})
			})
			return
		}
	}
	now := l.nowMillis()
	batch.BaseOffset = p.nextOffset
	for i := range batch.Records {
		batch.Records[i].Offset = p.nextOffset
		batch.Records[i].Timestamp = now
		p.nextOffset++
	}
	if len(batch.Records) == 0 {
		p.nextOffset++
	}
	p.batches = append(p.batches, batch)
	l.lock.Unlock()
	common.Go(func() {
		completionFunc(AppendResult{
			ErrorCode:  protocol.ErrorCodeNone,
			BaseOffset: batch.BaseOffset,
			Timestamp:  now,
		})
	})
}

// AppendSync appends and waits for the acknowledgment, for test and tooling setup.
func (l *InMemLog) AppendSync(partitionID int, batch Batch) AppendResult {
	ch := make(chan AppendResult, 1)
	l.Append(partitionID, batch, func(res AppendResult) {
		ch <- res
	})
	return <-ch
}

func (l *InMemLog) Read(partitionID int, fromOffset int64, maxBytes int, minOneMessage bool) ([]Batch, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	p, ok := l.partitions[partitionID]
	if !ok {
		return nil, errors.Errorf("unknown partition %d", partitionID)
	}
	var out []Batch
	size := 0
	for _, b := range p.batches {
		if b.LastOffset() < fromOffset {
			continue
		}
		bSize := b.SizeBytes()
		if size+bSize > maxBytes {
			if len(out) > 0 || !minOneMessage {
				break
			}
			// First eligible batch exceeds the buffer - return it anyway so the
			// reader can grow and make progress
		}
		// Batches are immutable once appended so sharing the slices is safe
		out = append(out, b)
		size += bSize
	}
	return out, nil
}

func (l *InMemLog) LogStartOffset(partitionID int) (int64, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	p, ok := l.partitions[partitionID]
	if !ok {
		return 0, errors.Errorf("unknown partition %d", partitionID)
	}
	return p.startOffset, nil
}

func (l *InMemLog) LogEndOffset(partitionID int) (int64, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	p, ok := l.partitions[partitionID]
	if !ok {
		return 0, false
	}
	return p.nextOffset, true
}

func (l *InMemLog) CurrentVersion(partitionID int) (int16, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	p, ok := l.partitions[partitionID]
	if !ok || !p.leader {
		return 0, false
	}
	return p.version, true
}

// Package coordlog defines the contract the coordination core has with the
// replicated coordinator log. The log itself - replication, leadership, retention -
// lives elsewhere; this package carries the record/batch model, the async append
// contract, and an in-memory implementation used by tests and tooling.
package coordlog

import (
	"github.com/quillstream/groupmeta/common"
	"github.com/quillstream/groupmeta/protocol"
	"github.com/twmb/franz-go/pkg/kbin"
)

// Record is one key/value entry in the log. A nil Value is a tombstone for the key.
type Record struct {
	Offset    int64
	Timestamp int64
	Key       []byte
	Value     []byte
}

// Control marker types carried in the key of a control batch record.
const (
	ControlAbort  = int16(0)
	ControlCommit = int16(1)
)

const controlKeyVersion = int16(0)

// Batch is the unit of append and read. Transactional data batches carry the
// producer identity of the open transaction; control batches carry a single record
// whose key holds the commit/abort marker for that producer.
type Batch struct {
	BaseOffset    int64
	ProducerID    int64
	ProducerEpoch int16
	Transactional bool
	Control       bool
	Records       []Record
}

const batchHeaderSize = 61
const recordOverhead = 20

// SizeBytes approximates the wire size of the batch, used for read buffer accounting.
func (b *Batch) SizeBytes() int {
	size := batchHeaderSize
	for _, r := range b.Records {
		size += recordOverhead + len(r.Key) + len(r.Value)
	}
	return size
}

func (b *Batch) LastOffset() int64 {
	if len(b.Records) == 0 {
		return b.BaseOffset
	}
	return b.Records[len(b.Records)-1].Offset
}

func EncodeControlKey(markerType int16) []byte {
	buff := make([]byte, 0, 4)
	buff = kbin.AppendInt16(buff, controlKeyVersion)
	buff = kbin.AppendInt16(buff, markerType)
	return buff
}

func DecodeControlKey(key []byte) (int16, error) {
	r := kbin.Reader{Src: key}
	version := r.Int16()
	markerType := r.Int16()
	if err := r.Complete(); err != nil {
		return 0, common.NewErrorf(common.Corruption, "truncated control record key: %v", err)
	}
	if version != controlKeyVersion {
		return 0, common.NewErrorf(common.UnsupportedRecordVersion, "unknown control record key version %d", version)
	}
	return markerType, nil
}

// AppendResult is the asynchronous acknowledgment of an append. ErrorCode is a
// protocol error code; BaseOffset and Timestamp are the assigned log position and
// append time on success.
type AppendResult struct {
	ErrorCode  int16
	BaseOffset int64
	Timestamp  int64
}

// Log is the coordinator log collaborator.
//
// Append acknowledges exactly once, potentially on a different goroutine than the
// caller's, and applies one verdict to the whole batch. There is no timeout on the
// acknowledgment - callers wanting one must apply it upstream.
type Log interface {
	Append(partitionID int, batch Batch, completionFunc func(AppendResult))

	// Read returns consecutive batches whose last offset is >= fromOffset, bounded
	// by maxBytes. With minOneMessage set, the first eligible batch is returned
	// even when it alone exceeds maxBytes, so an oversized record can never wedge
	// a reader.
	Read(partitionID int, fromOffset int64, maxBytes int, minOneMessage bool) ([]Batch, error)

	LogStartOffset(partitionID int) (int64, error)

	// LogEndOffset returns the next offset that would be assigned. ok is false if
	// the partition is unknown here.
	LogEndOffset(partitionID int) (int64, bool)

	// CurrentVersion returns the record format version in force for the partition.
	// Absence signals this process no longer leads the partition.
	CurrentVersion(partitionID int) (int16, bool)
}

// ErrorCodeForAppendFailure maps a log level append error code to the domain error
// code reported to clients. Transient log problems surface as coordinator
// unavailability; an over-large batch cannot be subdivided by the coordinator so it
// becomes an internal error.
func ErrorCodeForAppendFailure(logErrorCode int16) int16 {
	switch logErrorCode {
	case protocol.ErrorCodeUnknownTopicOrPartition,
		protocol.ErrorCodeNotEnoughReplicas,
		protocol.ErrorCodeNotEnoughReplicasAfterAppend,
		protocol.ErrorCodeRequestTimedOut:
		return protocol.ErrorCodeCoordinatorNotAvailable
	case protocol.ErrorCodeNotLeaderOrFollower:
		return protocol.ErrorCodeNotCoordinator
	case protocol.ErrorCodeMessageTooLarge,
		protocol.ErrorCodeRecordListTooLarge,
		protocol.ErrorCodeInvalidFetchSize:
		return protocol.ErrorCodeUnknownServerError
	case protocol.ErrorCodeCorruptMessage:
		return protocol.ErrorCodeCorruptMessage
	default:
		return logErrorCode
	}
}

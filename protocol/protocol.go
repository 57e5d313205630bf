package protocol

// Kafka protocol error codes. The coordination core reports verdicts to its callers
// using these codes, matching what a broker would put on the wire.
const (
	ErrorCodeUnknownServerError           = -1
	ErrorCodeNone                         = 0
	ErrorCodeOffsetOutOfRange             = 1
	ErrorCodeCorruptMessage               = 2
	ErrorCodeUnknownTopicOrPartition      = 3
	ErrorCodeInvalidFetchSize             = 4
	ErrorCodeLeaderNotAvailable           = 5
	ErrorCodeNotLeaderOrFollower          = 6
	ErrorCodeRequestTimedOut              = 7
	ErrorCodeMessageTooLarge              = 10
	ErrorCodeOffsetMetadataTooLarge       = 12
	ErrorCodeNetworkException             = 13
	ErrorCodeCoordinatorLoadInProgress    = 14
	ErrorCodeCoordinatorNotAvailable      = 15
	ErrorCodeNotCoordinator               = 16
	ErrorCodeRecordListTooLarge           = 18
	ErrorCodeNotEnoughReplicas            = 19
	ErrorCodeNotEnoughReplicasAfterAppend = 20
	ErrorCodeIllegalGeneration            = 22
	ErrorCodeInconsistentGroupProtocol    = 23
	ErrorCodeInvalidGroupID               = 24
	ErrorCodeUnknownMemberID              = 25
	ErrorCodeInvalidSessionTimeout        = 26
	ErrorCodeRebalanceInProgress          = 27
	ErrorCodeInvalidCommitOffsetSize      = 28
	ErrorCodeInvalidRequest               = 42
	ErrorCodeInvalidProducerEpoch         = 47
	ErrorCodeInvalidTxnState              = 48
	ErrorCodeGroupIDNotFound              = 69
	ErrorCodeGroupSubscribedToTopic       = 86
)

// ErrorString gives a readable name for codes this core emits, for log lines.
func ErrorString(errorCode int16) string {
	switch errorCode {
	case ErrorCodeNone:
		return "none"
	case ErrorCodeCorruptMessage:
		return "corrupt_message"
	case ErrorCodeUnknownTopicOrPartition:
		return "unknown_topic_or_partition"
	case ErrorCodeOffsetMetadataTooLarge:
		return "offset_metadata_too_large"
	case ErrorCodeCoordinatorLoadInProgress:
		return "coordinator_load_in_progress"
	case ErrorCodeCoordinatorNotAvailable:
		return "coordinator_not_available"
	case ErrorCodeNotCoordinator:
		return "not_coordinator"
	case ErrorCodeIllegalGeneration:
		return "illegal_generation"
	case ErrorCodeUnknownMemberID:
		return "unknown_member_id"
	case ErrorCodeRebalanceInProgress:
		return "rebalance_in_progress"
	case ErrorCodeGroupIDNotFound:
		return "group_id_not_found"
	case ErrorCodeGroupSubscribedToTopic:
		return "group_subscribed_to_topic"
	case ErrorCodeUnknownServerError:
		return "unknown_server_error"
	default:
		return "unknown"
	}
}

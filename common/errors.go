package common

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/quillstream/groupmeta/logger"
)

type ErrCode int

const (
	Unavailable ErrCode = iota + 2000
	ConnectionError
	ShutdownError
	Corruption ErrCode = iota + 3000
	UnsupportedRecordVersion
	InvalidConfiguration ErrCode = iota + 4000
	InternalError        ErrCode = iota + 5000
)

type Error struct {
	Code      ErrCode
	Msg       string
	ExtraData []byte
}

func (e Error) Error() string {
	return e.Msg
}

func NewError(errorCode ErrCode, msg string) Error {
	return Error{Code: errorCode, Msg: msg}
}

func NewErrorf(errorCode ErrCode, msgFormat string, args ...interface{}) Error {
	return Error{Code: errorCode, Msg: fmt.Sprintf(msgFormat, args...)}
}

func NewInvalidConfigurationError(msg string) Error {
	return NewErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

// NewInternalError logs the original error with a reference and only passes the reference
// onwards, so server internals are not exposed to callers
func NewInternalError(err error) Error {
	ref := fmt.Sprintf("groupmeta-internal-err-reference-%s", uuid.New().String())
	log.Errorf("internal error with reference %s: %v", ref, err)
	return NewErrorf(InternalError, "an internal error has occurred - please search server logs for reference: %s", ref)
}

func IsErrorWithCode(err error, code ErrCode) bool {
	var gerr Error
	if errors.As(err, &gerr) {
		if gerr.Code == code {
			return true
		}
	}
	return false
}

func IsUnavailableError(err error) bool {
	return IsErrorWithCode(err, Unavailable)
}

func IsUnsupportedVersionError(err error) bool {
	return IsErrorWithCode(err, UnsupportedRecordVersion)
}

func IsCorruptionError(err error) bool {
	return IsErrorWithCode(err, Corruption)
}

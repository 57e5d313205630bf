package common

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

func StrPtr(s string) *string {
	return &s
}

func SafeDerefStringPtr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ByteSliceCopy(byteSlice []byte) []byte {
	copied := make([]byte, len(byteSlice))
	copy(copied, byteSlice)
	return copied
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func PanicHandler() {
	if r := recover(); r != nil {
		fmt.Printf("Panic caught: %v\n", r)
		debug.PrintStack()
		os.Exit(1)
	}
}

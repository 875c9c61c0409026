package membuf

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Invariant signals a programmer error or impossible internal state
// (duplicate pid in a bucket, unexpected message type, a latch found in an
// impossible state). These are never recovered from.
func Invariant(log *zap.Logger, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if log != nil {
		log.Panic(msg)
		return
	}
	panic(msg)
}

// Abort signals an operational failure with no retry policy: a short SSD
// read/write, a failed transport send, an allocation failure. These imply
// a hardware or configuration fault. err is wrapped for context before
// the abort.
func Abort(log *zap.Logger, err error, context string) {
	wrapped := errors.Wrap(err, context)
	if log != nil {
		log.Panic(wrapped.Error())
		return
	}
	panic(wrapped)
}

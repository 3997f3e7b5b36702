// Package errctx supplies the caller-file-and-line prefix used by the
// string-typed error values in journal/errors.go,
// matching the pattern used throughout the teacher repo's error types.
package errctx

import (
	"fmt"
	"runtime"
)

// Caller returns "file:line" for the frame `level` steps above its own
// caller (level 0 is the function that called Caller).
func Caller(level int) string {
	_, file, line, _ := runtime.Caller(1 + level)
	return fmt.Sprintf("%s:%d", file, line)
}

// Package xlog is the small logging helper the engine's background worker
// and its flush and merge paths use to report errors without aborting the
// process.
package xlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

func location(deep int) string {
	_, file, line, ok := runtime.Caller(deep)
	if !ok {
		file = "???"
		line = 0
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// Err logs a non-nil error with its call site and returns it unchanged, so
// callers can write `return xlog.Err(err)`.
func Err(err error) error {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", location(2), err)
	}
	return err
}

// Warnf logs a formatted message tagged with its call site.
func Warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", location(2), fmt.Sprintf(format, args...))
}

// Package goid identifies the calling goroutine.
//
// snapdb binds each transaction to the goroutine that created it and checks
// the binding at every entry point. The runtime does not expose goroutine ids,
// so the id is parsed from the header line of runtime.Stack
// ("goroutine 42 [running]:").
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

var prefix = []byte("goroutine ")

// Current returns the id of the calling goroutine, or -1 if it cannot be parsed.
func Current() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], prefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

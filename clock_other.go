//go:build !unix

package vmi

import "time"

var processStart = time.Now()

func monotonicNow() int64 {
	return int64(time.Since(processStart))
}

// Package timex holds the clock helpers shared by signing, staleness
// checks, and event timestamps.
package timex

import "time"

// NowMs returns the current Unix time in milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// NowS returns the current Unix time in seconds.
func NowS() int64 {
	return time.Now().Unix()
}

//go:build linux

package gps

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// lowestNice is the weakest scheduling priority on Linux.
const lowestNice = 19

// lowerPriority pins the calling goroutine to its OS thread and drops that
// thread to the lowest priority. The thread is discarded when the goroutine
// exits, so the niceness never leaks to other goroutines.
func lowerPriority() error {
	runtime.LockOSThread()
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), lowestNice)
}

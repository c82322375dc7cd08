// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"os"
	"syscall"
)

// pidAlive reports whether pid refers to a still-running process, by
// sending it signal 0 (§5 "Stale-worker recovery": "probes liveness via
// kill(pid, 0)"). A pid of 0 or our own pid is always considered alive so a
// freshly-created row is never immediately treated as stale.
func pidAlive(pid int) bool {
	if pid <= 0 || pid == os.Getpid() {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

//go:build unix

package remoteio

import "syscall"

// syscallSig0 returns the zero-signal used to probe process liveness
// without actually delivering a signal (kill(pid, 0) semantics).
func syscallSig0() syscall.Signal { return syscall.Signal(0) }

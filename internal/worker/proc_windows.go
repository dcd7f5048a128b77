//go:build windows

package worker

import "os/exec"

// killGroupOnCancel keeps the default cancellation, which kills the process.
func killGroupOnCancel(cmd *exec.Cmd) {}

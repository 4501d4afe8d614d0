package session

import (
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// signalTree delivers sig to the descendants of proc (deepest first) and
// then to proc itself. The claude CLI runs tools in child processes which
// would otherwise outlive it and keep its output pipes open.
func signalTree(proc *os.Process, sig syscall.Signal) error {
	if p, err := process.NewProcess(int32(proc.Pid)); err == nil {
		signalDescendants(p, sig)
	}
	return proc.Signal(sig)
}

func signalDescendants(p *process.Process, sig syscall.Signal) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		signalDescendants(child, sig)
		_ = child.SendSignal(sig)
	}
}

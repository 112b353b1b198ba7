//go:build linux

// Package daemonize implements double-fork daemonization: detach from the
// controlling terminal, re-parent to init, and redirect stdio to
// /dev/null, handing control to a child-setup function that should
// eventually exec(2) the real daemon binary.
package daemonize

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Start double-forks the current process and runs setup in the final,
// fully-detached child. setup is expected to os.Exec (via syscall.Exec or
// an exec.Cmd that never returns) into the real daemon. If setup returns
// without replacing the process image, Start exits the child with status
// 1 after logging nothing further (the caller is responsible for any
// pre-exec diagnostics).
//
// Start returns nil in the original parent process once the immediate
// child has been reaped; it never returns in the grandchild, since setup
// is expected to exec.
func Start(setup func() error) error {
	child, err := forkChild()
	if err != nil {
		return fmt.Errorf("daemonize: first fork: %w", err)
	}
	if child != 0 {
		// Parent: reap the immediate child to avoid a zombie, then return.
		var ws unix.WaitStatus
		_, _ = unix.Wait4(int(child), &ws, 0, nil)
		return nil
	}

	// First child: become session leader, detaching from the controlling tty.
	if _, err := unix.Setsid(); err != nil {
		os.Exit(1)
	}

	grandchild, err := forkChild()
	if err != nil {
		os.Exit(1)
	}
	if grandchild != 0 {
		// Second parent exits immediately so the grandchild is orphaned to init.
		os.Exit(0)
	}

	// Second child: the actual daemon process.
	if err := os.Chdir("/"); err != nil {
		os.Exit(1)
	}
	unix.Umask(0077)

	if err := redirectStdioToDevNull(); err != nil {
		os.Exit(1)
	}

	if err := setup(); err != nil {
		os.Exit(1)
	}

	os.Exit(0)
	return nil
}

func redirectStdioToDevNull() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	fd := int(devNull.Fd())
	for _, target := range []int{unix.Stdin, unix.Stdout, unix.Stderr} {
		if err := unix.Dup2(fd, target); err != nil {
			return err
		}
	}
	return nil
}

func forkChild() (uintptr, error) {
	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return pid, nil
}

// ExecSelf re-execs the current binary with the given arguments, replacing
// the process image. Used by the grandchild's setup function.
func ExecSelf(args []string, env []string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	return unix.Exec(self, args, env)
}

// RunAndWaitForExec is a convenience wrapper for setup functions that
// invoke an external helper via exec.Cmd rather than replacing the
// current process image (used when the daemon's next step is a separate
// binary rather than argv[0] itself).
func RunAndWaitForExec(cmd *exec.Cmd) error {
	return cmd.Run()
}

package pty

import (
	"os"
	"os/exec"

	creackpty "github.com/creack/pty"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// spawn starts shell inside a new PTY and returns the master side. The
// child runs in its own session with the slave as its controlling terminal,
// so its pid doubles as the process group id. The slave is closed in the
// parent before spawn returns.
func spawn(shell string, args []string, dir string, env []string, size Size) (*os.File, *exec.Cmd, error) {
	if _, err := exec.LookPath(shell); err != nil {
		return nil, nil, &SpawnError{Shell: shell, Err: errors.Wrap(err, "lookup shell")}
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	// StartWithSize sets Setsid and Setctty when SysProcAttr is nil.
	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: uint16(size.Cols),
		Rows: uint16(size.Rows),
	})
	if err != nil {
		return nil, nil, &SpawnError{Shell: shell, Err: errors.Wrap(err, "start")}
	}

	master, err := pollable(ptmx)
	if err != nil {
		_ = ptmx.Close()
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		_ = cmd.Wait()
		return nil, nil, &SpawnError{Shell: shell, Err: err}
	}
	return master, cmd, nil
}

// pollable swaps f for a non-blocking duplicate registered with the
// runtime poller, so reads can be bounded with SetReadDeadline. f is
// closed on success.
func pollable(f *os.File) (*os.File, error) {
	raw, err := f.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "master syscall conn")
	}

	dupFd := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dupFd, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, errors.Wrap(err, "master control")
	}
	if dupErr != nil {
		return nil, errors.Wrap(dupErr, "dup master")
	}

	if err := unix.SetNonblock(dupFd, true); err != nil {
		_ = unix.Close(dupFd)
		return nil, errors.Wrap(err, "set master non-blocking")
	}

	master := os.NewFile(uintptr(dupFd), f.Name())
	if err := f.Close(); err != nil {
		_ = master.Close()
		return nil, errors.Wrap(err, "close original master")
	}
	return master, nil
}

// signalGroup delivers sig to the process group led by pid. A group that
// no longer exists is not an error.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return errors.Wrapf(err, "signal %s to process group %d", unix.SignalName(sig), pid)
}

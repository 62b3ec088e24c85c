package pty

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const readBufferSize = 4096

// errWouldBlock means no output arrived within one poll interval.
var errWouldBlock = errors.New("pty: no data available")

// channel owns the PTY master. Reads are confined to the reader loop;
// write, resize and close are serialized through mu.
type channel struct {
	master       *os.File
	writeTimeout time.Duration
	buf          []byte

	mu     sync.Mutex
	size   Size
	closed bool
}

func newChannel(master *os.File, size Size, writeTimeout time.Duration) *channel {
	return &channel{
		master:       master,
		writeTimeout: writeTimeout,
		buf:          make([]byte, readBufferSize),
		size:         size,
	}
}

// write forwards p to the child. A write that cannot complete within the
// write timeout (child not draining its input) fails instead of blocking.
func (c *channel) write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrNotRunning
	}
	if c.writeTimeout > 0 {
		_ = c.master.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.master.Write(p)
	if err != nil {
		return n, errors.Wrap(err, "pty: write")
	}
	return n, nil
}

// readChunk waits up to wait for output and returns it decoded as UTF-8.
// Invalid sequences, including multi-byte runes split across chunks, are
// replaced rather than rejected. io.EOF means the slave side is gone.
func (c *channel) readChunk(wait time.Duration) (string, error) {
	_ = c.master.SetReadDeadline(time.Now().Add(wait))
	n, err := c.master.Read(c.buf)
	if n > 0 {
		return strings.ToValidUTF8(string(c.buf[:n]), "\uFFFD"), nil
	}
	switch {
	case err == nil:
		return "", errWouldBlock
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "", errWouldBlock
	case errors.Is(err, io.EOF), errors.Is(err, unix.EIO), errors.Is(err, os.ErrClosed):
		// Linux reports a hung-up slave as EIO.
		return "", io.EOF
	default:
		return "", errors.Wrap(err, "pty: read")
	}
}

func (c *channel) resize(size Size) error {
	if !size.Valid() {
		return errors.Wrapf(ErrInvalidSize, "%s", size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrNotRunning
	}

	raw, err := c.master.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "pty: resize")
	}
	var ioctlErr error
	if err := raw.Control(func(fd uintptr) {
		ioctlErr = unix.IoctlSetWinsize(int(fd), unix.TIOCSWINSZ, &unix.Winsize{
			Row: uint16(size.Rows),
			Col: uint16(size.Cols),
		})
	}); err != nil {
		return errors.Wrap(err, "pty: resize")
	}
	if ioctlErr != nil {
		return errors.Wrapf(ioctlErr, "pty: resize to %s", size)
	}

	c.size = size
	return nil
}

func (c *channel) dimensions() Size {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// close releases the master. It is idempotent.
func (c *channel) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.master.Close(); err != nil {
		return errors.Wrap(err, "pty: close master")
	}
	return nil
}

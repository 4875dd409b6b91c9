package channel

import (
	"context"
	"io"
	"time"

	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/native"

	"golang.org/x/sys/unix"
)

type FileOptions struct {
	Read      bool
	Write     bool
	Append    bool
	Create    bool
	Truncate  bool
	Exclusive bool
	// Direct bypasses the page cache; positions and lengths must then be
	// multiples of the block size.
	Direct bool
	Perm   uint32
}

func (o FileOptions) flags() int {
	writable := o.Write || o.Append
	var flags int
	switch {
	case o.Read && writable:
		flags = unix.O_RDWR
	case writable:
		flags = unix.O_WRONLY
	default:
		flags = unix.O_RDONLY
	}
	if o.Append {
		flags |= unix.O_APPEND
	}
	if o.Create {
		flags |= unix.O_CREAT
	}
	if o.Exclusive {
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	if o.Truncate && writable {
		flags |= unix.O_TRUNC
	}
	if o.Direct {
		flags |= directFlag
	}
	return flags | unix.O_CLOEXEC
}

// FileChannel reads, writes, maps and locks a file. File operations have
// no poller to park on: a goroutine that calls one is pinned to its OS
// thread for the duration, so that closing the channel can interrupt it.
type FileChannel struct {
	engine    *engine
	path      string
	readable  bool
	writable  bool
	append    bool
	direct    bool
	blockSize int64
	locks     lockTable
}

func OpenFile(dispatcher native.Dispatcher, path string, options FileOptions) (*FileChannel, error) {
	perm := options.Perm
	if perm == 0 {
		perm = 0o644
	}
	fd, err := dispatcher.Open(path, options.flags(), perm)
	if err != nil {
		return nil, E.Cause(err, "open ", path)
	}
	c, err := NewFileChannel(dispatcher, fd, options)
	if err != nil {
		return nil, E.Errors(err, dispatcher.Close(fd))
	}
	c.path = path
	return c, nil
}

// NewFileChannel takes ownership of fd, opened with the access options
// describes.
func NewFileChannel(dispatcher native.Dispatcher, fd native.Handle, options FileOptions) (*FileChannel, error) {
	e := newEngine(dispatcher, nil, fd, StateInUse)
	e.pinBlocking = true
	c := &FileChannel{
		engine:   e,
		readable: options.Read || !(options.Write || options.Append),
		writable: options.Write || options.Append,
		append:   options.Append,
		direct:   options.Direct,
	}
	if c.direct {
		blockSize, err := dispatcher.BlockSize(fd)
		if err != nil {
			return nil, E.Cause(err, "query block size")
		}
		c.blockSize = int64(blockSize)
	}
	e.onClose = c.releaseLocks
	return c, nil
}

func (c *FileChannel) Name() string {
	return c.path
}

func (c *FileChannel) Handle() native.Handle {
	return c.engine.fd
}

func (c *FileChannel) IsOpen() bool {
	return c.engine.IsOpen()
}

func (c *FileChannel) Readable() bool {
	return c.readable
}

func (c *FileChannel) Writable() bool {
	return c.writable
}

// Close releases the locks held through this channel and closes the file
// once no operation is in flight.
func (c *FileChannel) Close() error {
	return c.engine.Close()
}

// positionLock serializes the operations that use or move the file
// position; the read lock serves as it.
func (c *FileChannel) positionLock() directionLock {
	return c.engine.readLock
}

// run performs attempt as a cancellable, interruptible file operation.
func (c *FileChannel) run(ctx context.Context, attempt func() (bool, error)) error {
	return c.engine.perform(ctx, native.EventRead, time.Time{}, attempt)
}

func (c *FileChannel) checkAligned(position int64, length int) error {
	if !c.direct {
		return nil
	}
	if position%c.blockSize != 0 || int64(length)%c.blockSize != 0 {
		return E.Extend(ErrUnaligned, "position ", position, " length ", length, " block size ", c.blockSize)
	}
	return nil
}

func (c *FileChannel) Read(p []byte) (int, error) {
	return c.ReadContext(context.Background(), p)
}

// ReadContext reads at the file position and advances it.
func (c *FileChannel) ReadContext(ctx context.Context, p []byte) (int, error) {
	if !c.readable {
		return 0, ErrNonReadable
	}
	err := c.engine.acquire(ctx, c.positionLock())
	if err != nil {
		return 0, err
	}
	defer c.positionLock().unlock()
	if len(p) == 0 {
		return 0, nil
	}
	if c.direct {
		position, err := c.engine.dispatcher.Seek(c.engine.fd, 0, unix.SEEK_CUR)
		if err != nil {
			return 0, err
		}
		err = c.checkAligned(position, len(p))
		if err != nil {
			return 0, err
		}
	}
	var n int
	err = c.run(ctx, func() (bool, error) {
		var err error
		n, err = c.engine.dispatcher.Read(c.engine.fd, p)
		return n > 0, err
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *FileChannel) ReadVectored(ctx context.Context, buffers [][]byte) (int, error) {
	if !c.readable {
		return 0, ErrNonReadable
	}
	err := c.engine.acquire(ctx, c.positionLock())
	if err != nil {
		return 0, err
	}
	defer c.positionLock().unlock()
	if vectorLength(buffers) == 0 {
		return 0, nil
	}
	var n int
	err = c.run(ctx, func() (bool, error) {
		var err error
		n, err = c.engine.dispatcher.Readv(c.engine.fd, buffers)
		return n > 0, err
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *FileChannel) Write(p []byte) (int, error) {
	return c.WriteContext(context.Background(), p)
}

// WriteContext writes all of p at the file position, or at the end in
// append mode.
func (c *FileChannel) WriteContext(ctx context.Context, p []byte) (int, error) {
	return c.WriteVectored(ctx, [][]byte{p})
}

func (c *FileChannel) WriteVectored(ctx context.Context, buffers [][]byte) (int, error) {
	if !c.writable {
		return 0, ErrNonWritable
	}
	err := c.engine.acquire(ctx, c.positionLock())
	if err != nil {
		return 0, err
	}
	defer c.positionLock().unlock()
	total := vectorLength(buffers)
	if total == 0 {
		return 0, nil
	}
	if c.direct && !c.append {
		position, err := c.engine.dispatcher.Seek(c.engine.fd, 0, unix.SEEK_CUR)
		if err != nil {
			return 0, err
		}
		err = c.checkAligned(position, total)
		if err != nil {
			return 0, err
		}
	}
	var written int
	err = c.run(ctx, func() (bool, error) {
		for written < total {
			n, err := c.engine.dispatcher.Writev(c.engine.fd, advanceVector(buffers, written))
			if n > 0 {
				written += n
			}
			if err != nil {
				return written > 0, err
			}
		}
		return true, nil
	})
	return written, err
}

func (c *FileChannel) ReadAt(p []byte, offset int64) (int, error) {
	return c.ReadAtContext(context.Background(), p, offset)
}

// ReadAtContext fills p from offset without touching the file position.
// Like io.ReaderAt it reports io.EOF when the file ends first.
func (c *FileChannel) ReadAtContext(ctx context.Context, p []byte, offset int64) (int, error) {
	if !c.readable {
		return 0, ErrNonReadable
	}
	if offset < 0 {
		return 0, E.Extend(ErrInvalidArgument, "negative offset")
	}
	err := c.engine.ensureOpen()
	if err != nil {
		return 0, err
	}
	err = c.checkAligned(offset, len(p))
	if err != nil {
		return 0, err
	}
	var read int
	for read < len(p) {
		var n int
		err = c.run(ctx, func() (bool, error) {
			var err error
			n, err = c.engine.dispatcher.Pread(c.engine.fd, p[read:], offset+int64(read))
			return n > 0, err
		})
		if err != nil {
			return read, err
		}
		if n == 0 {
			return read, io.EOF
		}
		read += n
	}
	return read, nil
}

func (c *FileChannel) WriteAt(p []byte, offset int64) (int, error) {
	return c.WriteAtContext(context.Background(), p, offset)
}

// WriteAtContext writes all of p at offset without touching the file
// position.
func (c *FileChannel) WriteAtContext(ctx context.Context, p []byte, offset int64) (int, error) {
	if !c.writable {
		return 0, ErrNonWritable
	}
	if offset < 0 {
		return 0, E.Extend(ErrInvalidArgument, "negative offset")
	}
	err := c.engine.ensureOpen()
	if err != nil {
		return 0, err
	}
	err = c.checkAligned(offset, len(p))
	if err != nil {
		return 0, err
	}
	var written int
	err = c.run(ctx, func() (bool, error) {
		for written < len(p) {
			n, err := c.engine.dispatcher.Pwrite(c.engine.fd, p[written:], offset+int64(written))
			if n > 0 {
				written += n
			}
			if err != nil {
				return written > 0, err
			}
		}
		return true, nil
	})
	return written, err
}

// Position reports the file position; in append mode that is the size.
func (c *FileChannel) Position(ctx context.Context) (int64, error) {
	err := c.engine.acquire(ctx, c.positionLock())
	if err != nil {
		return 0, err
	}
	defer c.positionLock().unlock()
	var position int64
	err = c.run(ctx, func() (bool, error) {
		var err error
		if c.append {
			position, err = c.engine.dispatcher.Size(c.engine.fd)
		} else {
			position, err = c.engine.dispatcher.Seek(c.engine.fd, 0, unix.SEEK_CUR)
		}
		return err == nil, err
	})
	return position, err
}

// SetPosition moves the file position; positions past the end are allowed.
func (c *FileChannel) SetPosition(ctx context.Context, position int64) error {
	if position < 0 {
		return E.Extend(ErrInvalidArgument, "negative position")
	}
	_, err := c.seek(ctx, position, io.SeekStart)
	return err
}

func (c *FileChannel) Seek(offset int64, whence int) (int64, error) {
	return c.seek(context.Background(), offset, whence)
}

func (c *FileChannel) seek(ctx context.Context, offset int64, whence int) (int64, error) {
	err := c.engine.acquire(ctx, c.positionLock())
	if err != nil {
		return 0, err
	}
	defer c.positionLock().unlock()
	var position int64
	err = c.run(ctx, func() (bool, error) {
		var err error
		position, err = c.engine.dispatcher.Seek(c.engine.fd, offset, whence)
		return err == nil, err
	})
	return position, err
}

func (c *FileChannel) Size(ctx context.Context) (int64, error) {
	err := c.engine.acquire(ctx, c.positionLock())
	if err != nil {
		return 0, err
	}
	defer c.positionLock().unlock()
	var size int64
	err = c.run(ctx, func() (bool, error) {
		var err error
		size, err = c.engine.dispatcher.Size(c.engine.fd)
		return err == nil, err
	})
	return size, err
}

// Truncate shrinks the file to size; a larger size leaves it unchanged.
// The position is moved back to size when it lies beyond.
func (c *FileChannel) Truncate(ctx context.Context, size int64) error {
	if size < 0 {
		return E.Extend(ErrInvalidArgument, "negative size")
	}
	if !c.writable {
		return ErrNonWritable
	}
	err := c.engine.acquire(ctx, c.positionLock())
	if err != nil {
		return err
	}
	defer c.positionLock().unlock()
	return c.run(ctx, func() (bool, error) {
		current, err := c.engine.dispatcher.Size(c.engine.fd)
		if err != nil {
			return false, err
		}
		position, err := c.engine.dispatcher.Seek(c.engine.fd, 0, unix.SEEK_CUR)
		if err != nil {
			return false, err
		}
		if size < current {
			err = c.engine.dispatcher.Truncate(c.engine.fd, size)
			if err != nil {
				return false, err
			}
		}
		if position > size {
			_, err = c.engine.dispatcher.Seek(c.engine.fd, size, unix.SEEK_SET)
			if err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// Force flushes written data, and file metadata when metadata is set, to
// the storage device.
func (c *FileChannel) Force(ctx context.Context, metadata bool) error {
	err := c.engine.acquire(ctx, c.positionLock())
	if err != nil {
		return err
	}
	defer c.positionLock().unlock()
	return c.run(ctx, func() (bool, error) {
		err := c.engine.dispatcher.Sync(c.engine.fd, metadata)
		return err == nil, err
	})
}

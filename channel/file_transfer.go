package channel

import (
	"context"
	"errors"
	"io"

	"github.com/sagernet/sing-nio/common"
	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/native"
)

type TransferStrategy uint8

const (
	// TransferAuto tries a kernel transfer for trusted peers, then mapping
	// for large ranges, then copying through a buffer.
	TransferAuto TransferStrategy = iota
	TransferDirect
	TransferMapped
	TransferBuffered
)

func (s TransferStrategy) String() string {
	switch s {
	case TransferAuto:
		return "auto"
	case TransferDirect:
		return "direct"
	case TransferMapped:
		return "mapped"
	case TransferBuffered:
		return "buffered"
	}
	return "unknown"
}

const (
	mappedTransferThreshold = 16 * 1024
	mappedTransferChunk     = 8 * 1024 * 1024
	bufferedTransferChunk   = 8 * 1024
	directTransferChunk     = 1 << 30
)

var ErrDirectTransferUnavailable = E.New("direct transfer unavailable for peer")

// TransferTo copies up to count bytes from position to target without
// moving the file position. It returns the bytes transferred, also when
// it fails part way. A canceled ctx closes both channel and target.
func (c *FileChannel) TransferTo(ctx context.Context, position int64, count int64, target io.Writer) (int64, error) {
	return c.TransferToWith(ctx, TransferAuto, position, count, target)
}

func (c *FileChannel) TransferToWith(ctx context.Context, strategy TransferStrategy, position int64, count int64, target io.Writer) (int64, error) {
	if position < 0 || count < 0 {
		return 0, E.Extend(ErrInvalidArgument, "negative transfer range")
	}
	if !c.readable {
		return 0, ErrNonReadable
	}
	size, err := c.Size(ctx)
	if err != nil {
		return 0, err
	}
	if position >= size || count == 0 {
		return 0, nil
	}
	count = min(count, size-position)
	stop := closeOnCancel(ctx, c, target)
	transferred, err := c.transferTo(ctx, strategy, position, count, target)
	return transferred, interrupted(ctx, stop, err)
}

func (c *FileChannel) transferTo(ctx context.Context, strategy TransferStrategy, position int64, count int64, target io.Writer) (int64, error) {
	if strategy == TransferAuto || strategy == TransferDirect {
		peer, release, trusted, err := c.directTarget(ctx, target)
		if err != nil {
			return 0, err
		}
		if trusted {
			transferred, err := c.transferDirect(ctx, peer, position, count)
			release()
			if err == nil || strategy == TransferDirect || transferred > 0 || !native.IsTransferUnsupported(err) {
				return transferred, err
			}
			c.engine.logger.Debug("kernel transfer unsupported, falling back: ", err)
		} else if strategy == TransferDirect {
			return 0, ErrDirectTransferUnavailable
		}
	}
	if strategy == TransferMapped || strategy == TransferAuto && count >= mappedTransferThreshold {
		return c.transferMapped(ctx, position, count, target)
	}
	return c.transferBuffered(ctx, position, count, target)
}

// directTarget reports the handle of a peer the kernel can write to. A file
// peer's position lock is held until release is called.
func (c *FileChannel) directTarget(ctx context.Context, target io.Writer) (native.Handle, func(), bool, error) {
	switch peer := target.(type) {
	case *FileChannel:
		if peer.engine.dispatcher != c.engine.dispatcher || !peer.writable || peer.direct || peer == c {
			return native.InvalidHandle, nil, false, nil
		}
		err := peer.engine.acquire(ctx, peer.positionLock())
		if err != nil {
			return native.InvalidHandle, nil, false, err
		}
		return peer.engine.fd, peer.positionLock().unlock, true, nil
	case *StreamChannel:
		if peer.dispatcher != c.engine.dispatcher || !peer.IsConnected() || peer.outputShutdown.Load() {
			return native.InvalidHandle, nil, false, nil
		}
		err := peer.acquire(ctx, peer.writeLock)
		if err != nil {
			return native.InvalidHandle, nil, false, err
		}
		peer.stateAccess.Lock()
		blockingHandle := peer.blocking && !peer.nonblockingHandle
		peer.stateAccess.Unlock()
		if !blockingHandle {
			peer.writeLock.unlock()
			return native.InvalidHandle, nil, false, nil
		}
		return peer.fd, peer.writeLock.unlock, true, nil
	}
	return native.InvalidHandle, nil, false, nil
}

func (c *FileChannel) transferDirect(ctx context.Context, peer native.Handle, position int64, count int64) (int64, error) {
	var transferred int64
	offset := position
	err := c.run(ctx, func() (bool, error) {
		for transferred < count {
			n, err := c.engine.dispatcher.Transfer(peer, nil, c.engine.fd, &offset, int(min(count-transferred, directTransferChunk)))
			transferred += int64(n)
			if err != nil {
				return transferred > 0, err
			}
			if n == 0 {
				break
			}
		}
		return true, nil
	})
	return transferred, err
}

func (c *FileChannel) transferMapped(ctx context.Context, position int64, count int64, target io.Writer) (int64, error) {
	var transferred int64
	for transferred < count {
		chunk := min(count-transferred, mappedTransferChunk)
		unmapper, err := c.Map(ctx, native.MapReadOnly, position+transferred, chunk)
		if err != nil {
			return transferred, err
		}
		n, err := target.Write(unmapper.Bytes())
		transferred += int64(n)
		err = E.Errors(err, unmapper.Release())
		if err != nil {
			return transferred, err
		}
		if int64(n) < chunk {
			break
		}
	}
	return transferred, nil
}

func (c *FileChannel) transferBuffered(ctx context.Context, position int64, count int64, target io.Writer) (int64, error) {
	buffer := make([]byte, min(count, bufferedTransferChunk))
	var transferred int64
	for transferred < count {
		chunk := buffer[:min(count-transferred, int64(len(buffer)))]
		n, readErr := c.ReadAtContext(ctx, chunk, position+transferred)
		if n == 0 {
			if readErr == io.EOF {
				break
			}
			return transferred, readErr
		}
		written, err := target.Write(chunk[:n])
		transferred += int64(written)
		if err != nil {
			return transferred, err
		}
		if written < n || readErr == io.EOF {
			break
		}
		if readErr != nil {
			return transferred, readErr
		}
	}
	return transferred, nil
}

// TransferFrom copies up to count bytes from source into the file at
// position without moving the file position. A position beyond the end
// transfers nothing.
func (c *FileChannel) TransferFrom(ctx context.Context, source io.Reader, position int64, count int64) (int64, error) {
	return c.TransferFromWith(ctx, TransferAuto, source, position, count)
}

func (c *FileChannel) TransferFromWith(ctx context.Context, strategy TransferStrategy, source io.Reader, position int64, count int64) (int64, error) {
	if position < 0 || count < 0 {
		return 0, E.Extend(ErrInvalidArgument, "negative transfer range")
	}
	if !c.writable {
		return 0, ErrNonWritable
	}
	size, err := c.Size(ctx)
	if err != nil {
		return 0, err
	}
	if position > size || count == 0 {
		return 0, nil
	}
	stop := closeOnCancel(ctx, c, source)
	transferred, err := c.transferFrom(ctx, strategy, source, position, count)
	return transferred, interrupted(ctx, stop, err)
}

func (c *FileChannel) transferFrom(ctx context.Context, strategy TransferStrategy, source io.Reader, position int64, count int64) (int64, error) {
	peer, isFile := source.(*FileChannel)
	trusted := isFile && peer.engine.dispatcher == c.engine.dispatcher && peer.readable && peer != c
	if strategy == TransferDirect && !trusted {
		return 0, ErrDirectTransferUnavailable
	}
	if trusted && (strategy == TransferAuto || strategy == TransferDirect) {
		transferred, err := c.transferFromDirect(ctx, peer, position, count)
		if err == nil || strategy == TransferDirect || transferred > 0 || !native.IsTransferUnsupported(err) {
			return transferred, err
		}
		c.engine.logger.Debug("kernel transfer unsupported, falling back: ", err)
	}
	if isFile && peer.readable && (strategy == TransferMapped || strategy == TransferAuto && count >= mappedTransferThreshold) {
		return c.transferFromMapped(ctx, peer, position, count)
	}
	if strategy == TransferMapped {
		return 0, E.Extend(ErrInvalidArgument, "mapped transfer needs a readable file source")
	}
	return c.transferFromBuffered(ctx, source, position, count)
}

// transferFromDirect reads from the source position and advances it.
func (c *FileChannel) transferFromDirect(ctx context.Context, source *FileChannel, position int64, count int64) (int64, error) {
	err := source.engine.acquire(ctx, source.positionLock())
	if err != nil {
		return 0, err
	}
	defer source.positionLock().unlock()
	var transferred int64
	offset := position
	err = c.run(ctx, func() (bool, error) {
		for transferred < count {
			n, err := c.engine.dispatcher.Transfer(c.engine.fd, &offset, source.engine.fd, nil, int(min(count-transferred, directTransferChunk)))
			transferred += int64(n)
			if err != nil {
				return transferred > 0, err
			}
			if n == 0 {
				break
			}
		}
		return true, nil
	})
	return transferred, err
}

func (c *FileChannel) transferFromMapped(ctx context.Context, source *FileChannel, position int64, count int64) (int64, error) {
	sourcePosition, err := source.Position(ctx)
	if err != nil {
		return 0, err
	}
	sourceSize, err := source.Size(ctx)
	if err != nil {
		return 0, err
	}
	if sourcePosition >= sourceSize {
		return 0, nil
	}
	count = min(count, sourceSize-sourcePosition)
	var transferred int64
	for transferred < count {
		chunk := min(count-transferred, mappedTransferChunk)
		unmapper, err := source.Map(ctx, native.MapReadOnly, sourcePosition+transferred, chunk)
		if err != nil {
			return transferred, err
		}
		n, err := c.WriteAtContext(ctx, unmapper.Bytes(), position+transferred)
		transferred += int64(n)
		err = E.Errors(err, unmapper.Release())
		if err != nil {
			return transferred, E.Errors(err, source.SetPosition(ctx, sourcePosition+transferred))
		}
	}
	return transferred, source.SetPosition(ctx, sourcePosition+transferred)
}

func (c *FileChannel) transferFromBuffered(ctx context.Context, source io.Reader, position int64, count int64) (int64, error) {
	buffer := make([]byte, min(count, bufferedTransferChunk))
	var transferred int64
	for transferred < count {
		chunk := buffer[:min(count-transferred, int64(len(buffer)))]
		n, readErr := source.Read(chunk)
		if n > 0 {
			written, err := c.WriteAtContext(ctx, chunk[:n], position+transferred)
			transferred += int64(written)
			if err != nil {
				return transferred, err
			}
		}
		if readErr == io.EOF || n == 0 && readErr == nil {
			break
		}
		if readErr != nil {
			return transferred, readErr
		}
	}
	return transferred, nil
}

// closeOnCancel closes the channel and its transfer peer when ctx is
// canceled.
func closeOnCancel(ctx context.Context, c *FileChannel, peer any) func() bool {
	return common.ContextAfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.Canceled) {
			common.Close(c, peer)
		}
	})
}

func interrupted(ctx context.Context, stop func() bool, err error) error {
	if !stop() && errors.Is(ctx.Err(), context.Canceled) {
		return ErrClosedByInterrupt
	}
	return err
}

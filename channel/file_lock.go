package channel

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/native"
)

// WholeFile is the size that locks a file from position to any end.
const WholeFile = math.MaxInt64

// FileLock is a byte-range lock held through one FileChannel.
type FileLock struct {
	channel  *FileChannel
	position int64
	size     int64
	shared   bool
	valid    atomic.Bool
}

func (l *FileLock) Channel() *FileChannel {
	return l.channel
}

func (l *FileLock) Position() int64 {
	return l.position
}

func (l *FileLock) Size() int64 {
	return l.size
}

// Shared is false for a shared request the system granted exclusively.
func (l *FileLock) Shared() bool {
	return l.shared
}

// IsValid reports whether the lock is neither released nor dropped by
// closing its channel.
func (l *FileLock) IsValid() bool {
	return l.valid.Load() && l.channel.IsOpen()
}

func (l *FileLock) end() int64 {
	if l.size > math.MaxInt64-l.position {
		return math.MaxInt64
	}
	return l.position + l.size
}

func (l *FileLock) Overlaps(position int64, size int64) bool {
	other := FileLock{position: position, size: size}
	return l.position < other.end() && position < l.end()
}

// Release unlocks the range. Releasing twice is a no-op; releasing after
// the channel closed returns ErrClosed.
func (l *FileLock) Release() error {
	if !l.valid.CompareAndSwap(true, false) {
		if !l.channel.IsOpen() {
			return ErrClosed
		}
		return nil
	}
	c := l.channel
	err := c.run(context.Background(), func() (bool, error) {
		err := c.engine.dispatcher.Unlock(c.engine.fd, l.position, l.size)
		return err == nil, err
	})
	if err != nil {
		if !c.IsOpen() {
			return ErrClosed
		}
		l.valid.Store(true)
		return err
	}
	c.locks.remove(l)
	return nil
}

// lockTable holds the locks of one channel, including requests still
// waiting for the system.
type lockTable struct {
	access sync.Mutex
	locks  []*FileLock
}

func (t *lockTable) add(lock *FileLock) error {
	t.access.Lock()
	defer t.access.Unlock()
	for _, held := range t.locks {
		if held.Overlaps(lock.position, lock.size) {
			return E.Extend(ErrOverlappingLock, "[", lock.position, ", +", lock.size, ")")
		}
	}
	t.locks = append(t.locks, lock)
	return nil
}

func (t *lockTable) replace(previous *FileLock, lock *FileLock) {
	t.access.Lock()
	defer t.access.Unlock()
	for i, held := range t.locks {
		if held == previous {
			t.locks[i] = lock
			return
		}
	}
}

func (t *lockTable) remove(lock *FileLock) {
	t.access.Lock()
	defer t.access.Unlock()
	for i, held := range t.locks {
		if held == lock {
			t.locks = append(t.locks[:i], t.locks[i+1:]...)
			return
		}
	}
}

func (t *lockTable) removeAll() []*FileLock {
	t.access.Lock()
	defer t.access.Unlock()
	locks := t.locks
	t.locks = nil
	return locks
}

func (t *lockTable) len() int {
	t.access.Lock()
	defer t.access.Unlock()
	return len(t.locks)
}

// Lock waits for a byte-range lock. Shared locks need a readable channel,
// exclusive ones a writable channel. A size of zero locks to any end.
func (c *FileChannel) Lock(ctx context.Context, position int64, size int64, shared bool) (*FileLock, error) {
	return c.lock(ctx, position, size, shared, true)
}

// TryLock returns nil with a nil error when another holder conflicts.
func (c *FileChannel) TryLock(ctx context.Context, position int64, size int64, shared bool) (*FileLock, error) {
	return c.lock(ctx, position, size, shared, false)
}

func (c *FileChannel) lock(ctx context.Context, position int64, size int64, shared bool, blocking bool) (*FileLock, error) {
	if position < 0 || size < 0 {
		return nil, E.Extend(ErrInvalidArgument, "negative lock range")
	}
	if size == 0 {
		size = WholeFile
	}
	if shared && !c.readable {
		return nil, ErrNonReadable
	}
	if !shared && !c.writable {
		return nil, ErrNonWritable
	}
	err := c.engine.ensureOpen()
	if err != nil {
		return nil, err
	}
	lock := &FileLock{channel: c, position: position, size: size, shared: shared}
	lock.valid.Store(true)
	err = c.locks.add(lock)
	if err != nil {
		return nil, err
	}
	var status native.LockStatus
	err = c.engine.perform(ctx, native.EventWrite, time.Time{}, func() (bool, error) {
		var err error
		status, err = c.engine.dispatcher.Lock(c.engine.fd, blocking, position, size, shared)
		if err == nil && status != native.LockUnavailable && !c.engine.IsOpen() {
			// a wait restarted after pre-close locked the marker, not the file
			c.engine.dispatcher.Unlock(c.engine.fd, position, size)
			return false, nil
		}
		return err == nil, err
	})
	if err != nil || status == native.LockUnavailable {
		lock.valid.Store(false)
		c.locks.remove(lock)
		return nil, err
	}
	if status == native.LockUpgraded {
		upgraded := &FileLock{channel: c, position: position, size: size}
		upgraded.valid.Store(true)
		c.locks.replace(lock, upgraded)
		lock = upgraded
	}
	return lock, nil
}

// releaseLocks drops every lock before the handle is closed. The locks are
// released explicitly because a mapping's duplicate handle would keep them.
func (c *FileChannel) releaseLocks() {
	for _, lock := range c.locks.removeAll() {
		lock.valid.Store(false)
		err := c.engine.dispatcher.Unlock(c.engine.fd, lock.position, lock.size)
		if err != nil {
			c.engine.logger.Debug("release lock of ", c.engine.fd, ": ", err)
		}
	}
}

package fake

import (
	"math"

	"github.com/sagernet/sing-nio/common/native"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

type file struct {
	name    string
	data    []byte
	locks   []lockRecord
	waiters *queue.Queue
}

type lockRecord struct {
	owner  *handle
	start  int64
	end    int64
	shared bool
}

type lockWaiter struct {
	owner  *handle
	start  int64
	end    int64
	shared bool
	done   bool
}

func lockEnd(position int64, size int64) int64 {
	if size <= 0 || position > math.MaxInt64-size {
		return math.MaxInt64
	}
	return position + size
}

func overlaps(start1, end1, start2, end2 int64) bool {
	return start1 < end2 && start2 < end1
}

func (f *file) conflictLocked(owner *handle, start int64, end int64, shared bool) bool {
	for _, record := range f.locks {
		if record.owner == owner || (record.shared && shared) {
			continue
		}
		if overlaps(record.start, record.end, start, end) {
			return true
		}
	}
	return false
}

// queuedBeforeLocked reports whether a live waiter ahead of w wants an
// incompatible range, keeping blocked requests first come first served.
func (f *file) queuedBeforeLocked(w *lockWaiter) bool {
	for i := 0; i < f.waiters.Length(); i++ {
		other := f.waiters.Get(i).(*lockWaiter)
		if other == w {
			return false
		}
		if other.done || other.owner == w.owner || (other.shared && w.shared) {
			continue
		}
		if overlaps(other.start, other.end, w.start, w.end) {
			return true
		}
	}
	return false
}

func (f *file) pruneLocked() {
	for f.waiters.Length() > 0 && f.waiters.Peek().(*lockWaiter).done {
		f.waiters.Remove()
	}
}

// trimLocked drops the part of every record of owner that falls inside
// [start, end).
func (f *file) trimLocked(owner *handle, start int64, end int64) {
	kept := f.locks[:0]
	var split []lockRecord
	for _, record := range f.locks {
		if record.owner != owner || !overlaps(record.start, record.end, start, end) {
			kept = append(kept, record)
			continue
		}
		if record.start < start {
			left := record
			left.end = start
			split = append(split, left)
		}
		if record.end > end {
			right := record
			right.start = end
			split = append(split, right)
		}
	}
	f.locks = append(kept, split...)
}

func (f *file) releaseOwnerLocked(owner *handle) {
	f.trimLocked(owner, 0, math.MaxInt64)
}

// WriteFile creates or replaces a simulated file.
func (d *Dispatcher) WriteFile(path string, data []byte) {
	d.access.Lock()
	defer d.access.Unlock()
	f := d.files[path]
	if f == nil {
		f = &file{name: path, waiters: queue.New()}
		d.files[path] = f
	}
	f.data = append([]byte(nil), data...)
}

func (d *Dispatcher) ReadFile(path string) ([]byte, bool) {
	d.access.Lock()
	defer d.access.Unlock()
	f := d.files[path]
	if f == nil {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

func (d *Dispatcher) Open(path string, flags int, perm uint32) (native.Handle, error) {
	d.access.Lock()
	defer d.access.Unlock()
	f := d.files[path]
	if f == nil {
		if flags&unix.O_CREAT == 0 {
			return native.InvalidHandle, unix.ENOENT
		}
		f = &file{name: path, waiters: queue.New()}
		d.files[path] = f
	} else if flags&unix.O_CREAT != 0 && flags&unix.O_EXCL != 0 {
		return native.InvalidHandle, unix.EEXIST
	}
	h := &handle{
		kind:        kindFile,
		file:        f,
		nonblocking: flags&unix.O_NONBLOCK != 0,
		append:      flags&unix.O_APPEND != 0,
	}
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		h.readable = true
	case unix.O_WRONLY:
		h.writable = true
	default:
		h.readable = true
		h.writable = true
	}
	if flags&unix.O_TRUNC != 0 && h.writable {
		f.data = nil
	}
	return d.registerLocked(h).fd, nil
}

func (d *Dispatcher) lookupFileLocked(fd native.Handle) (*handle, error) {
	h, err := d.lookupLocked(fd)
	if err != nil {
		return nil, err
	}
	if h.kind != kindFile {
		return nil, unix.ESPIPE
	}
	return h, nil
}

func (d *Dispatcher) preadLocked(h *handle, p []byte, offset int64) (int, error) {
	if !h.readable {
		return 0, unix.EBADF
	}
	if h.preclosed {
		return 0, nil
	}
	if offset >= int64(len(h.file.data)) {
		return 0, nil
	}
	n := copy(p, h.file.data[offset:])
	d.bytesRead.Add(int64(n))
	return n, nil
}

func (d *Dispatcher) pwriteLocked(h *handle, p []byte, offset int64) (int, error) {
	if !h.writable {
		return 0, unix.EBADF
	}
	if h.preclosed {
		return 0, unix.EPIPE
	}
	f := h.file
	end := offset + int64(len(p))
	if end > int64(len(f.data)) {
		if end <= int64(cap(f.data)) {
			f.data = f.data[:end]
		} else {
			grown := make([]byte, end, end+end/2)
			copy(grown, f.data)
			f.data = grown
		}
	}
	copy(f.data[offset:], p)
	d.bytesWritten.Add(int64(len(p)))
	return len(p), nil
}

func (d *Dispatcher) fileReadLocked(h *handle, p []byte) (int, error) {
	n, err := d.preadLocked(h, p, h.position)
	h.position += int64(n)
	return n, err
}

func (d *Dispatcher) fileWriteLocked(h *handle, p []byte) (int, error) {
	if h.append {
		h.position = int64(len(h.file.data))
	}
	n, err := d.pwriteLocked(h, p, h.position)
	h.position += int64(n)
	return n, err
}

func (d *Dispatcher) Pread(fd native.Handle, p []byte, offset int64) (int, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupFileLocked(fd)
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, unix.EINVAL
	}
	return d.preadLocked(h, p, offset)
}

func (d *Dispatcher) Pwrite(fd native.Handle, p []byte, offset int64) (int, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupFileLocked(fd)
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, unix.EINVAL
	}
	return d.pwriteLocked(h, p, offset)
}

func (d *Dispatcher) Seek(fd native.Handle, offset int64, whence int) (int64, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupFileLocked(fd)
	if err != nil {
		return 0, err
	}
	var position int64
	switch whence {
	case unix.SEEK_SET:
		position = offset
	case unix.SEEK_CUR:
		position = h.position + offset
	case unix.SEEK_END:
		position = int64(len(h.file.data)) + offset
	default:
		return 0, unix.EINVAL
	}
	if position < 0 {
		return 0, unix.EINVAL
	}
	h.position = position
	return position, nil
}

func (d *Dispatcher) Size(fd native.Handle) (int64, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupFileLocked(fd)
	if err != nil {
		return 0, err
	}
	return int64(len(h.file.data)), nil
}

func (d *Dispatcher) Truncate(fd native.Handle, size int64) error {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupFileLocked(fd)
	if err != nil {
		return err
	}
	if !h.writable || size < 0 {
		return unix.EINVAL
	}
	f := h.file
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
		return nil
	}
	if size <= int64(cap(f.data)) {
		previous := len(f.data)
		f.data = f.data[:size]
		clear(f.data[previous:])
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.data)
	f.data = grown
	return nil
}

func (d *Dispatcher) Sync(fd native.Handle, metadata bool) error {
	d.access.Lock()
	defer d.access.Unlock()
	_, err := d.lookupFileLocked(fd)
	return err
}

func (d *Dispatcher) BlockSize(fd native.Handle) (int, error) {
	d.access.Lock()
	defer d.access.Unlock()
	_, err := d.lookupFileLocked(fd)
	if err != nil {
		return 0, err
	}
	return d.blockSize, nil
}

func (d *Dispatcher) Mmap(fd native.Handle, offset int64, length int, mode native.MapMode) ([]byte, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupFileLocked(fd)
	if err != nil {
		return nil, err
	}
	if length <= 0 || offset < 0 || offset%d.pageSize != 0 {
		return nil, unix.EINVAL
	}
	switch mode {
	case native.MapReadWrite:
		if !h.readable || !h.writable {
			return nil, unix.EACCES
		}
	default:
		if !h.readable {
			return nil, unix.EACCES
		}
	}
	if d.failMmap > 0 {
		d.failMmap--
		return nil, unix.ENOMEM
	}
	f := h.file
	end := offset + int64(length)
	var region []byte
	if mode == native.MapPrivate || end > int64(len(f.data)) {
		region = make([]byte, length)
		if offset < int64(len(f.data)) {
			copy(region, f.data[offset:])
		}
	} else {
		region = f.data[offset:end:end]
	}
	d.mappings.Add(1)
	return region, nil
}

func (d *Dispatcher) Munmap(region []byte) error {
	if len(region) == 0 {
		return unix.EINVAL
	}
	d.munmaps.Add(1)
	d.mappings.Add(-1)
	return nil
}

func (d *Dispatcher) Msync(region []byte) error {
	if len(region) == 0 {
		return unix.EINVAL
	}
	return nil
}

func (d *Dispatcher) AllocationGranularity() int64 {
	return d.pageSize
}

func (d *Dispatcher) Lock(fd native.Handle, blocking bool, position int64, size int64, shared bool) (native.LockStatus, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupFileLocked(fd)
	if err != nil {
		return native.LockUnavailable, err
	}
	if shared && !h.readable || !shared && !h.writable {
		return native.LockUnavailable, unix.EBADF
	}
	f := h.file
	end := lockEnd(position, size)
	status := native.LockAcquired
	if shared && d.upgradeShared {
		shared = false
		status = native.LockUpgraded
	}
	if !blocking {
		if f.conflictLocked(h, position, end, shared) {
			return native.LockUnavailable, nil
		}
	} else {
		waiter := &lockWaiter{owner: h, start: position, end: end, shared: shared}
		f.waiters.Add(waiter)
		err = d.blockLocked(h, func() bool {
			return !f.queuedBeforeLocked(waiter) && !f.conflictLocked(h, position, end, shared)
		})
		waiter.done = true
		f.pruneLocked()
		if err == nil && h.preclosed && !h.closed && d.restartPreClosed {
			d.cond.Broadcast()
			return status, nil
		}
		if err == nil && (h.closed || h.preclosed) {
			err = unix.EBADF
		}
		if err != nil {
			d.cond.Broadcast()
			return native.LockUnavailable, err
		}
	}
	f.trimLocked(h, position, end)
	f.locks = append(f.locks, lockRecord{owner: h, start: position, end: end, shared: shared})
	d.cond.Broadcast()
	return status, nil
}

func (d *Dispatcher) Unlock(fd native.Handle, position int64, size int64) error {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupFileLocked(fd)
	if err != nil {
		return err
	}
	h.file.trimLocked(h, position, lockEnd(position, size))
	d.cond.Broadcast()
	return nil
}

// LockCount reports the byte-range records currently held on path.
func (d *Dispatcher) LockCount(path string) int {
	d.access.Lock()
	defer d.access.Unlock()
	f := d.files[path]
	if f == nil {
		return 0
	}
	return len(f.locks)
}

func (d *Dispatcher) Transfer(dst native.Handle, dstOffset *int64, src native.Handle, srcOffset *int64, count int) (int, error) {
	d.access.Lock()
	defer d.access.Unlock()
	if !d.transferSupported {
		return 0, unix.ENOSYS
	}
	source, err := d.lookupFileLocked(src)
	if err != nil {
		return 0, err
	}
	target, err := d.lookupLocked(dst)
	if err != nil {
		return 0, err
	}
	position := source.position
	if srcOffset != nil {
		position = *srcOffset
	}
	if position >= int64(len(source.file.data)) || count <= 0 {
		return 0, nil
	}
	available := int64(len(source.file.data)) - position
	if int64(count) > available {
		count = int(available)
	}
	chunk := append([]byte(nil), source.file.data[position:position+int64(count)]...)
	var n int
	switch target.kind {
	case kindFile:
		if dstOffset != nil {
			n, err = d.pwriteLocked(target, chunk, *dstOffset)
			*dstOffset += int64(n)
		} else {
			n, err = d.fileWriteLocked(target, chunk)
		}
	case kindStream:
		n, err = d.streamWriteLocked(target, chunk)
	default:
		return 0, unix.EINVAL
	}
	if n > 0 {
		d.transfers.Add(1)
		if srcOffset != nil {
			*srcOffset += int64(n)
		} else {
			source.position += int64(n)
		}
	}
	return n, err
}

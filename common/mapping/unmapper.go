// Package mapping owns mapped file regions and the process-wide accounting
// of them.
package mapping

import (
	"sync"

	"github.com/sagernet/sing-nio/common"
	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/native"
)

var ErrMapFailed = E.New("map failed")

type Usage struct {
	Count    int64
	Size     int64
	Capacity int64
}

var accounting struct {
	access sync.Mutex
	usage  Usage
	active map[*Unmapper]struct{}
}

func Stats() Usage {
	accounting.access.Lock()
	defer accounting.access.Unlock()
	return accounting.usage
}

// ReleaseAll releases every live mapping of the process.
func ReleaseAll() error {
	accounting.access.Lock()
	active := make([]*Unmapper, 0, len(accounting.active))
	for unmapper := range accounting.active {
		active = append(active, unmapper)
	}
	accounting.access.Unlock()
	return E.Errors(common.Map(active, (*Unmapper).Release)...)
}

// Unmapper is one live mapping. region is the page-aligned area returned
// by the dispatcher; the caller's view starts offset bytes into it.
type Unmapper struct {
	dispatcher native.Dispatcher
	region     []byte
	offset     int
	size       int
	duplicate  native.Handle
	mode       native.MapMode

	once     sync.Once
	access   sync.RWMutex
	released bool
	err      error
}

// New takes ownership of region and of duplicate, which may be
// native.InvalidHandle.
func New(dispatcher native.Dispatcher, region []byte, offset int, size int, duplicate native.Handle, mode native.MapMode) *Unmapper {
	unmapper := &Unmapper{
		dispatcher: dispatcher,
		region:     region,
		offset:     offset,
		size:       size,
		duplicate:  duplicate,
		mode:       mode,
	}
	accounting.access.Lock()
	if accounting.active == nil {
		accounting.active = make(map[*Unmapper]struct{})
	}
	accounting.active[unmapper] = struct{}{}
	accounting.usage.Count++
	accounting.usage.Size += int64(size)
	accounting.usage.Capacity += int64(len(region))
	accounting.access.Unlock()
	return unmapper
}

// Bytes returns the mapped view, or nil once released.
func (u *Unmapper) Bytes() []byte {
	u.access.RLock()
	defer u.access.RUnlock()
	if u.released {
		return nil
	}
	return u.region[u.offset : u.offset+u.size]
}

func (u *Unmapper) Size() int {
	return u.size
}

func (u *Unmapper) Mode() native.MapMode {
	return u.mode
}

func (u *Unmapper) Released() bool {
	u.access.RLock()
	defer u.access.RUnlock()
	return u.released
}

// Force writes modified pages of a shared writable mapping back to the file.
func (u *Unmapper) Force() error {
	u.access.RLock()
	defer u.access.RUnlock()
	if u.released || u.mode != native.MapReadWrite || len(u.region) == 0 {
		return nil
	}
	return u.dispatcher.Msync(u.region)
}

// Release unmaps the region and closes the duplicate handle. Only the first
// call does anything; later calls return its result.
func (u *Unmapper) Release() error {
	u.once.Do(func() {
		u.access.Lock()
		u.released = true
		u.access.Unlock()
		var errors []error
		if len(u.region) > 0 {
			errors = append(errors, u.dispatcher.Munmap(u.region))
		}
		if u.duplicate != native.InvalidHandle {
			errors = append(errors, u.dispatcher.Close(u.duplicate))
		}
		accounting.access.Lock()
		delete(accounting.active, u)
		accounting.usage.Count--
		accounting.usage.Size -= int64(u.size)
		accounting.usage.Capacity -= int64(len(u.region))
		accounting.access.Unlock()
		u.err = E.Errors(errors...)
	})
	return u.err
}

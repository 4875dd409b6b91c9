package channel

import (
	"context"
	"math"

	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/lowmem"
	"github.com/sagernet/sing-nio/common/mapping"
	"github.com/sagernet/sing-nio/common/native"
)

// Map maps size bytes from position. The file is extended first when it is
// shorter, which needs a writable channel. The mapping outlives the channel
// and must be released by the caller.
func (c *FileChannel) Map(ctx context.Context, mode native.MapMode, position int64, size int64) (*mapping.Unmapper, error) {
	if position < 0 || size < 0 || int64(int(size)) != size {
		return nil, E.Extend(ErrInvalidArgument, "mapping range")
	}
	if size > math.MaxInt64-position {
		return nil, E.Extend(ErrInvalidArgument, "mapping range overflows")
	}
	switch mode {
	case native.MapReadOnly:
		if !c.readable {
			return nil, ErrNonReadable
		}
	case native.MapReadWrite, native.MapPrivate:
		if !c.readable {
			return nil, ErrNonReadable
		}
		if !c.writable {
			return nil, ErrNonWritable
		}
	default:
		return nil, E.Extend(ErrInvalidArgument, "map mode ", mode)
	}
	err := c.engine.acquire(ctx, c.positionLock())
	if err != nil {
		return nil, err
	}
	defer c.positionLock().unlock()
	var (
		unmapper *mapping.Unmapper
		mapErr   error
	)
	err = c.run(ctx, func() (bool, error) {
		unmapper, mapErr = c.mapRegion(mode, position, size)
		if native.IsInterrupted(mapErr) {
			return false, mapErr
		}
		return mapErr == nil, nil
	})
	if err != nil {
		if unmapper != nil {
			err = E.Errors(err, unmapper.Release())
		}
		return nil, err
	}
	if mapErr != nil {
		return nil, mapErr
	}
	return unmapper, nil
}

func (c *FileChannel) mapRegion(mode native.MapMode, position int64, size int64) (*mapping.Unmapper, error) {
	d := c.engine.dispatcher
	fileSize, err := d.Size(c.engine.fd)
	if err != nil {
		return nil, err
	}
	if fileSize < position+size {
		if !c.writable {
			return nil, E.Extend(ErrNonWritable, "cannot extend file to ", position+size, " bytes")
		}
		err = d.Truncate(c.engine.fd, position+size)
		if err != nil {
			return nil, E.Cause(err, "extend file")
		}
	}
	if size == 0 {
		return mapping.New(d, nil, 0, 0, native.InvalidHandle, mode), nil
	}
	granularity := d.AllocationGranularity()
	pageOffset := position % granularity
	region, err := d.Mmap(c.engine.fd, position-pageOffset, int(size+pageOffset), mode)
	if err != nil && native.IsMemoryPressure(err) {
		c.engine.logger.Debug("map ", size, " bytes under memory pressure, retrying")
		lowmem.Free()
		region, err = d.Mmap(c.engine.fd, position-pageOffset, int(size+pageOffset), mode)
	}
	if err != nil {
		if native.IsInterrupted(err) {
			return nil, err
		}
		return nil, E.Errors(mapping.ErrMapFailed, err)
	}
	duplicate, err := d.Dup(c.engine.fd)
	if err != nil {
		return nil, E.Errors(E.Cause(err, "duplicate mapped handle"), d.Munmap(region))
	}
	return mapping.New(d, region, int(pageOffset), int(size), duplicate, mode), nil
}

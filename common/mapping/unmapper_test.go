package mapping

import (
	"testing"

	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/native/fake"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func mapFile(t *testing.T, dispatcher *fake.Dispatcher, path string) (*Unmapper, native.Handle) {
	dispatcher.WriteFile(path, make([]byte, 2*fake.DefaultPageSize))
	fd, err := dispatcher.Open(path, unix.O_RDWR, 0o644)
	require.NoError(t, err)
	duplicate, err := dispatcher.Dup(fd)
	require.NoError(t, err)
	region, err := dispatcher.Mmap(duplicate, 0, fake.DefaultPageSize, native.MapReadWrite)
	require.NoError(t, err)
	return New(dispatcher, region, 16, 100, duplicate, native.MapReadWrite), duplicate
}

func TestReleaseTwice(t *testing.T) {
	dispatcher := fake.NewDispatcher()
	unmapper, duplicate := mapFile(t, dispatcher, "/release-twice")
	require.Len(t, unmapper.Bytes(), 100)
	require.NoError(t, unmapper.Release())
	// deferred cleanup of the owning scope
	require.NoError(t, unmapper.Release())
	require.Equal(t, int64(1), dispatcher.Munmaps())
	require.Equal(t, 1, dispatcher.CloseCalls(duplicate))
	require.Equal(t, int64(0), dispatcher.ActiveMappings())
	require.Nil(t, unmapper.Bytes())
	require.True(t, unmapper.Released())
}

func TestBytesAliasFile(t *testing.T) {
	dispatcher := fake.NewDispatcher()
	unmapper, _ := mapFile(t, dispatcher, "/alias")
	defer unmapper.Release()
	copy(unmapper.Bytes(), "hello")
	require.NoError(t, unmapper.Force())
	data, loaded := dispatcher.ReadFile("/alias")
	require.True(t, loaded)
	require.Equal(t, "hello", string(data[16:21]))
}

func TestAccounting(t *testing.T) {
	dispatcher := fake.NewDispatcher()
	before := Stats()
	first, _ := mapFile(t, dispatcher, "/first")
	second, _ := mapFile(t, dispatcher, "/second")
	during := Stats()
	require.Equal(t, before.Count+2, during.Count)
	require.Equal(t, before.Size+200, during.Size)
	require.Equal(t, before.Capacity+2*fake.DefaultPageSize, during.Capacity)
	require.NoError(t, first.Release())
	require.NoError(t, ReleaseAll())
	require.True(t, second.Released())
	require.Equal(t, int64(2), dispatcher.Munmaps())
	require.Equal(t, before, Stats())
}

package channel

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/sagernet/sing-nio/common/mapping"
	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/native/fake"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openTestFile(t *testing.T, d *fake.Dispatcher, path string, options FileOptions) *FileChannel {
	t.Helper()
	c, err := OpenFile(d, path, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
	})
	return c
}

func TestFileReadWritePosition(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	ctx := context.Background()
	c := openTestFile(t, d, "/data", FileOptions{Read: true, Write: true, Create: true})
	require.Equal(t, "/data", c.Name())
	require.True(t, c.Readable())
	require.True(t, c.Writable())

	n, err := c.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	position, err := c.Position(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(11), position)

	require.NoError(t, c.SetPosition(ctx, 6))
	buffer := make([]byte, 16)
	n, err = c.Read(buffer)
	require.NoError(t, err)
	require.Equal(t, "world", string(buffer[:n]))
	_, err = c.Read(buffer)
	require.ErrorIs(t, err, io.EOF)

	n, err = c.ReadAt(buffer[:5], 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buffer[:n]))
	n, err = c.ReadAt(buffer, 6)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 5, n)

	_, err = c.WriteAt([]byte("HELLO"), 0)
	require.NoError(t, err)
	position, err = c.Position(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(11), position)

	n, err = c.WriteVectored(ctx, [][]byte{[]byte("!"), []byte("?")})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	data, _ := d.ReadFile("/data")
	require.Equal(t, "HELLO world!?", string(data))

	_, err = c.Seek(0, io.SeekStart)
	require.NoError(t, err)
	first, second := make([]byte, 5), make([]byte, 6)
	n, err = c.ReadVectored(ctx, [][]byte{first, second})
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "HELLO", string(first))
	require.Equal(t, " world", string(second))

	require.NoError(t, c.Force(ctx, true))
	require.ErrorIs(t, c.SetPosition(ctx, -1), ErrInvalidArgument)
}

func TestFileAccessModes(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	d.WriteFile("/ro", []byte("content"))
	ctx := context.Background()
	readOnly := openTestFile(t, d, "/ro", FileOptions{})
	require.True(t, readOnly.Readable())
	require.False(t, readOnly.Writable())
	_, err := readOnly.Write([]byte("x"))
	require.ErrorIs(t, err, ErrNonWritable)
	require.ErrorIs(t, readOnly.Truncate(ctx, 0), ErrNonWritable)

	writeOnly := openTestFile(t, d, "/wo", FileOptions{Write: true, Create: true})
	_, err = writeOnly.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrNonReadable)

	_, err = OpenFile(d, "/missing", FileOptions{})
	require.ErrorIs(t, err, unix.ENOENT)
	_, err = OpenFile(d, "/ro", FileOptions{Write: true, Exclusive: true})
	require.ErrorIs(t, err, unix.EEXIST)
}

func TestFileAppend(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	d.WriteFile("/log", []byte("one\n"))
	ctx := context.Background()
	c := openTestFile(t, d, "/log", FileOptions{Read: true, Append: true})
	require.NoError(t, c.SetPosition(ctx, 0))
	_, err := c.Write([]byte("two\n"))
	require.NoError(t, err)
	position, err := c.Position(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(8), position)
	data, _ := d.ReadFile("/log")
	require.Equal(t, "one\ntwo\n", string(data))
}

func TestFileTruncate(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	d.WriteFile("/data", bytes.Repeat([]byte{'a'}, 100))
	ctx := context.Background()
	c := openTestFile(t, d, "/data", FileOptions{Read: true, Write: true})
	require.NoError(t, c.SetPosition(ctx, 80))

	require.NoError(t, c.Truncate(ctx, 200))
	size, err := c.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), size)

	require.NoError(t, c.Truncate(ctx, 50))
	size, err = c.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(50), size)
	position, err := c.Position(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(50), position)
	require.ErrorIs(t, c.Truncate(ctx, -1), ErrInvalidArgument)
}

func TestFileDirectAlignment(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	d.SetBlockSize(512)
	c := openTestFile(t, d, "/direct", FileOptions{Read: true, Write: true, Create: true, Direct: true})
	_, err := c.Write(make([]byte, 100))
	require.ErrorIs(t, err, ErrUnaligned)
	n, err := c.Write(make([]byte, 1024))
	require.NoError(t, err)
	require.Equal(t, 1024, n)
	_, err = c.ReadAt(make([]byte, 512), 3)
	require.ErrorIs(t, err, ErrUnaligned)
	n, err = c.ReadAt(make([]byte, 512), 512)
	require.NoError(t, err)
	require.Equal(t, 512, n)
}

func TestFileClosed(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	c := openTestFile(t, d, "/data", FileOptions{Read: true, Write: true, Create: true})
	require.NoError(t, c.Close())
	require.False(t, c.IsOpen())
	require.NoError(t, c.Close())
	require.Equal(t, 1, d.CloseCalls(c.Handle()))
	_, err := c.Write([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.Size(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestFileCancelCloses(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	c := openTestFile(t, d, "/data", FileOptions{Read: true, Write: true, Create: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.WriteContext(ctx, []byte("x"))
	require.ErrorIs(t, err, ErrClosedByInterrupt)
	require.Eventually(t, func() bool {
		return d.CloseCalls(c.Handle()) == 1
	}, 5*time.Second, time.Millisecond)
}

func TestFileMap(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	ctx := context.Background()
	c := openTestFile(t, d, "/mapped", FileOptions{Read: true, Write: true, Create: true})
	const (
		position = 100
		size     = 5000
	)
	unmapper, err := c.Map(ctx, native.MapReadWrite, position, size)
	require.NoError(t, err)
	fileSize, err := c.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(position+size), fileSize)

	view := unmapper.Bytes()
	require.Len(t, view, size)
	for i := range view {
		view[i] = byte(i % 251)
	}
	require.NoError(t, unmapper.Force())
	buffer := make([]byte, size)
	_, err = c.ReadAt(buffer, position)
	require.NoError(t, err)
	require.True(t, bytes.Equal(view, buffer))

	require.NoError(t, c.Close())
	require.Len(t, unmapper.Bytes(), size)
	require.Equal(t, int64(1), d.ActiveMappings())
	require.NoError(t, unmapper.Release())
	require.NoError(t, unmapper.Release())
	require.True(t, unmapper.Released())
	require.Nil(t, unmapper.Bytes())
	require.Equal(t, int64(1), d.Munmaps())
	require.Zero(t, d.ActiveMappings())
	require.Equal(t, int64(1), d.Dups())
}

func TestFileMapRoundTrip(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	ctx := context.Background()
	c := openTestFile(t, d, "/round-trip", FileOptions{Read: true, Write: true, Create: true})
	payload := []byte("mapped round trip payload")
	writable, err := c.Map(ctx, native.MapReadWrite, 0, 4096)
	require.NoError(t, err)
	copy(writable.Bytes(), payload)
	require.NoError(t, writable.Release())

	readable, err := c.Map(ctx, native.MapReadOnly, 0, 4096)
	require.NoError(t, err)
	defer readable.Release()
	require.Equal(t, payload, readable.Bytes()[:len(payload)])
}

func TestFileMapValidation(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	d.WriteFile("/small", []byte("0123456789"))
	ctx := context.Background()
	readOnly := openTestFile(t, d, "/small", FileOptions{})
	_, err := readOnly.Map(ctx, native.MapReadOnly, 0, 100)
	require.ErrorIs(t, err, ErrNonWritable)
	_, err = readOnly.Map(ctx, native.MapReadWrite, 0, 5)
	require.ErrorIs(t, err, ErrNonWritable)
	_, err = readOnly.Map(ctx, native.MapReadOnly, -1, 5)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = readOnly.Map(ctx, native.MapPrivate, 2, 4)
	require.ErrorIs(t, err, ErrNonWritable)

	readWrite := openTestFile(t, d, "/small", FileOptions{Read: true, Write: true})
	unmapper, err := readWrite.Map(ctx, native.MapPrivate, 2, 4)
	require.NoError(t, err)
	require.Equal(t, "2345", string(unmapper.Bytes()))
	unmapper.Bytes()[0] = 'x'
	data, _ := d.ReadFile("/small")
	require.Equal(t, "0123456789", string(data))
	require.NoError(t, unmapper.Release())

	empty, err := readOnly.Map(ctx, native.MapReadOnly, 4, 0)
	require.NoError(t, err)
	require.Empty(t, empty.Bytes())
	require.NoError(t, empty.Release())
}

func TestFileMapMemoryPressure(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	d.WriteFile("/data", bytes.Repeat([]byte{'z'}, 8192))
	ctx := context.Background()
	c := openTestFile(t, d, "/data", FileOptions{})

	d.FailMmap(1)
	unmapper, err := c.Map(ctx, native.MapReadOnly, 0, 8192)
	require.NoError(t, err)
	require.NoError(t, unmapper.Release())

	d.FailMmap(2)
	_, err = c.Map(ctx, native.MapReadOnly, 0, 8192)
	require.ErrorIs(t, err, mapping.ErrMapFailed)
	require.ErrorIs(t, err, unix.ENOMEM)
	require.True(t, c.IsOpen())
}

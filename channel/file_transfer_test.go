package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/sagernet/sing-nio/common/native/fake"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func randomFile(t *testing.T, d *fake.Dispatcher, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	d.WriteFile(path, data)
	return data
}

func TestTransferStrategies(t *testing.T) {
	t.Parallel()
	const size = 10 * 1024 * 1024
	for _, strategy := range []TransferStrategy{TransferAuto, TransferDirect, TransferMapped, TransferBuffered} {
		t.Run(strategy.String(), func(t *testing.T) {
			t.Parallel()
			d := fake.NewDispatcher()
			data := randomFile(t, d, "/source", size)
			ctx := context.Background()
			source := openTestFile(t, d, "/source", FileOptions{})
			target := openTestFile(t, d, "/target", FileOptions{Write: true, Create: true, Truncate: true})

			n, err := source.TransferToWith(ctx, strategy, 0, size+100, target)
			require.NoError(t, err)
			require.Equal(t, int64(size), n)
			written, _ := d.ReadFile("/target")
			require.True(t, bytes.Equal(data, written))
			position, err := source.Position(ctx)
			require.NoError(t, err)
			require.Zero(t, position)
			position, err = target.Position(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(size), position)
			if strategy == TransferAuto || strategy == TransferDirect {
				require.Positive(t, d.KernelTransfers())
			} else {
				require.Zero(t, d.KernelTransfers())
			}
		})
	}
}

func TestTransferToRange(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	data := randomFile(t, d, "/source", 1000)
	ctx := context.Background()
	source := openTestFile(t, d, "/source", FileOptions{})
	var output bytes.Buffer
	n, err := source.TransferTo(ctx, 100, 300, &output)
	require.NoError(t, err)
	require.Equal(t, int64(300), n)
	require.Equal(t, data[100:400], output.Bytes())

	n, err = source.TransferTo(ctx, 1000, 10, &output)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = source.TransferToWith(ctx, TransferDirect, 0, 10, &output)
	require.ErrorIs(t, err, ErrDirectTransferUnavailable)
	_, err = source.TransferTo(ctx, -1, 10, &output)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTransferFallback(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	d.SetTransferSupported(false)
	const size = 64 * 1024
	data := randomFile(t, d, "/source", size)
	ctx := context.Background()
	source := openTestFile(t, d, "/source", FileOptions{})
	target := openTestFile(t, d, "/target", FileOptions{Write: true, Create: true})

	n, err := source.TransferTo(ctx, 0, size, target)
	require.NoError(t, err)
	require.Equal(t, int64(size), n)
	written, _ := d.ReadFile("/target")
	require.True(t, bytes.Equal(data, written))
	require.Zero(t, d.KernelTransfers())

	_, err = source.TransferToWith(ctx, TransferDirect, 0, size, target)
	require.ErrorIs(t, err, unix.ENOSYS)
}

func TestTransferToStream(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	const size = 32 * 1024
	data := randomFile(t, d, "/source", size)
	client, server := streamPair(t, d, nil)
	source := openTestFile(t, d, "/source", FileOptions{})

	received := make(chan []byte, 1)
	go func() {
		buffer := make([]byte, size)
		_, err := io.ReadFull(server, buffer)
		if err != nil {
			buffer = nil
		}
		received <- buffer
	}()
	n, err := source.TransferTo(context.Background(), 0, size, client)
	require.NoError(t, err)
	require.Equal(t, int64(size), n)
	require.True(t, bytes.Equal(data, <-received))
	require.Positive(t, d.KernelTransfers())
}

func TestTransferFromReader(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	ctx := context.Background()
	target := openTestFile(t, d, "/target", FileOptions{Read: true, Write: true, Create: true})
	_, err := target.Write([]byte("0123456789"))
	require.NoError(t, err)

	n, err := target.TransferFrom(ctx, bytes.NewReader([]byte("abcdef")), 4, 100)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)
	data, _ := d.ReadFile("/target")
	require.Equal(t, "0123abcdef", string(data))
	position, err := target.Position(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(10), position)

	n, err = target.TransferFrom(ctx, bytes.NewReader([]byte("late")), 11, 4)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = target.TransferFromWith(ctx, TransferMapped, bytes.NewReader(nil), 0, 4)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTransferFromFile(t *testing.T) {
	t.Parallel()
	const size = 40 * 1024
	for _, strategy := range []TransferStrategy{TransferDirect, TransferMapped, TransferBuffered} {
		t.Run(strategy.String(), func(t *testing.T) {
			t.Parallel()
			d := fake.NewDispatcher()
			data := randomFile(t, d, "/source", size)
			ctx := context.Background()
			source := openTestFile(t, d, "/source", FileOptions{})
			target := openTestFile(t, d, "/target", FileOptions{Write: true, Create: true})
			require.NoError(t, source.SetPosition(ctx, 100))

			n, err := target.TransferFromWith(ctx, strategy, source, 0, 1000)
			require.NoError(t, err)
			require.Equal(t, int64(1000), n)
			written, _ := d.ReadFile("/target")
			require.Equal(t, data[100:1100], written)
			position, err := source.Position(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(1100), position)
		})
	}
}

package transfer

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/examftp/internal/ratelimit"
)

func TestChunkSize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, MinChunkSize, ChunkSize(0))
	assert.Equal(t, MinChunkSize, ChunkSize(1024))
	assert.Equal(t, 1<<20, ChunkSize(1<<20))
}

func TestTimeoutFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		size int64
		want time.Duration
	}{
		{0, MinTimeout},
		{100, MinTimeout},
		{5 << 20, 5 * time.Minute},
		{50 << 20, MaxTimeout},
		{1 << 40, MaxTimeout},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TimeoutFor(tt.size), "size %d", tt.size)
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer b.Close()

	data := bytes.Repeat([]byte("exam"), 100_000)

	done := make(chan error, 1)
	go func() {
		defer a.Close()
		n, err := Send(a, data, Options{})
		if err == nil && n != int64(len(data)) {
			err = errors.New("short send")
		}
		done <- err
	}()

	var calls int
	got, err := Receive(b, int64(len(data)), Options{Progress: func(int64) { calls++ }})
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Positive(t, calls)
	require.NoError(t, <-done)
}

func TestReceiveUntilClose(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer b.Close()

	go func() {
		a.Write([]byte("unknown size payload"))
		a.Close()
	}()

	got, err := Receive(b, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, "unknown size payload", string(got))
}

func TestReceiveIncomplete(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer b.Close()

	go func() {
		a.Write([]byte("half"))
		a.Close()
	}()

	got, err := Receive(b, 100, Options{})
	require.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, "half", string(got))

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "receive", terr.Op)
	assert.EqualValues(t, 100, terr.Expected)
	assert.EqualValues(t, 4, terr.Actual)
}

func TestReceiveTimeout(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := Receive(b, 10, Options{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSendToClosedPeer(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	b.Close()
	defer a.Close()

	n, err := Send(a, []byte("nobody listening"), Options{})
	require.Error(t, err)
	assert.Zero(t, n)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "send", terr.Op)
}

func TestSendWithLimiter(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer b.Close()

	data := make([]byte, 200*1024)
	go func() {
		defer a.Close()
		Send(a, data, Options{Limiter: ratelimit.New(64 * 1024 * 1024)})
	}()

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Len(t, got, len(data))
}

func TestReceiveUnknownSizeLimit(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer b.Close()

	go func() {
		defer a.Close()
		a.Write(make([]byte, 2048))
	}()

	_, err := Receive(b, 0, Options{Limit: 1024})
	require.ErrorIs(t, err, ErrTooLarge)
}

package sendbuf

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutGetFIFO(t *testing.T) {
	p := New(0, PolicyReject)

	require.NoError(t, p.Put([]byte("ping")))
	require.NoError(t, p.Put([]byte("pong")))
	require.NoError(t, p.Put(nil))
	require.Equal(t, 2, p.Len())
	require.EqualValues(t, 8, p.Bytes())

	chunk, ok := p.Get()
	require.True(t, ok)
	require.Equal(t, "ping", string(chunk))

	chunk, ok = p.Get()
	require.True(t, ok)
	require.Equal(t, "pong", string(chunk))

	_, ok = p.Get()
	require.False(t, ok, "a drained pool reports none")
	require.Zero(t, p.Bytes())
}

func TestFillCoalescesWholeChunks(t *testing.T) {
	p := New(0, PolicyReject)
	require.NoError(t, p.Put([]byte("aaa")))
	require.NoError(t, p.Put([]byte("bbb")))
	require.NoError(t, p.Put([]byte("cccc")))

	dst := make([]byte, 8)
	n, chunks := p.Fill(dst)
	require.Equal(t, 6, n, "the third chunk does not fit and must wait")
	require.Equal(t, 2, chunks)
	require.Equal(t, "aaabbb", string(dst[:n]))
	require.EqualValues(t, 4, p.Bytes())

	n, chunks = p.Fill(dst)
	require.Equal(t, 4, n)
	require.Equal(t, 1, chunks)
	require.Equal(t, "cccc", string(dst[:n]))

	n, _ = p.Fill(dst)
	require.Zero(t, n)
}

func TestFillSplitsOversizedChunk(t *testing.T) {
	p := New(0, PolicyReject)
	big := bytes.Repeat([]byte("x"), 10)
	big[9] = 'y'
	require.NoError(t, p.Put(big))
	require.NoError(t, p.Put([]byte("z")))

	var out []byte
	dst := make([]byte, 4)
	for {
		n, _ := p.Fill(dst)
		if n == 0 {
			break
		}
		out = append(out, dst[:n]...)
	}

	require.Equal(t, "xxxxxxxxxyz", string(out))
	require.Zero(t, p.Bytes())
	require.Zero(t, p.Len())
}

func TestRejectPolicy(t *testing.T) {
	p := New(8, PolicyReject)
	require.NoError(t, p.Put([]byte("12345")))
	require.ErrorIs(t, p.Put([]byte("6789")), ErrFull)

	// a single chunk larger than the cap is accepted into an empty pool
	_, _ = p.Get()
	require.NoError(t, p.Put(bytes.Repeat([]byte("a"), 32)))
}

func TestBlockPolicyWaitsForDrain(t *testing.T) {
	p := New(8, PolicyBlock)
	require.NoError(t, p.Put([]byte("12345678")))

	done := make(chan error, 1)
	go func() {
		done <- p.Put([]byte("9"))
	}()

	select {
	case <-done:
		t.Fatal("put should block while the pool is full")
	case <-time.After(30 * time.Millisecond):
	}

	_, ok := p.Get()
	require.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked put was not released after drain")
	}
}

func TestCloseReleasesBlockedProducer(t *testing.T) {
	p := New(4, PolicyBlock)
	require.NoError(t, p.Put([]byte("1234")))

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		err = p.Put([]byte("5"))
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()
	wg.Wait()

	require.ErrorIs(t, err, ErrClosed)
	require.True(t, p.IsClosed())
	require.Zero(t, p.Bytes())
	require.ErrorIs(t, p.Put([]byte("x")), ErrClosed)
}

func TestParsePolicy(t *testing.T) {
	pol, err := ParsePolicy("block")
	require.NoError(t, err)
	require.Equal(t, PolicyBlock, pol)
	require.Equal(t, "block", pol.String())

	pol, err = ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicyReject, pol)

	_, err = ParsePolicy("drop")
	require.Error(t, err)
}

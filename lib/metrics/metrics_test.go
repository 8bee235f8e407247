package metrics

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHistogramEstimates(t *testing.T) {
	h := NewChunkHistogram()
	require.Zero(t, h.Percentile(50))
	require.Zero(t, h.Average())

	for i := 0; i < 90; i++ {
		h.AddSample(100) // 64 < x <= 256
	}
	for i := 0; i < 10; i++ {
		h.AddSample(10000) // 4096 < x <= 16384
	}

	require.EqualValues(t, 100, h.Count())
	require.Equal(t, (90*100+10*10000)/100, h.Average())
	require.Equal(t, (64+256)/2, h.Percentile(50))
	require.Equal(t, (4096+16384)/2, h.Percentile(99))
	require.Equal(t, 10000, h.Max())

	h.AddSample(1 << 30)
	require.Equal(t, 1<<30, h.Percentile(100), "overflow bucket reports the maximum")

	h.Reset()
	require.Zero(t, h.Count())
	require.Zero(t, h.Max())
}

func TestHistogramConcurrent(t *testing.T) {
	h := NewChunkHistogram()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				h.AddSample(i)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 8000, h.Count())
}

func TestEngineMetricsSnapshot(t *testing.T) {
	m := New("test")
	defer m.Stop()

	m.ConnCreated.Inc()
	m.ConnCreated.Inc()
	m.ConnClosed.Inc()
	m.MarkRead(10)
	m.MarkRead(20)
	m.MarkSent(5)

	s := m.Snapshot()
	require.EqualValues(t, 2, s.Created)
	require.EqualValues(t, 1, s.Closed)
	require.EqualValues(t, 30, s.ReadBytes)
	require.EqualValues(t, 5, s.SentBytes)
	require.Equal(t, 15, s.AvgReadSize)
	require.EqualValues(t, 2, m.ReadSizes().Count())
	require.Contains(t, s.String(), "created=2")
}

func TestWritePrometheus(t *testing.T) {
	m := New("")
	defer m.Stop()

	active := 3
	m.RegisterGauge("connections_active", func() float64 { return float64(active) })
	m.Accepted.Add(7)

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()

	require.Contains(t, out, "dnet_accepts_total 7")
	require.Contains(t, out, "dnet_connections_active 3")
	require.True(t, strings.Contains(out, "dnet_read_bytes_rate1"), out)
}

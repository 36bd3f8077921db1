package parser

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"power-monitor/pkg/protocol"
)

// scenarioFrame: current=10000 (1.000 A), voltage=5000 (5.000 V)
func scenarioFrame() []byte {
	return protocol.BuildFrame(protocol.ModelMeter, protocol.CommandStream, [2]byte{},
		protocol.MeasurementPayload(0x00002710, 0x00001388))
}

func collect(a *Assembler, chunks ...[]byte) []protocol.Sample {
	var samples []protocol.Sample
	for _, chunk := range chunks {
		a.Feed(chunk, func(f protocol.Frame) {
			if s, ok := Decode(f, 0); ok {
				samples = append(samples, s)
			}
		})
	}
	return samples
}

func TestScenarioSingleFrame(t *testing.T) {
	packet := scenarioFrame()
	require.Equal(t, []byte{0xDA, 0x08, 0x00, 0x04, 0x05, 0x00, 0x00, 0xAC}, packet[:8])

	samples := collect(NewAssembler(64), packet)

	require.Len(t, samples, 1)
	assert.InDelta(t, 1.000, samples[0].Current, 1e-9)
	assert.InDelta(t, 5.000, samples[0].Voltage, 1e-9)
}

func TestScenarioCorruptedThenRecover(t *testing.T) {
	bad := scenarioFrame()
	bad[len(bad)-1] ^= 0x01

	a := NewAssembler(64)
	assert.Empty(t, collect(a, bad))
	// 校验失败只丢弃同步字节，其余字节留待继续扫描
	assert.Equal(t, uint64(1), a.Stats().ChecksumErrors)

	samples := collect(a, scenarioFrame())
	require.Len(t, samples, 1)
	assert.InDelta(t, 5.000, samples[0].Voltage, 1e-9)

	st := a.Stats()
	assert.Equal(t, uint64(len(bad)), st.BytesDropped)
	assert.Equal(t, uint64(len(bad)-1), st.SyncDrops)
	assert.Equal(t, 0, a.Buffered())
}

func TestScenarioChunkBoundaries(t *testing.T) {
	packet := scenarioFrame()
	a := NewAssembler(4)

	samples := collect(a, packet[:3], packet[3:8], packet[8:])

	require.Len(t, samples, 1)
	assert.Equal(t, collect(NewAssembler(64), packet), samples)
}

func TestEveryChunkSplitYieldsSameSample(t *testing.T) {
	packet := scenarioFrame()
	want := collect(NewAssembler(64), packet)

	for i := 1; i < len(packet); i++ {
		got := collect(NewAssembler(8), packet[:i], packet[i:])
		assert.Equal(t, want, got, "split at %d", i)
	}

	a := NewAssembler(1)
	var chunks [][]byte
	for i := range packet {
		chunks = append(chunks, packet[i:i+1])
	}
	assert.Equal(t, want, collect(a, chunks...))
}

func TestIncompleteFrameIsKept(t *testing.T) {
	packet := scenarioFrame()
	a := NewAssembler(64)
	a.Write(packet[:12])

	_, ok := a.Next()
	assert.False(t, ok)
	assert.Equal(t, 12, a.Buffered())
	assert.Zero(t, a.Stats().BytesDropped)

	// 不足帧头长度时不做任何扫描
	b := NewAssembler(64)
	b.Write([]byte{0x00, 0x01, 0x02})
	_, ok = b.Next()
	assert.False(t, ok)
	assert.Equal(t, 3, b.Buffered())
}

func TestLeadingNoiseIsSkipped(t *testing.T) {
	noise := []byte{0x00, 0xFF, 0x13, 0x37, 0x55}
	a := NewAssembler(16)

	samples := collect(a, append(noise, scenarioFrame()...))

	require.Len(t, samples, 1)
	assert.Equal(t, uint64(len(noise)), a.Stats().SyncDrops)
}

func TestNonMeasurementFramesAreAccepted(t *testing.T) {
	ack := protocol.BuildFrame(0x04, 0x01, [2]byte{}, []byte{0x01, 0x02})
	empty := protocol.BuildFrame(0x02, 0x03, [2]byte{}, nil)

	a := NewAssembler(64)
	var frames []protocol.Frame
	a.Feed(append(append(ack, empty...), scenarioFrame()...), func(f protocol.Frame) {
		frames = append(frames, f)
	})

	require.Len(t, frames, 3)
	assert.Equal(t, uint8(0x01), frames[0].Command)
	assert.Equal(t, []byte{0x01, 0x02}, frames[0].Payload)
	assert.Equal(t, uint16(0), frames[1].Length)
	assert.True(t, Validate(frames[1]))
	assert.True(t, frames[2].IsMeasurement())
}

func TestResyncConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		n := rng.Intn(512)
		input := make([]byte, n)
		rng.Read(input)
		// 混入同步字节和合法帧
		for i := 0; i < n/32; i++ {
			input[rng.Intn(n)] = protocol.SyncMarker
		}
		if round%3 == 0 {
			input = append(input, scenarioFrame()...)
		}

		a := NewAssembler(32)
		consumed := 0
		a.Feed(input, func(f protocol.Frame) { consumed += f.Size() })

		st := a.Stats()
		require.LessOrEqual(t, st.BytesDropped, uint64(len(input)))
		require.Equal(t, uint64(len(input)), st.BytesDropped+uint64(consumed)+uint64(a.Buffered()))

		// 不动点: 空、不足帧头，或以同步字节开头的不完整帧
		if rest := a.Buffered(); rest >= protocol.HeaderSize {
			head := a.buf[a.off:]
			require.Equal(t, byte(protocol.SyncMarker), head[0])
			length := int(binary.LittleEndian.Uint16(head[1:3]))
			require.Less(t, rest, protocol.HeaderSize+length)
		}
		_, ok := a.Next()
		require.False(t, ok)
	}
}

func TestResetDiscardsBuffer(t *testing.T) {
	a := NewAssembler(16)
	a.Write(scenarioFrame()[:10])
	a.Reset()

	assert.Equal(t, 0, a.Buffered())
	assert.Equal(t, Stats{}, a.Stats())
	assert.Len(t, collect(a, scenarioFrame()), 1)
}

func TestLongStreamStaysCompact(t *testing.T) {
	a := NewAssembler(64)
	packet := scenarioFrame()
	count := 0
	for i := 0; i < 10000; i++ {
		// 每次只送一帧半，迫使缓冲区反复搬移
		a.Feed(packet[:10], func(protocol.Frame) { count++ })
		a.Feed(packet[10:], func(protocol.Frame) { count++ })
	}
	assert.Equal(t, 10000, count)
	assert.Equal(t, 0, a.Buffered())
	assert.Less(t, cap(a.buf), 1024)
}

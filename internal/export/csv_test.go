package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"power-monitor/internal/history"
	"power-monitor/pkg/protocol"
)

func TestExportFormat(t *testing.T) {
	samples := []protocol.Sample{
		{Elapsed: 0.01, Voltage: 5.08, Current: 0.02},
		{Elapsed: 0.02, Voltage: 5.1, Current: 1.5},
		{Elapsed: 0.03, Voltage: 9, Current: 2},
	}
	markers := []Marker{
		{Time: 0.021, Label: "plug"},
		{Time: 0.019, Label: "pd"},
		{Time: 5, Label: "end"},
	}

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, samples, markers))

	want := Header + "\n" +
		"0.010,5.080,0.020,0.102\n" +
		"0.020,5.100,1.500,7.650,plug|pd\n" +
		"0.030,9.000,2.000,18.000,end\n"
	assert.Equal(t, want, buf.String())
}

func TestExportEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, nil, []Marker{{Time: 1, Label: "x"}}))
	assert.Equal(t, Header+"\n", buf.String())
}

func TestMarkerTieGoesToEarlierSample(t *testing.T) {
	samples := []protocol.Sample{{Elapsed: 1}, {Elapsed: 2}}
	labels := attach(samples, []Marker{{Time: 1.5, Label: "mid"}})
	assert.Equal(t, map[int][]string{0: {"mid"}}, labels)
}

func TestImport(t *testing.T) {
	in := Header + "\n" +
		"0.000,5.000,1.000,5.000\n" +
		"\n" +
		"0.100,abc,1.000,5.000\n" +
		"0.200,5.200,0.500,2.600,boot, phase 1\n" +
		"0.150,5.000,0.500,2.500\n" +
		"0.300,4.900,0.400,1.960,|a|b\n" +
		"0.400,NaN,0.400,1.960\n" +
		"short,row\n"

	res, err := Import(strings.NewReader(in))
	require.NoError(t, err)

	require.Len(t, res.Samples, 3)
	assert.Equal(t, protocol.Sample{Elapsed: 0.2, Voltage: 5.2, Current: 0.5}, res.Samples[1])
	assert.Equal(t, []Marker{
		{Time: 0.2, Label: "boot, phase 1"},
		{Time: 0.3, Label: "a"},
		{Time: 0.3, Label: "b"},
	}, res.Markers)
	// abc, 时间倒退, NaN, 列数不足
	assert.Equal(t, 4, res.Skipped)
}

func TestImportNoData(t *testing.T) {
	_, err := Import(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoHeader)

	_, err = Import(strings.NewReader(Header + "\n"))
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestRoundTrip(t *testing.T) {
	samples := []protocol.Sample{
		{Elapsed: 0, Voltage: 5.08, Current: 0.02},
		{Elapsed: 1.5, Voltage: 9.001, Current: 2.25},
	}
	markers := []Marker{{Time: 1.4, Label: "load"}, {Time: 1.6, Label: "peak"}}

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, samples, markers))

	res, err := Import(&buf)
	require.NoError(t, err)
	assert.Equal(t, samples, res.Samples)
	assert.Equal(t, []Marker{{Time: 1.5, Label: "load"}, {Time: 1.5, Label: "peak"}}, res.Markers)
}

func TestLoadRebuildsExtrema(t *testing.T) {
	h := history.New(10)
	h.Record(protocol.Sample{Elapsed: 0, Voltage: 20, Current: 5})

	Load(h, &Result{Samples: []protocol.Sample{
		{Elapsed: 0, Voltage: 5, Current: 1},
		{Elapsed: 1, Voltage: 4, Current: 2},
	}})

	assert.Equal(t, 2, h.Len())
	assert.Equal(t, history.Extrema{VoltageMax: 5, VoltageMin: 4, CurrentMax: 2, CurrentMin: 1}, h.Extrema())
}

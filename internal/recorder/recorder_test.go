package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
	"github.com/Gameminde/Chneowave-sub003/internal/events"
	"github.com/Gameminde/Chneowave-sub003/internal/logging"
	"github.com/Gameminde/Chneowave-sub003/internal/session"
)

func newRecorder(t *testing.T, bitDepth int) (*Recorder, *events.Bus, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "takes")
	bus := events.New(events.WithLogger(logging.Discard()))
	t.Cleanup(func() { _ = bus.Close(time.Second) })

	r, err := New(Config{Dir: dir, BitDepth: bitDepth}, bus, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, r.Start())
	return r, bus, dir
}

func decode(t *testing.T, path string) (*wav.Decoder, []int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	d := wav.NewDecoder(f)
	require.True(t, d.IsValidFile())
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	return d, buf.Data
}

func TestRecordsSessionInterleaved(t *testing.T) {
	r, bus, dir := newRecorder(t, 16)

	info := events.SessionInfo{
		SessionID:    "s1",
		SampleRateHz: 32,
		ChannelCount: 2,
		StartedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	bus.SessionStarted(info)
	bus.PublishDataBlock(events.DataBlock{
		SessionID: "s1",
		Samples:   [][]float32{{0, 0.5}, {-0.5, 1}},
	})
	bus.PublishDataBlock(events.DataBlock{
		SessionID: "s1",
		Samples:   [][]float32{{2}, {-2}}, // clips
	})
	// empty final block
	bus.PublishDataBlock(events.DataBlock{SessionID: "s1", Samples: [][]float32{{}, {}}})
	bus.SessionFinished(events.SessionStats{SessionID: "s1", FinalState: session.Finished})

	require.NoError(t, bus.Close(time.Second))
	require.Equal(t, []string{filepath.Join(dir, "20260301T120000Z_s1.wav")}, r.Files())

	d, data := decode(t, r.Files()[0])
	assert.Equal(t, uint16(2), d.NumChans)
	assert.Equal(t, uint32(32), d.SampleRate)
	assert.Equal(t, uint16(16), d.BitDepth)
	assert.Equal(t, []int{0, -16384, 16384, 32767, 32767, -32767}, data)
}

func TestFailedSessionIsFinalized(t *testing.T) {
	r, bus, _ := newRecorder(t, 32)

	bus.SessionStarted(events.SessionInfo{SessionID: "s2", SampleRateHz: 10, ChannelCount: 1})
	bus.PublishDataBlock(events.DataBlock{SessionID: "s2", Samples: [][]float32{{0.25, -0.25}}})
	bus.SessionStateChanged(events.StateChange{SessionID: "s2", From: session.Running, To: session.Failed})

	require.NoError(t, bus.Close(time.Second))
	require.Len(t, r.Files(), 1)

	d, data := decode(t, r.Files()[0])
	assert.Equal(t, uint16(32), d.BitDepth)
	assert.Equal(t, []int{536870912, -536870912}, data)
}

func TestStopFinalizesOpenRecordings(t *testing.T) {
	r, bus, _ := newRecorder(t, 16)

	bus.SessionStarted(events.SessionInfo{SessionID: "s3", SampleRateHz: 32, ChannelCount: 1})
	bus.PublishDataBlock(events.DataBlock{SessionID: "s3", Samples: [][]float32{{0.5}}})
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		t3, ok := r.sessions["s3"]
		return ok && t3.frames == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop())
	require.Len(t, r.Files(), 1)
	_, data := decode(t, r.Files()[0])
	assert.Equal(t, []int{16384}, data)
}

func TestRejectsChannelMismatch(t *testing.T) {
	r, _, _ := newRecorder(t, 16)
	r.mu.Lock()
	defer r.mu.Unlock()

	require.NoError(t, r.open(events.SessionInfo{SessionID: "s4", SampleRateHz: 32, ChannelCount: 2}))
	err := r.write(events.DataBlock{SessionID: "s4", Samples: [][]float32{{1}}})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	require.NoError(t, r.finish("s4"))
}

func TestNewValidatesConfig(t *testing.T) {
	bus := events.New(events.WithLogger(logging.Discard()))
	defer bus.Close(time.Second)

	_, err := New(Config{BitDepth: 16}, bus, nil)
	require.Error(t, err)
	_, err = New(Config{Dir: t.TempDir(), BitDepth: 24}, bus, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

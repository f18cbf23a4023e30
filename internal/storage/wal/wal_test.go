package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Shard  string `json:"shard"`
	Offset int    `json:"offset"`
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal", "positions.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		seq, err := w.Append(EventPositionsUpdate, testPayload{Shard: "s", Offset: i}, false)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	var replayed []testPayload
	require.NoError(t, w.Replay(func(event Event) error {
		assert.Equal(t, EventPositionsUpdate, event.Type)
		var p testPayload
		require.NoError(t, event.Decode(&p))
		replayed = append(replayed, p)
		return nil
	}))
	assert.Equal(t, []testPayload{{"s", 1}, {"s", 2}, {"s", 3}}, replayed)
	require.NoError(t, w.Close())

	// Reopen continues the sequence
	reopened, err := NewWAL(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(3), reopened.GetLastSeq())

	seq, err := reopened.Append(EventPositionsUpdate, testPayload{Shard: "s", Offset: 4}, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	count, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	_, err = w.Append(EventPositionsUpdate, testPayload{Shard: "a", Offset: 1}, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"offset":1`), []byte(`"offset":9`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	w, err = NewWAL(path, true)
	require.NoError(t, err)
	defer w.Close()

	err = w.Replay(func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var checksumErr *ChecksumError
	require.ErrorAs(t, err, &checksumErr)
	assert.Equal(t, uint64(1), checksumErr.Seq)
}

func TestTornTailIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	_, err = w.Append(EventPositionsUpdate, testPayload{Shard: "a", Offset: 1}, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"POSITIONS_UP`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = NewWAL(path, true)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(1), w.GetLastSeq())

	seq, err := w.Append(EventPositionsUpdate, testPayload{Shard: "a", Offset: 2}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	count, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCorruptedMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.wal")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{}\n"), 0644))

	_, err := CountEvents(path)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	var corruption *CorruptionError
	require.ErrorAs(t, err, &corruption)
	assert.Equal(t, 1, corruption.Line)
	assert.Equal(t, path, corruption.Path)

	_, err = NewWAL(path, false)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

func TestRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.wal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(EventPositionsUpdate, testPayload{Shard: "a", Offset: 1}, false)
	require.NoError(t, err)
	require.NoError(t, w.Rotate())
	assert.Equal(t, uint64(0), w.GetLastSeq())

	count, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	old, err := CountEvents(path + ".old")
	require.NoError(t, err)
	assert.Equal(t, 1, old)

	seq, err := w.Append(EventPositionsUpdate, testPayload{Shard: "a", Offset: 2}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestClosedWAL(t *testing.T) {
	w, err := NewWAL(filepath.Join(t.TempDir(), "positions.wal"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Append(EventPositionsUpdate, testPayload{}, false)
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.ErrorIs(t, w.Rotate(), ErrWALClosed)
}

func TestDumpWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.wal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	_, err = w.Append(EventPositionsUpdate, testPayload{Shard: "a", Offset: 1}, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var out bytes.Buffer
	require.NoError(t, DumpWAL(path, &out))
	assert.Contains(t, out.String(), `[seq:1] POSITIONS_UPDATE {"shard":"a","offset":1}`)
	assert.NotContains(t, out.String(), "CORRUPTED")
}

package integrity

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileContentHash_Deterministic(t *testing.T) {
	data := []byte("columnar bytes go here")
	assert.Equal(t, FileContentHash(data), FileContentHash(append([]byte(nil), data...)))
}

func TestFileContentHash_DetectsChange(t *testing.T) {
	a := FileContentHash([]byte("abc"))
	b := FileContentHash([]byte("abd"))
	assert.NotEqual(t, a, b)
}

func TestStreamHasher_MatchesWholeHash(t *testing.T) {
	data := []byte("streamed in two chunks")
	sh := NewStreamHasher()
	_, err := sh.Write(data[:10])
	require.NoError(t, err)
	_, err = sh.Write(data[10:])
	require.NoError(t, err)
	assert.Equal(t, FileContentHash(data), sh.Sum64())
}

func TestQuarantineWriter_AppendsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarantine.ndjson")
	w, err := OpenWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(Record{Reason: ReasonTimestampRegressed, ProducerID: "p1", TimestampNS: 100}))
	require.NoError(t, w.Append(Record{Reason: ReasonUnknownSchema, ProducerID: "p2", TimestampNS: 200}))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		lines = append(lines, r)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, ReasonTimestampRegressed, lines[0].Reason)
	assert.Equal(t, ReasonUnknownSchema, lines[1].Reason)
}

func TestMonotonicityChecker(t *testing.T) {
	m := NewMonotonicityChecker()

	assert.True(t, m.Check("p1", 100))
	m.Advance("p1", 100)

	assert.True(t, m.Check("p1", 150))
	m.Advance("p1", 150)

	assert.False(t, m.Check("p1", 140))

	// different producer has independent state
	assert.True(t, m.Check("p2", 10))
}

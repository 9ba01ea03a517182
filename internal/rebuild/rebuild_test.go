package rebuild

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/denulproto/vicbfd/internal/vicbf"
)

type fakeKeySource struct {
	keys [][]byte
}

func (f fakeKeySource) AllKeys() ([][]byte, error) {
	return f.keys, nil
}

func makeKeys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		k := make([]byte, 32)
		k[0] = byte(i)
		k[1] = byte(i >> 8)
		keys[i] = k
	}
	return keys
}

func TestRunProducesFilterContainingAllKeys(t *testing.T) {
	keys := makeKeys(250)
	res, err := Run(fakeKeySource{keys: keys}, t.TempDir(), 0)
	require.NoError(t, err)
	require.Equal(t, 250, res.N0)

	filter, err := vicbf.Deserialize(res.Image)
	require.NoError(t, err)
	for _, k := range keys {
		require.True(t, filter.Contains(k))
	}
}

func TestRunHonorsMinSlots(t *testing.T) {
	res, err := Run(fakeKeySource{keys: makeKeys(1)}, t.TempDir(), 500000)
	require.NoError(t, err)
	require.Equal(t, uint32(500000), res.M)
}

func TestRunSpansMultipleChunks(t *testing.T) {
	keys := makeKeys(chunkSize + 10)
	res, err := Run(fakeKeySource{keys: keys}, t.TempDir(), 0)
	require.NoError(t, err)
	require.Equal(t, chunkSize+10, res.N0)

	filter, err := vicbf.Deserialize(res.Image)
	require.NoError(t, err)
	require.True(t, filter.Contains(keys[0]))
	require.True(t, filter.Contains(keys[len(keys)-1]))
}

func TestRunCleansUpChunkFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(fakeKeySource{keys: makeKeys(50)}, dir, 0)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

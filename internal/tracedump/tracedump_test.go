package tracedump

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSave(t *testing.T) {
	traces := [][]float64{{1, 2, 3, 4}, {0, -1, -2, -3}}
	name := filepath.Join(t.TempDir(), "traces.npy")
	require.NoError(t, Save(name, traces, 1000))

	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	var m mat.Dense
	require.NoError(t, npyio.Read(f, &m))
	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 4, c)
	assert.Equal(t, []float64{0, 1, 2, 3}, mat.Row(nil, 0, &m))
	assert.Equal(t, traces[1], mat.Row(nil, 2, &m))
}

func TestMatrixErrors(t *testing.T) {
	_, err := Matrix(nil, 1000)
	assert.Error(t, err)
	_, err = Matrix([][]float64{{1, 2}, {1}}, 1000)
	assert.Error(t, err)
	assert.Error(t, Save(filepath.Join(t.TempDir(), "no", "such", "dir.npy"), [][]float64{{1}}, 1))
}

package appendablenpy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func readBack(t *testing.T, file string) *mat.Dense {
	t.Helper()
	f, err := os.Open(file)
	require.NoError(t, err)
	defer f.Close()
	var m mat.Dense
	require.NoError(t, npyio.Read(f, &m))
	return &m
}

func TestWrite(t *testing.T) {
	file := filepath.Join(t.TempDir(), "errors.npy")
	w, err := Create(file, 3)
	require.NoError(t, err)
	defer w.Close()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	if len(data)%headerUnits != 0 {
		t.Errorf("header is %d bytes, want a multiple of %d", len(data), headerUnits)
	}
	headerLen := len(data)

	rows := [][]float64{{0, 1.5, -2}, {1, 2.5, -3}, {2, 3.5, -4}}
	for i, row := range rows {
		require.NoError(t, w.Append(row))
		assert.Equal(t, i+1, w.Rows())
		m := readBack(t, file)
		r, c := m.Dims()
		assert.Equal(t, i+1, r)
		assert.Equal(t, 3, c)
		assert.Equal(t, row, mat.Row(nil, i, m))
	}
	data, err = os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, headerLen+3*3*8, len(data))

	assert.Error(t, w.Append([]float64{1, 2}))
	assert.Equal(t, 3, w.Rows())
}

func TestCloseTwice(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "x.npy"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Columns())
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
	assert.Error(t, w.Append([]float64{1}))

	_, err = Create(filepath.Join(t.TempDir(), "y.npy"), 0)
	assert.Error(t, err)
	_, err = Create(filepath.Join(t.TempDir(), "no", "such", "dir.npy"), 2)
	assert.Error(t, err)
}

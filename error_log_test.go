package tclock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestErrorLog(t *testing.T) {
	name := filepath.Join(t.TempDir(), "errors.npy")
	el, err := NewErrorLog(name, 2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		el.Add([]float64{float64(i) * 0.005, float64(i), 1, 2, 3, 4, 5, 6})
	}
	el.Add([]float64{1, 2}) // wrong length: recorded as an error
	require.Error(t, el.Close())

	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	var m mat.Dense
	require.NoError(t, npyio.Read(f, &m))
	r, c := m.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 8, c)
	assert.Equal(t, 4.0, m.At(4, 1))
	assert.Zero(t, el.Dropped())

	_, err = NewErrorLog(filepath.Join(t.TempDir(), "missing", "errors.npy"), 1)
	assert.Error(t, err)
}

package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateDummyBuf(t *testing.T) {
	buf := CreateDummyBuf(300)
	require.Len(t, buf, 300)
	require.Equal(t, byte(254), buf[254])
	require.Equal(t, byte(0), buf[255])
}

func TestTempDir(t *testing.T) {
	dir := TempDir(t, "f2cache-testutil")
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	Remover(t, dir)
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

package submission

import (
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteDir(t *testing.T) {
	recA, err := FromSample("a.png", "terra", "maize", labelMask(1))
	require.NoError(t, err)
	recB, err := FromSample("b.png", "terra", "wheat", labelMask(2))
	require.NoError(t, err)
	set := Collate([]Record{recA, recB})

	dir := t.TempDir()
	require.NoError(t, WriteDir(set, dir))

	for _, name := range []string{"a.png", "b.png"} {
		f, err := os.Open(filepath.Join(dir, "masks", name))
		require.NoError(t, err)
		img, err := png.Decode(f)
		f.Close()
		require.NoError(t, err)
		require.Equal(t, 2, img.Bounds().Dx())
		require.Equal(t, 2, img.Bounds().Dy())
	}

	raw, err := os.ReadFile(filepath.Join(dir, "submission.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3, "header plus one row per record")
	require.Contains(t, lines[0], "filename")
	require.Contains(t, lines[1], "a.png")
	require.Contains(t, lines[2], "b.png")
}

func TestWriteDirEmptySet(t *testing.T) {
	require.Error(t, WriteDir(nil, t.TempDir()))
}

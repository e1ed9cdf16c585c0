package dataset

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 37), G: uint8(y * 53), B: uint8((x + y) * 11), A: 255})
		}
	}
	return img
}

func testMask(w, h int, label uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: label})
		}
	}
	return img
}

// writeDataset lays out n image/mask pairs under a fresh root.
func writeDataset(t *testing.T, n, w, h int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("img_%03d.png", i)
		writePNG(t, filepath.Join(root, "images", name), testImage(w, h))
		writePNG(t, filepath.Join(root, "masks", name), testMask(w, h, uint8(i%3)))
	}
	return root
}

func TestDecodeSample(t *testing.T) {
	root := writeDataset(t, 1, 8, 6)
	refs, err := DiscoverPairs(root)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	s, err := DecodeSample(refs[0])
	require.NoError(t, err)
	require.Equal(t, 3, s.Channels)
	require.Equal(t, 6, s.Height)
	require.Equal(t, 8, s.Width)
	require.Len(t, s.Image, 3*6*8)
	require.Len(t, s.Mask, 6*8)
	for _, v := range s.Image {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
	for _, v := range s.Mask {
		require.Equal(t, int64(0), v)
	}
}

func TestDecodeSampleMaskSizeMismatch(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "images", "a.png"), testImage(8, 8))
	writePNG(t, filepath.Join(root, "masks", "a.png"), testMask(4, 4, 1))
	_, err := DecodeSample(Ref{
		ImagePath: filepath.Join(root, "images", "a.png"),
		MaskPath:  filepath.Join(root, "masks", "a.png"),
		Filename:  "a.png",
	})
	require.Error(t, err)
}

func TestDiscoverPairs(t *testing.T) {
	root := writeDataset(t, 4, 4, 4)
	refs, err := DiscoverPairs(root)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	for i, ref := range refs {
		require.Equal(t, fmt.Sprintf("img_%03d.png", i), ref.Filename)
		require.NotEmpty(t, ref.MaskPath)
	}
}

func TestDiscoverPairsMissingMask(t *testing.T) {
	root := writeDataset(t, 2, 4, 4)
	require.NoError(t, os.Remove(filepath.Join(root, "masks", "img_001.png")))
	_, err := DiscoverPairs(root)
	require.Error(t, err)
}

func TestLoadManifest(t *testing.T) {
	root := t.TempDir()
	manifest := filepath.Join(root, "test.csv")
	body := "filename,team,crop\nimg_000.png,terra,maize\nimg_001.png,terra,wheat\n"
	require.NoError(t, os.WriteFile(manifest, []byte(body), 0o644))

	refs, err := LoadManifest(root, manifest)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, "img_000.png", refs[0].Filename)
	require.Equal(t, "terra", refs[0].Team)
	require.Equal(t, "wheat", refs[1].Crop)
	require.Equal(t, filepath.Join(root, "images", "img_001.png"), refs[1].ImagePath)
	require.Empty(t, refs[0].MaskPath)
}

func TestLoadManifestEmptyFilename(t *testing.T) {
	root := t.TempDir()
	manifest := filepath.Join(root, "test.csv")
	require.NoError(t, os.WriteFile(manifest, []byte("filename,team,crop\n,terra,maize\n"), 0o644))
	_, err := LoadManifest(root, manifest)
	require.Error(t, err)
}

func TestLoaderEpochOrderAndBatching(t *testing.T) {
	root := writeDataset(t, 5, 4, 4)
	refs, err := DiscoverPairs(root)
	require.NoError(t, err)

	loader, err := NewLoader(refs, LoaderOptions{BatchSize: 2, NumWorkers: 3})
	require.NoError(t, err)
	require.Equal(t, 3, loader.Len())
	require.Equal(t, 5, loader.NumSamples())

	batches, errCh := loader.Epoch(context.Background())
	var got []string
	var sizes []int
	for batch := range batches {
		sizes = append(sizes, len(batch))
		for _, s := range batch {
			got = append(got, s.Filename)
		}
	}
	require.NoError(t, <-errCh)
	require.Equal(t, []int{2, 2, 1}, sizes)
	// without shuffle, delivery order matches discovery order even with
	// several workers racing
	require.Equal(t, []string{"img_000.png", "img_001.png", "img_002.png", "img_003.png", "img_004.png"}, got)
}

func TestLoaderShuffleIsDeterministicPerSeed(t *testing.T) {
	root := writeDataset(t, 6, 4, 4)
	refs, err := DiscoverPairs(root)
	require.NoError(t, err)

	collect := func(seed int64) []string {
		loader, err := NewLoader(refs, LoaderOptions{BatchSize: 3, NumWorkers: 2, Seed: seed, Shuffle: true})
		require.NoError(t, err)
		batches, errCh := loader.Epoch(context.Background())
		var got []string
		for batch := range batches {
			for _, s := range batch {
				got = append(got, s.Filename)
			}
		}
		require.NoError(t, <-errCh)
		return got
	}

	a := collect(7)
	b := collect(7)
	require.Equal(t, a, b)
	require.Len(t, a, 6)
}

func TestLoaderCancellation(t *testing.T) {
	root := writeDataset(t, 4, 4, 4)
	refs, err := DiscoverPairs(root)
	require.NoError(t, err)

	loader, err := NewLoader(refs, LoaderOptions{BatchSize: 1, NumWorkers: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	batches, _ := loader.Epoch(ctx)
	<-batches
	cancel()
	// channel must close after cancellation
	for range batches {
	}
}

func TestLoaderDecodeError(t *testing.T) {
	root := writeDataset(t, 2, 4, 4)
	refs, err := DiscoverPairs(root)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(refs[1].ImagePath, []byte("not a png"), 0o644))

	loader, err := NewLoader(refs, LoaderOptions{BatchSize: 2, NumWorkers: 1})
	require.NoError(t, err)
	batches, errCh := loader.Epoch(context.Background())
	for range batches {
	}
	require.Error(t, <-errCh)
}

func TestLoaderCancelDuringDecodeErrors(t *testing.T) {
	root := writeDataset(t, 16, 4, 4)
	refs, err := DiscoverPairs(root)
	require.NoError(t, err)
	for _, ref := range refs {
		require.NoError(t, os.WriteFile(ref.ImagePath, []byte("not a png"), 0o644))
	}

	// workers must never write the error channel after it closes, even when
	// cancellation races their decode failures
	for i := 0; i < 200; i++ {
		loader, err := NewLoader(refs, LoaderOptions{BatchSize: 2, NumWorkers: 8, CacheSize: 1})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		batches, errCh := loader.Epoch(ctx)
		cancel()
		for range batches {
		}
		<-errCh
	}
}

func TestNewLoaderRejectsBadOptions(t *testing.T) {
	_, err := NewLoader(nil, LoaderOptions{BatchSize: 1})
	require.Error(t, err)

	root := writeDataset(t, 1, 4, 4)
	refs, err := DiscoverPairs(root)
	require.NoError(t, err)
	_, err = NewLoader(refs, LoaderOptions{BatchSize: 0})
	require.Error(t, err)
}

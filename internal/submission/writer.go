package submission

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

type indexRow struct {
	Filename string `csv:"filename"`
	Team     string `csv:"team"`
	Crop     string `csv:"crop"`
	MaskPath string `csv:"mask_path"`
}

// WriteDir persists a submission set: one grayscale label PNG per record
// under dir/masks plus a submission.csv index.
func WriteDir(set Set, dir string) error {
	if len(set) == 0 {
		return errors.New("submission: nothing to write")
	}
	maskDir := filepath.Join(dir, "masks")
	if err := os.MkdirAll(maskDir, 0o755); err != nil {
		return errors.Wrap(err, "submission: create output dir")
	}

	filenames := make([]string, 0, len(set))
	for name := range set {
		filenames = append(filenames, name)
	}
	sort.Strings(filenames)

	rows := make([]indexRow, 0, len(set))
	for _, name := range filenames {
		rec := set[name]
		maskPath := filepath.Join(maskDir, rec.Filename)
		if err := writeMaskPNG(rec, maskPath); err != nil {
			return err
		}
		rows = append(rows, indexRow{
			Filename: rec.Filename,
			Team:     rec.Team,
			Crop:     rec.Crop,
			MaskPath: filepath.Join("masks", rec.Filename),
		})
	}

	f, err := os.Create(filepath.Join(dir, "submission.csv"))
	if err != nil {
		return errors.Wrap(err, "submission: create index")
	}
	defer f.Close()
	return errors.Wrap(gocsv.Marshal(rows, f), "submission: write index")
}

func writeMaskPNG(rec Record, path string) error {
	labels := rec.Mask.Data().([]int64)
	h, w := rec.Mask.Shape()[0], rec.Mask.Shape()[1]
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(labels[y*w+x])})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "submission: create mask %s", rec.Filename)
	}
	defer f.Close()
	return errors.Wrapf(png.Encode(f, img), "submission: encode mask %s", rec.Filename)
}

package dataset

import (
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

type manifestRow struct {
	Filename string `csv:"filename"`
	Team     string `csv:"team"`
	Crop     string `csv:"crop"`
}

// LoadManifest reads the test manifest CSV (filename, team, crop) and
// resolves each row against root/images. Test refs carry no mask.
func LoadManifest(root, path string) ([]Ref, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open manifest")
	}
	defer f.Close()

	var rows []manifestRow
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	if len(rows) == 0 {
		return nil, errors.Errorf("manifest %s has no rows", path)
	}

	refs := make([]Ref, 0, len(rows))
	for i, row := range rows {
		if row.Filename == "" {
			return nil, errors.Errorf("manifest row %d: empty filename", i+1)
		}
		refs = append(refs, Ref{
			ImagePath: filepath.Join(root, "images", row.Filename),
			Filename:  row.Filename,
			Team:      row.Team,
			Crop:      row.Crop,
		})
	}
	return refs, nil
}

package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DiscoverPairs pairs every PNG under root/images with the mask of the same
// name under root/masks. A missing mask is an error: training data must be
// fully annotated.
func DiscoverPairs(root string) ([]Ref, error) {
	imageDir := filepath.Join(root, "images")
	maskDir := filepath.Join(root, "masks")

	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", imageDir)
	}

	refs := make([]Ref, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		maskPath := filepath.Join(maskDir, entry.Name())
		if _, err := os.Stat(maskPath); err != nil {
			return nil, errors.Wrapf(err, "no mask for %s", entry.Name())
		}
		refs = append(refs, Ref{
			ImagePath: filepath.Join(imageDir, entry.Name()),
			MaskPath:  maskPath,
			Filename:  entry.Name(),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Filename < refs[j].Filename })
	return refs, nil
}

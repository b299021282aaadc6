package streamreduce

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// PartFilename returns the conventional part filename for index num.
//
//	PartFilename(3) == "part-00003"
func PartFilename(num int) string {
	return fmt.Sprintf("part-%05d", num)
}

// PartFiles returns the full paths of the regular files directly under
// dir, sorted by name. Zero-padded part filenames sort in index order.
func PartFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %v", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

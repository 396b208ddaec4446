package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DefaultExtensions are the image file extensions scanned when none are given.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".gif"}

// ClassIndex lists the image files of every class below a root directory.
// Two layouts are recognised and may be mixed: root/<class>/<image> and the
// Omniglot layout root/<alphabet>/<character>/<image>, whose class id is
// "alphabet/character". Classes and files are sorted.
type ClassIndex struct {
	root       string
	classNames []string
	files      [][]string
	classToIdx map[string]int
}

// ScanClasses walks root and indexes every directory that directly contains
// images. Directories without images are skipped.
func ScanClasses(root string, extensions []string) (*ClassIndex, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = true
	}

	index := &ClassIndex{root: root, classToIdx: make(map[string]int)}

	top, err := subdirs(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list classes")
	}
	for _, dir := range top {
		path := filepath.Join(root, dir)
		images, err := imageFiles(path, exts)
		if err != nil {
			return nil, err
		}
		if len(images) > 0 {
			index.add(dir, images)
			continue
		}

		chars, err := subdirs(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list %s", path)
		}
		for _, char := range chars {
			images, err := imageFiles(filepath.Join(path, char), exts)
			if err != nil {
				return nil, err
			}
			if len(images) > 0 {
				index.add(dir+"/"+char, images)
			}
		}
	}

	if len(index.classNames) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}
	return index, nil
}

func (ci *ClassIndex) add(name string, files []string) {
	ci.classToIdx[name] = len(ci.classNames)
	ci.classNames = append(ci.classNames, name)
	ci.files = append(ci.files, files)
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func imageFiles(dir string, exts map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && exts[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Root returns the scanned directory.
func (ci *ClassIndex) Root() string { return ci.root }

// Len returns the number of image files.
func (ci *ClassIndex) Len() int {
	n := 0
	for _, f := range ci.files {
		n += len(f)
	}
	return n
}

// NumClasses returns the number of classes
func (ci *ClassIndex) NumClasses() int { return len(ci.classNames) }

// ClassNames returns the list of class names
func (ci *ClassIndex) ClassNames() []string { return ci.classNames }

// Files returns the image files of class i.
func (ci *ClassIndex) Files(i int) []string { return ci.files[i] }

// ClassDistribution returns the number of files per class.
func (ci *ClassIndex) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(ci.classNames))
	for i, name := range ci.classNames {
		dist[name] = len(ci.files[i])
	}
	return dist
}

// FilterByClass keeps the named classes, in index order. Unknown names are ignored.
func (ci *ClassIndex) FilterByClass(classNames []string) *ClassIndex {
	keep := make(map[int]bool)
	for _, name := range classNames {
		if idx, ok := ci.classToIdx[name]; ok {
			keep[idx] = true
		}
	}
	out := &ClassIndex{root: ci.root, classToIdx: make(map[string]int)}
	for i, name := range ci.classNames {
		if keep[i] {
			out.add(name, ci.files[i])
		}
	}
	return out
}

// SplitClasses partitions classes into two disjoint indexes, the first holding
// round(ratio*NumClasses) classes. A nil rng keeps index order.
func (ci *ClassIndex) SplitClasses(ratio float64, rng *rand.Rand) (*ClassIndex, *ClassIndex) {
	order := make([]int, len(ci.classNames))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	cut := int(ratio*float64(len(order)) + 0.5)
	if cut < 0 {
		cut = 0
	} else if cut > len(order) {
		cut = len(order)
	}
	pick := func(idx []int) *ClassIndex {
		sort.Ints(idx)
		out := &ClassIndex{root: ci.root, classToIdx: make(map[string]int)}
		for _, i := range idx {
			out.add(ci.classNames[i], ci.files[i])
		}
		return out
	}
	first := append([]int(nil), order[:cut]...)
	second := append([]int(nil), order[cut:]...)
	return pick(first), pick(second)
}

func (ci *ClassIndex) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ClassIndex %s: %d images, %d classes\n", ci.root, ci.Len(), len(ci.classNames))
	sb.WriteString("Class distribution:\n")
	for i, name := range ci.classNames {
		fmt.Fprintf(&sb, "  %s: %d images\n", name, len(ci.files[i]))
	}
	return sb.String()
}

package dataset

import (
	"bytes"
	"image"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-protonet/vision/dataloader"
)

// writeImage writes a uniform 8x8 grayscale PNG.
func writeImage(t *testing.T, path string, value uint8) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = value
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

// omniglotTree builds root/<alphabet>/<character>/<n>.png with distinct
// pixel values per file.
func omniglotTree(t *testing.T, layout map[string]int) string {
	t.Helper()
	root := t.TempDir()
	value := uint8(10)
	for class, n := range layout {
		for i := 0; i < n; i++ {
			writeImage(t, filepath.Join(root, filepath.FromSlash(class), string(rune('a'+i))+".png"), value)
			value += 10
		}
	}
	return root
}

func TestScanClassesLayouts(t *testing.T) {
	root := omniglotTree(t, map[string]int{
		"Latin/character01": 3,
		"Latin/character02": 2,
		"Greek/character01": 4,
		"digits":            2,
	})
	// Noise that must be ignored.
	if err := os.WriteFile(filepath.Join(root, "Latin", "character01", "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "empty", "character01"), 0755); err != nil {
		t.Fatal(err)
	}

	index, err := ScanClasses(root, nil)
	if err != nil {
		t.Fatalf("ScanClasses: %v", err)
	}
	want := []string{"Greek/character01", "Latin/character01", "Latin/character02", "digits"}
	if got := index.ClassNames(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("class names %v, want %v", got, want)
	}
	if index.Len() != 11 {
		t.Errorf("expected 11 images, got %d", index.Len())
	}
	if d := index.ClassDistribution(); d["Latin/character01"] != 3 || d["digits"] != 2 {
		t.Errorf("unexpected distribution %v", d)
	}
	files := index.Files(1)
	if len(files) != 3 || filepath.Base(files[0]) != "a.png" || filepath.Base(files[2]) != "c.png" {
		t.Errorf("files should be sorted, got %v", files)
	}
	if s := index.String(); !strings.Contains(s, "11 images, 4 classes") {
		t.Errorf("unexpected summary %q", s)
	}
}

func TestScanClassesErrors(t *testing.T) {
	if _, err := ScanClasses(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("expected error for missing root")
	}
	if _, err := ScanClasses(t.TempDir(), nil); err == nil {
		t.Error("expected error for root without images")
	}
}

func TestLoadPoolPadsAndTruncates(t *testing.T) {
	root := omniglotTree(t, map[string]int{
		"A/c1": 2,
		"A/c2": 5,
	})

	pool, err := LoadPool(root, PoolOptions{ImageSize: 4, PerClass: 3})
	if err != nil {
		t.Fatalf("LoadPool: %v", err)
	}
	if pool.NumClasses() != 2 || pool.PerClass() != 3 {
		t.Fatalf("expected 2 classes of 3, got %d of %d", pool.NumClasses(), pool.PerClass())
	}
	if shape := pool.ImageShape(); len(shape) != 3 || shape[0] != 1 || shape[1] != 4 || shape[2] != 4 {
		t.Errorf("unexpected image shape %v", shape)
	}
	if pool.ClassID(0) != "A/c1" || pool.ClassID(1) != "A/c2" {
		t.Errorf("unexpected class ids %v", pool.ClassIDs())
	}

	batch, err := pool.Gather([]int{0}, [][]int{{0, 1, 2}})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	data := batch.Float32s()
	first, second, third := data[0], data[16], data[32]
	if first == second {
		t.Error("the two files of class 0 should differ")
	}
	if third != first {
		t.Errorf("padding should cycle back to the first file, got %f vs %f", third, first)
	}
	for _, v := range data {
		if v < 0 || v > 1 {
			t.Fatalf("pixel %f outside [0, 1]", v)
		}
	}
}

func TestLoadPoolOptions(t *testing.T) {
	root := omniglotTree(t, map[string]int{"A/c1": 2, "A/c2": 2, "B/c1": 2})

	if _, err := LoadPool(root, PoolOptions{ImageSize: 0, PerClass: 2}); err == nil {
		t.Error("expected error for zero image size")
	}
	if _, err := LoadPool(root, PoolOptions{ImageSize: 4}); err == nil {
		t.Error("expected error for zero per-class count")
	}

	cache := dataloader.NewCacheManager(16, 0)
	opts := PoolOptions{ImageSize: 2, PerClass: 2, MaxClasses: 2, Cache: cache, Invert: true}
	pool, err := LoadPool(root, opts)
	if err != nil {
		t.Fatalf("LoadPool: %v", err)
	}
	if pool.NumClasses() != 2 {
		t.Errorf("MaxClasses should limit classes, got %d", pool.NumClasses())
	}
	if _, err := LoadPool(root, opts); err != nil {
		t.Fatalf("second LoadPool: %v", err)
	}
	if cache.Stats().Hits != 4 {
		t.Errorf("second load should be served from cache, stats %+v", cache.Stats())
	}
}

func TestSplitAndFilterClasses(t *testing.T) {
	root := omniglotTree(t, map[string]int{"A/c1": 1, "A/c2": 1, "B/c1": 1, "B/c2": 1})
	index, err := ScanClasses(root, []string{".png"})
	if err != nil {
		t.Fatalf("ScanClasses: %v", err)
	}

	train, test := index.SplitClasses(0.75, rand.New(rand.NewSource(1)))
	if train.NumClasses() != 3 || test.NumClasses() != 1 {
		t.Fatalf("expected 3/1 split, got %d/%d", train.NumClasses(), test.NumClasses())
	}
	seen := map[string]bool{}
	for _, idx := range []*ClassIndex{train, test} {
		for _, name := range idx.ClassNames() {
			if seen[name] {
				t.Errorf("class %s appears in both splits", name)
			}
			seen[name] = true
		}
	}

	filtered := index.FilterByClass([]string{"B/c2", "A/c1", "nope"})
	if got := strings.Join(filtered.ClassNames(), ","); got != "A/c1,B/c2" {
		t.Errorf("unexpected filtered classes %s", got)
	}
}

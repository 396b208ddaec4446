package dataloader

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestCacheManagerBasicOperations(t *testing.T) {
	cm := NewCacheManager(5, 0)

	if data, ok := cm.Get("missing"); ok || data != nil {
		t.Error("Get should miss on an empty cache")
	}

	testData := []float32{1, 2, 3}
	if err := cm.Put("a", testData); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := cm.Get("a")
	if !ok || len(got) != 3 || got[2] != 3 {
		t.Errorf("unexpected cached value %v", got)
	}

	stats := cm.Stats()
	if stats.Size != 1 || stats.Hits != 1 || stats.Misses != 1 || stats.HitRate != 50 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if s := stats.String(); s != "Cache: 1/5 items, Hits: 1, Misses: 1, Hit Rate: 50.0%" {
		t.Errorf("unexpected stats string %q", s)
	}
}

func TestCacheManagerLRUEviction(t *testing.T) {
	cm := NewCacheManager(3, 1)
	for i := 1; i <= 3; i++ {
		_ = cm.Put(fmt.Sprintf("key%d", i), []float32{float32(i)})
	}

	// Touch key1 so key2 becomes the least recently used.
	if _, ok := cm.Get("key1"); !ok {
		t.Fatal("key1 should exist")
	}
	_ = cm.Put("key4", []float32{4})

	if _, ok := cm.Get("key2"); ok {
		t.Error("key2 should have been evicted")
	}
	for _, key := range []string{"key1", "key3", "key4"} {
		if _, ok := cm.Get(key); !ok {
			t.Errorf("%s should still exist", key)
		}
	}
	if cm.Stats().Size != 3 {
		t.Errorf("expected size 3, got %d", cm.Stats().Size)
	}
}

func TestCacheManagerItemSize(t *testing.T) {
	cm := NewCacheManager(2, 4)
	if err := cm.Put("short", []float32{1}); err == nil {
		t.Error("expected error for wrong item size")
	}
	if err := cm.Put("ok", make([]float32, 4)); err != nil {
		t.Errorf("Put: %v", err)
	}
}

func TestCacheManagerClear(t *testing.T) {
	cm := NewCacheManager(2, 0)
	_ = cm.Put("a", []float32{1})
	cm.Get("a")
	cm.Clear()
	if _, ok := cm.Get("a"); ok {
		t.Error("Clear should drop items")
	}
	if stats := cm.Stats(); stats.Size != 0 || stats.Hits != 1 {
		t.Errorf("Clear should keep cumulative stats, got %+v", stats)
	}
}

func TestCacheManagerConcurrency(t *testing.T) {
	cm := NewCacheManager(50, 0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", (g*100+i)%80)
				if _, ok := cm.Get(key); !ok {
					_ = cm.Put(key, []float32{float32(i)})
				}
			}
		}(g)
	}
	wg.Wait()
	if size := cm.Stats().Size; size > 50 {
		t.Errorf("cache grew past its bound: %d", size)
	}
}

func writePNG(t *testing.T, path string, value uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
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

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	black := filepath.Join(dir, "black.png")
	white := filepath.Join(dir, "white.png")
	writePNG(t, black, 0)
	writePNG(t, white, 255)

	cache := NewCacheManager(10, 4)
	cfg := Config{ImageSize: 2, NumWorkers: 2, CacheManager: cache}

	images, err := LoadImages([]string{white, black, white}, cfg)
	if err != nil {
		t.Fatalf("LoadImages: %v", err)
	}
	if len(images) != 3 || images[0][0] != 1 || images[1][0] != 0 || images[2][0] != 1 {
		t.Errorf("unexpected planes %v", images)
	}
	if cache.Stats().Size != 2 {
		t.Errorf("duplicate paths should be cached once, got %d items", cache.Stats().Size)
	}

	if _, err := LoadImages([]string{black}, cfg); err != nil {
		t.Fatalf("LoadImages: %v", err)
	}
	if cache.Stats().Hits != 1 {
		t.Errorf("second load should hit the cache, stats %+v", cache.Stats())
	}

	inverted := cfg
	inverted.Invert = true
	images, err = LoadImages([]string{black}, inverted)
	if err != nil {
		t.Fatalf("LoadImages: %v", err)
	}
	if images[0][0] != 1 {
		t.Errorf("inverted rendition should be cached separately, got %v", images[0])
	}

	if _, err := LoadImages([]string{filepath.Join(dir, "missing.png")}, cfg); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadImages(nil, Config{}); err == nil {
		t.Error("expected error for zero image size")
	}
}

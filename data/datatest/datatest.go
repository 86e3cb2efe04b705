// Package datatest writes small COCO-format datasets for tests.
package datatest

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/YuminosukeSato/detrain/config"
)

// Options shapes the generated dataset.
type Options struct {
	Images  int
	Classes int
	// Size is the side of the square source images.
	Size int
	// Scale is the side of the network input.
	Scale int
	// Empty leaves every Empty-th image (1-based) without annotations.
	Empty int
}

// WriteCOCO writes Images PNG files and an annotation file under dir and
// returns the matching data source. Image i carries one object of class
// i%Classes whose box position depends on i, painted in a class-specific
// color so that a model can actually learn the mapping.
func WriteCOCO(t testing.TB, dir string, opts Options) config.DataSource {
	t.Helper()
	if opts.Size == 0 {
		opts.Size = 16
	}
	if opts.Scale == 0 {
		opts.Scale = 4
	}
	if opts.Classes == 0 {
		opts.Classes = 2
	}

	imgDir := filepath.Join(dir, "images")
	if err := os.MkdirAll(imgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	type img struct {
		ID       int    `json:"id"`
		FileName string `json:"file_name"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	}
	type ann struct {
		ID         int        `json:"id"`
		ImageID    int        `json:"image_id"`
		CategoryID int        `json:"category_id"`
		BBox       [4]float64 `json:"bbox"`
		Area       float64    `json:"area"`
		IsCrowd    int        `json:"iscrowd"`
	}
	type cat struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	doc := struct {
		Images      []img `json:"images"`
		Annotations []ann `json:"annotations"`
		Categories  []cat `json:"categories"`
	}{}

	for c := 0; c < opts.Classes; c++ {
		// sparse ids like COCO
		doc.Categories = append(doc.Categories, cat{ID: 10 + 3*c, Name: fmt.Sprintf("class_%d", c)})
	}

	s := opts.Size
	for i := 0; i < opts.Images; i++ {
		name := fmt.Sprintf("%06d.png", i)
		id := 1000 + i
		doc.Images = append(doc.Images, img{ID: id, FileName: name, Width: s, Height: s})

		class := i % opts.Classes
		x0, y0 := (i%2)*s/2, ((i/2)%2)*s/2
		w, h := s/2, s/2
		empty := opts.Empty > 0 && (i+1)%opts.Empty == 0
		writePNG(t, filepath.Join(imgDir, name), s, class, opts.Classes, x0, y0, w, h, empty)
		if empty {
			continue
		}
		doc.Annotations = append(doc.Annotations, ann{
			ID:         len(doc.Annotations) + 1,
			ImageID:    id,
			CategoryID: doc.Categories[class].ID,
			BBox:       [4]float64{float64(x0), float64(y0), float64(w), float64(h)},
			Area:       float64(w * h),
		})
	}

	annPath := filepath.Join(dir, "annotations.json")
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(annPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return config.DataSource{
		AnnFile:   annPath,
		ImgPrefix: imgDir,
		ImgScale:  []int{opts.Scale, opts.Scale},
		Mean:      []float64{127.5, 127.5, 127.5},
		Std:       []float64{127.5, 127.5, 127.5},
	}
}

func writePNG(t testing.TB, path string, size, class, classes, x0, y0, w, h int, empty bool) {
	t.Helper()
	m := image.NewRGBA(image.Rect(0, 0, size, size))
	shade := uint8(255 * (class + 1) / (classes + 1))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.RGBA{A: 255}
			if !empty && x >= x0 && x < x0+w && y >= y0 && y < y0+h {
				c = color.RGBA{R: shade, G: 255 - shade, B: 128, A: 255}
			}
			m.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, m); err != nil {
		t.Fatal(err)
	}
}

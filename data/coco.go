// Package data builds the annotated image dataset of a run and the
// per-worker loaders that shard it across ranks.
package data

import (
	"encoding/json"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/image/draw"

	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/preprocessing"
)

// Box is an axis-aligned box [x1, y1, x2, y2] in image-relative
// coordinates, each in [0, 1].
type Box [4]float64

// Object is one ground-truth instance. Label 0 is background; object classes
// are 1..NumClasses.
type Object struct {
	Label int
	Box   Box
	Crowd bool
}

// Sample is one decoded, normalized image with its targets. Target is the
// largest non-crowd object, or background when the image has none.
type Sample struct {
	ImageID int
	Pixels  []float64
	Target  Object
	Objects []Object
}

// Dataset is random access over samples.
type Dataset interface {
	Len() int
	Sample(i int) (Sample, error)
	InputDim() int
	NumClasses() int
	ClassNames() []string
}

type cocoFile struct {
	Images []struct {
		ID       int    `json:"id"`
		FileName string `json:"file_name"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	} `json:"images"`
	Annotations []struct {
		ImageID    int        `json:"image_id"`
		CategoryID int        `json:"category_id"`
		BBox       [4]float64 `json:"bbox"`
		IsCrowd    int        `json:"iscrowd"`
	} `json:"annotations"`
	Categories []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"categories"`
}

type record struct {
	id      int
	file    string
	width   int
	height  int
	objects []Object
}

// COCO is a dataset in COCO detection format. Images are decoded lazily on
// Sample, resized to the configured scale and normalized per channel.
type COCO struct {
	records []record
	classes []string
	height  int
	width   int
	scaler  *preprocessing.ChannelScaler
}

// BuildDataset reads the annotation file of src. Category ids are mapped, in
// ascending order, to labels 1..n; n must not exceed numClasses.
func BuildDataset(src config.DataSource, numClasses int) (*COCO, error) {
	raw, err := os.ReadFile(src.AnnFile)
	if err != nil {
		return nil, errors.NewConfigurationError("ann_file", "cannot read annotations: "+err.Error(), src.AnnFile)
	}
	var f cocoFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.NewConfigurationError("ann_file", "malformed annotations: "+err.Error(), src.AnnFile)
	}
	if len(f.Images) == 0 {
		return nil, errors.Wrapf(errors.ErrEmptyData, "%s has no images", src.AnnFile)
	}

	sort.Slice(f.Categories, func(i, j int) bool { return f.Categories[i].ID < f.Categories[j].ID })
	if len(f.Categories) > numClasses {
		return nil, errors.NewConfigurationError("model.num_classes",
			"annotation file declares more categories", len(f.Categories))
	}
	labelOf := make(map[int]int, len(f.Categories))
	classes := make([]string, 0, len(f.Categories))
	for i, c := range f.Categories {
		labelOf[c.ID] = i + 1
		classes = append(classes, c.Name)
	}

	scaler, err := preprocessing.NewChannelScaler(src.Mean, src.Std)
	if err != nil {
		return nil, err
	}

	byImage := make(map[int]int, len(f.Images))
	records := make([]record, len(f.Images))
	for i, im := range f.Images {
		byImage[im.ID] = i
		records[i] = record{id: im.ID, file: filepath.Join(src.ImgPrefix, im.FileName), width: im.Width, height: im.Height}
	}

	ignored := 0
	for _, a := range f.Annotations {
		idx, ok := byImage[a.ImageID]
		label, known := labelOf[a.CategoryID]
		if !ok || !known || a.BBox[2] <= 0 || a.BBox[3] <= 0 {
			ignored++
			continue
		}
		r := &records[idx]
		if r.width <= 0 || r.height <= 0 {
			ignored++
			continue
		}
		x, y, w, h := a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3]
		r.objects = append(r.objects, Object{
			Label: label,
			Box: Box{
				clamp01(x / float64(r.width)),
				clamp01(y / float64(r.height)),
				clamp01((x + w) / float64(r.width)),
				clamp01((y + h) / float64(r.height)),
			},
			Crowd: a.IsCrowd != 0,
		})
	}
	if ignored > 0 {
		errors.Warn(errors.NewDataWarning(src.AnnFile, "unknown image or category, empty box, or missing image size", ignored))
	}

	return &COCO{
		records: records,
		classes: classes,
		height:  src.ImgScale[0],
		width:   src.ImgScale[1],
		scaler:  scaler,
	}, nil
}

func (c *COCO) Len() int             { return len(c.records) }
func (c *COCO) InputDim() int        { return c.height * c.width * 3 }
func (c *COCO) NumClasses() int      { return len(c.classes) }
func (c *COCO) ClassNames() []string { return append([]string(nil), c.classes...) }

// Scaler returns the normalization applied to pixels.
func (c *COCO) Scaler() *preprocessing.ChannelScaler { return c.scaler }

// ImageSize returns the network input size as (height, width).
func (c *COCO) ImageSize() (int, int) { return c.height, c.width }

// Sample decodes image i.
func (c *COCO) Sample(i int) (Sample, error) {
	if i < 0 || i >= len(c.records) {
		return Sample{}, errors.NewValueError("COCO.Sample", "index out of range")
	}
	r := c.records[i]
	pixels, err := c.load(r.file)
	if err != nil {
		return Sample{}, err
	}
	objects := append([]Object(nil), r.objects...)
	return Sample{
		ImageID: r.id,
		Pixels:  pixels,
		Target:  primary(objects),
		Objects: objects,
	}, nil
}

func (c *COCO) load(path string) ([]float64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	defer fh.Close()

	src, _, err := image.Decode(fh)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}
	dst := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	pixels := make([]float64, 0, c.InputDim())
	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			p := dst.RGBAAt(x, y)
			pixels = append(pixels, float64(p.R), float64(p.G), float64(p.B))
		}
	}
	if err := c.scaler.Transform(pixels, pixels); err != nil {
		return nil, err
	}
	return pixels, nil
}

// Denormalize converts network input pixels back to an RGBA image.
func (c *COCO) Denormalize(pixels []float64) (*image.RGBA, error) {
	if len(pixels) != c.InputDim() {
		return nil, errors.NewDimensionError("COCO.Denormalize", c.InputDim(), len(pixels), 1)
	}
	raw := make([]float64, len(pixels))
	if err := c.scaler.InverseTransform(raw, pixels); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			o := (y*c.width + x) * 3
			img.SetRGBA(x, y, color.RGBA{R: toByte(raw[o]), G: toByte(raw[o+1]), B: toByte(raw[o+2]), A: 255})
		}
	}
	return img, nil
}

// primary picks the largest non-crowd object.
func primary(objects []Object) Object {
	best := Object{}
	bestArea := 0.0
	for _, o := range objects {
		if o.Crowd {
			continue
		}
		if a := o.Box.Area(); a > bestArea {
			best, bestArea = o, a
		}
	}
	return best
}

// Area of the box.
func (b Box) Area() float64 {
	w := b[2] - b[0]
	h := b[3] - b[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

func toByte(v float64) uint8 {
	return uint8(max(0, min(255, v+0.5)))
}

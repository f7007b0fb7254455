// Package compositor crops, color-corrects and frames a photo into a print-ready JPEG.
package compositor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"printframe/pkg/domain"
)

var (
	// ErrInvalidCrop is returned when a crop rectangle is empty or leaves the source bounds.
	ErrInvalidCrop = errors.New("invalid crop region")
	// ErrDecode is returned when the input is not a supported image.
	ErrDecode = errors.New("decode image")
)

// Layout describes the frame geometry. Output dimensions depend only on the
// layout and the photo orientation.
type Layout struct {
	// Long and short canvas edges in pixels (8x10 in at 300 dpi by default).
	LongEdge  int
	ShortEdge int
	// OuterMargin is the white border as a fraction of the canvas short edge.
	OuterMargin float64
	// MatRatio is the mat width as a fraction of the photo's short edge.
	MatRatio float64
	// MatDarken scales the dominant photo color to get the mat color.
	MatDarken   float64
	JPEGQuality int
}

// DefaultLayout is an 8x10 in print with an 8% white margin and a 6% mat.
func DefaultLayout() Layout {
	return Layout{
		LongEdge:    3000,
		ShortEdge:   2400,
		OuterMargin: 0.08,
		MatRatio:    0.06,
		MatDarken:   0.7,
		JPEGQuality: 95,
	}
}

// Geometry is the resolved set of rectangles for one orientation.
type Geometry struct {
	CanvasWidth, CanvasHeight int
	Margin                    int
	MatWidth, MatHeight       int
	PhotoWidth, PhotoHeight   int
}

// Resolve computes frame geometry for a portrait or landscape photo.
func (l Layout) Resolve(portrait bool) Geometry {
	g := Geometry{CanvasWidth: l.LongEdge, CanvasHeight: l.ShortEdge}
	if portrait {
		g.CanvasWidth, g.CanvasHeight = l.ShortEdge, l.LongEdge
	}
	g.Margin = int(math.Round(l.OuterMargin * float64(min(g.CanvasWidth, g.CanvasHeight))))
	g.MatWidth = g.CanvasWidth - 2*g.Margin
	g.MatHeight = g.CanvasHeight - 2*g.Margin
	// inner short edge = photo short edge * (1 + 2*ratio)
	border := int(math.Round(float64(min(g.MatWidth, g.MatHeight)) * l.MatRatio / (1 + 2*l.MatRatio)))
	g.PhotoWidth = g.MatWidth - 2*border
	g.PhotoHeight = g.MatHeight - 2*border
	return g
}

// Composer renders framed prints with a fixed layout.
type Composer struct {
	layout Layout
}

// New returns a Composer for layout.
func New(layout Layout) *Composer {
	return &Composer{layout: layout}
}

// Compose renders with DefaultLayout.
func Compose(src []byte, adj domain.ColorAdjustment, crop *domain.CropRegion) ([]byte, error) {
	return New(DefaultLayout()).Compose(src, adj, crop)
}

// Compose decodes src, applies the crop before any color work, then renders the frame.
func (c *Composer) Compose(src []byte, adj domain.ColorAdjustment, crop *domain.CropRegion) ([]byte, error) {
	img, err := Decode(src)
	if err != nil {
		return nil, err
	}
	img, err = ApplyCrop(img, crop)
	if err != nil {
		return nil, err
	}
	adjusted := Apply(img, ParamsFor(adj))
	framed := c.Frame(adjusted)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, framed, imaging.JPEG, imaging.JPEGQuality(c.layout.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads src with its EXIF orientation applied, so crops are in
// display coordinates.
func Decode(src []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// CheckCrop reports ErrInvalidCrop unless crop lies within a width x height image.
// A nil crop always fits.
func CheckCrop(crop *domain.CropRegion, width, height int) error {
	if crop == nil {
		return nil
	}
	if crop.Width <= 0 || crop.Height <= 0 || crop.X < 0 || crop.Y < 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidCrop, *crop)
	}
	if crop.X+crop.Width > width || crop.Y+crop.Height > height {
		return fmt.Errorf("%w: %+v outside %dx%d", ErrInvalidCrop, *crop, width, height)
	}
	return nil
}

// ApplyCrop cuts crop out of img. A nil crop returns img unchanged.
func ApplyCrop(img image.Image, crop *domain.CropRegion) (image.Image, error) {
	if crop == nil {
		return img, nil
	}
	b := img.Bounds()
	if err := CheckCrop(crop, b.Dx(), b.Dy()); err != nil {
		return nil, err
	}
	rect := image.Rect(crop.X, crop.Y, crop.X+crop.Width, crop.Y+crop.Height).Add(b.Min)
	return imaging.Crop(img, rect), nil
}

// Frame places img on a mat and a white canvas.
func (c *Composer) Frame(img image.Image) *image.NRGBA {
	b := img.Bounds()
	g := c.layout.Resolve(b.Dy() > b.Dx())

	photo := imaging.Fill(img, g.PhotoWidth, g.PhotoHeight, imaging.Center, imaging.Lanczos)
	mat := imaging.New(g.MatWidth, g.MatHeight, MatColor(img, c.layout.MatDarken))
	mat = imaging.PasteCenter(mat, photo)

	canvas := imaging.New(g.CanvasWidth, g.CanvasHeight, color.White)
	return imaging.PasteCenter(canvas, mat)
}

// MatColor is the photo's dominant color, averaged over an 8x8 box-filtered
// thumbnail and darkened by factor.
func MatColor(img image.Image, factor float64) color.NRGBA {
	thumb := imaging.Resize(img, 8, 8, imaging.Box)
	var r, g, b float64
	n := 0
	for i := 0; i+3 < len(thumb.Pix); i += 4 {
		r += float64(thumb.Pix[i])
		g += float64(thumb.Pix[i+1])
		b += float64(thumb.Pix[i+2])
		n++
	}
	if n == 0 {
		return color.NRGBA{A: 255}
	}
	scale := factor / float64(n)
	return color.NRGBA{R: clampByte(r * scale), G: clampByte(g * scale), B: clampByte(b * scale), A: 255}
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}

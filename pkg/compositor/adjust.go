package compositor

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"printframe/pkg/domain"
)

// Params are the operation-level values derived from a ColorAdjustment.
type Params struct {
	Brightness float64 // multiplier, [0.5, 2.0]
	Contrast   float64 // multiplier, [0.5, 2.0]
	Saturation float64 // multiplier, [0.0, 2.0]
	WarmthRed  float64 // red gain, [0.75, 1.25]
	WarmthBlue float64 // blue gain, [0.75, 1.25]
	Gamma      float64 // [0.5, 2.0]
}

// ParamsFor maps the -100..100 adjustment scale onto each operation's domain.
func ParamsFor(adj domain.ColorAdjustment) Params {
	a := adj.Clamped()
	return Params{
		Brightness: clamp(1+a.Brightness/200, 0.5, 2.0),
		Contrast:   clamp(1+a.Contrast/100, 0.5, 2.0),
		Saturation: clamp(1+(a.Saturation+a.Vibrance/2)/100, 0.0, 2.0),
		WarmthRed:  clamp(1+a.Warmth/400, 0.75, 1.25),
		WarmthBlue: clamp(1-a.Warmth/400, 0.75, 1.25),
		Gamma:      clamp(1+a.Shadows/200-a.Highlights/400, 0.5, 2.0),
	}
}

// Identity reports whether p leaves pixels unchanged.
func (p Params) Identity() bool {
	return p.Brightness == 1 && p.Contrast == 1 && p.Saturation == 1 &&
		p.WarmthRed == 1 && p.WarmthBlue == 1 && p.Gamma == 1
}

// Apply runs the color pipeline: channel gains, saturation, then tone gamma.
func Apply(img image.Image, p Params) *image.NRGBA {
	gain := p.Brightness * p.Contrast
	out := imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clampByte(float64(c.R) * gain * p.WarmthRed),
			G: clampByte(float64(c.G) * gain),
			B: clampByte(float64(c.B) * gain * p.WarmthBlue),
			A: c.A,
		}
	})
	if p.Saturation != 1 {
		out = imaging.AdjustSaturation(out, (p.Saturation-1)*100)
	}
	if p.Gamma != 1 {
		out = imaging.AdjustGamma(out, p.Gamma)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

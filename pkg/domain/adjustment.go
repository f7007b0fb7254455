package domain

const (
	AdjustmentMin = -100.0
	AdjustmentMax = 100.0
)

// ColorAdjustment is a color recommendation on a signed -100..100 scale.
// It is produced by color analysis and consumed right away by the compositor.
type ColorAdjustment struct {
	Brightness     float64 `json:"brightness"`
	Contrast       float64 `json:"contrast"`
	Saturation     float64 `json:"saturation"`
	Vibrance       float64 `json:"vibrance"`
	Warmth         float64 `json:"warmth"`
	Highlights     float64 `json:"highlights"`
	Shadows        float64 `json:"shadows"`
	Recommendation string  `json:"recommendation"`
}

// NeutralAdjustment is used whenever analysis is unavailable: a small
// brightness and contrast lift, no color shift.
func NeutralAdjustment() ColorAdjustment {
	return ColorAdjustment{
		Brightness:     5,
		Contrast:       5,
		Recommendation: "default adjustment: slight brightness and contrast lift",
	}
}

// Clamped returns a copy with every numeric field inside [AdjustmentMin, AdjustmentMax].
func (a ColorAdjustment) Clamped() ColorAdjustment {
	a.Brightness = ClampAdjustment(a.Brightness)
	a.Contrast = ClampAdjustment(a.Contrast)
	a.Saturation = ClampAdjustment(a.Saturation)
	a.Vibrance = ClampAdjustment(a.Vibrance)
	a.Warmth = ClampAdjustment(a.Warmth)
	a.Highlights = ClampAdjustment(a.Highlights)
	a.Shadows = ClampAdjustment(a.Shadows)
	return a
}

// ClampAdjustment bounds a single value. NaN maps to 0.
func ClampAdjustment(v float64) float64 {
	if v != v {
		return 0
	}
	if v < AdjustmentMin {
		return AdjustmentMin
	}
	if v > AdjustmentMax {
		return AdjustmentMax
	}
	return v
}

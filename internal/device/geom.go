package device

// Geometry is the result of computing one axis (X or Y) of a scan
// window: the offset and length to request from the scanner, in
// pixels at the protocol's reference DPI, plus how many pixels of
// the returned image to drop to honor the original millimetre
// request once the scanner's min/max window clamps have kicked in.
type Geometry struct {
	Off  int // requested offset, in pixels at reference DPI
	Len  int // requested length, in pixels at reference DPI
	Skip int // pixels to skip in the decoded image, at actual resolution
}

// ComputeGeometry implements spec.md §4.5 "Geometric computation":
// given a top-left/bottom-right pair in reference-DPI pixels (already
// converted from millimetres by the caller), the device's min/max
// window length at that axis, and the requested resolution, produce
// the window to request and the skip to apply at read time.
//
// tlPx and brPx are mm-to-pixel conversions at the protocol's
// reference DPI (units); minLen and maxLen are the device's declared
// window bounds in the same units; res and units are both DPI values.
func ComputeGeometry(tlPx, brPx, minLen, maxLen, res, units int) Geometry {
	g := Geometry{
		Off: tlPx,
		Len: brPx - tlPx,
	}

	if minLen < 1 {
		minLen = 1
	}
	g.Len = clamp(g.Len, minLen, maxLen)

	if g.Off+g.Len > maxLen {
		g.Skip = g.Off + g.Len - maxLen
		g.Off -= g.Skip
		g.Skip = muldiv(g.Skip, res, units)
	}

	return g
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func muldiv(v, mul, div int) int {
	if div == 0 {
		return 0
	}
	return (v * mul) / div
}

// MMToPixels converts a millimetre value to pixels at the given
// reference DPI (mm are expressed as abstract.Millimeter-scaled
// integers, i.e. 1/100 mm, matching go-mfp's abstract.Dimension unit).
func MMToPixels(mmHundredths int, dpi int) int {
	// mmHundredths is in 1/100 mm; 1 inch = 2540 (1/100mm).
	return (mmHundredths*dpi + 1270) / 2540
}

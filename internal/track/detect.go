package track

import (
	"math"
	"sort"

	"github.com/lodestar-obs/groundstation/internal/device"
)

// Candidate is one detected spot in a frame, in arcsecond camera
// coordinates: (0,0) at the image centre, x right, y up.
type Candidate struct {
	X, Y      float64
	PxX, PxY  float64 // pixel centroid (column, row)
	Sum       float64 // background-subtracted counts
	Area      int
	AxisRatio float64
}

// detectParams carries the extraction thresholds for one frame.
type detectParams struct {
	minArea      int
	minSum       float64
	maxAxisRatio float64
	sigmaTh      float64
	filtSize     int
	plateScale   float64
}

// maxCandidates bounds the per-frame candidate list. Anything beyond the
// strongest few dozen spots cannot win selection anyway.
const maxCandidates = 32

// detectSpots extracts spot candidates from a frame, strongest first.
// The background level and noise are estimated from a stride-sampled
// global median and median absolute deviation; pixels above
// background + sigmaTh*noise are grouped by 8-connectivity and filtered
// on area, summed counts and elongation.
func detectSpots(f device.Frame, p detectParams) []Candidate {
	if f.Width <= 0 || f.Height <= 0 || len(f.Pix) < f.Width*f.Height {
		return nil
	}
	bg, noise := backgroundStats(f.Pix, p.filtSize)
	if noise < 1 {
		noise = 1
	}
	threshold := bg + p.sigmaTh*noise

	w, h := f.Width, f.Height
	visited := make([]bool, w*h)
	var comp []int32
	queue := make([]int32, 0, 256)
	var out []Candidate

	for start := 0; start < w*h; start++ {
		if visited[start] || float64(f.Pix[start]) <= threshold {
			continue
		}
		// Flood fill the component.
		comp = comp[:0]
		queue = append(queue[:0], int32(start))
		visited[start] = true
		for len(queue) > 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			comp = append(comp, idx)
			x := int(idx) % w
			y := int(idx) / w
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					n := int32(ny*w + nx)
					if visited[n] || float64(f.Pix[n]) <= threshold {
						continue
					}
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}

		if len(comp) < p.minArea {
			continue
		}
		var sum, wx, wy float64
		for _, idx := range comp {
			v := float64(f.Pix[idx]) - bg
			sum += v
			wx += v * float64(int(idx)%w)
			wy += v * float64(int(idx)/w)
		}
		if sum < p.minSum || sum <= 0 {
			continue
		}
		cx := wx / sum
		cy := wy / sum
		var mxx, myy, mxy float64
		for _, idx := range comp {
			v := float64(f.Pix[idx]) - bg
			dx := float64(int(idx)%w) - cx
			dy := float64(int(idx)/w) - cy
			mxx += v * dx * dx
			myy += v * dy * dy
			mxy += v * dx * dy
		}
		ratio := axisRatio(mxx/sum, myy/sum, mxy/sum)
		if p.maxAxisRatio > 0 && ratio > p.maxAxisRatio {
			continue
		}
		out = append(out, Candidate{
			X:         (cx - float64(w-1)/2) * p.plateScale,
			Y:         (float64(h-1)/2 - cy) * p.plateScale, // image rows grow downward
			PxX:       cx,
			PxY:       cy,
			Sum:       sum,
			Area:      len(comp),
			AxisRatio: ratio,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Sum > out[j].Sum })
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out
}

// backgroundStats returns the stride-sampled median and the scaled
// median absolute deviation of the pixel values. The stride keeps the
// sort cheap at frame rate; spots occupy too few samples to move a
// median.
func backgroundStats(pix []uint16, stride int) (bg, noise float64) {
	if stride < 1 {
		stride = 1
	}
	sample := make([]float64, 0, len(pix)/stride+1)
	for i := 0; i < len(pix); i += stride {
		sample = append(sample, float64(pix[i]))
	}
	med := median(sample)
	for i, v := range sample {
		sample[i] = math.Abs(v - med)
	}
	// 1.4826 scales the MAD to a gaussian standard deviation.
	return med, 1.4826 * median(sample)
}

// median sorts in place.
func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sort.Float64s(v)
	mid := len(v) / 2
	if len(v)%2 == 1 {
		return v[mid]
	}
	return (v[mid-1] + v[mid]) / 2
}

// axisRatio converts second central moments to the major/minor axis
// ratio. Degenerate (line-like) components report +Inf.
func axisRatio(mxx, myy, mxy float64) float64 {
	tr := (mxx + myy) / 2
	d := math.Sqrt((mxx-myy)*(mxx-myy)/4 + mxy*mxy)
	lMax := tr + d
	lMin := tr - d
	if lMin <= 1e-12 {
		if lMax <= 1e-12 {
			return 1
		}
		return math.Inf(1)
	}
	return math.Sqrt(lMax / lMin)
}

package align

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lodestar-obs/groundstation/internal/units"
)

// Observation is one auto-alignment sample: the commanded mount position
// and the plate-solved sky direction actually seen there. Unsolved samples
// keep their slot so pairing by grid index stays meaningful.
type Observation struct {
	Index  int       `json:"index"`
	COM    Position  `json:"com"`
	RA     float64   `json:"ra,omitempty"`
	Dec    float64   `json:"dec,omitempty"`
	Dir    Vec3      `json:"dir,omitempty"` // ITRF unit vector
	Solved bool      `json:"solved"`
	At     time.Time `json:"at"`
}

// FitReport carries the fitted correction terms and their scatter, plus
// per-point pointing residuals, for logging and persistence.
type FitReport struct {
	MzSpreadDeg   float64         `json:"mz_spread_deg"`
	MySpreadDeg   float64         `json:"my_spread_deg"`
	Alt0Deg       float64         `json:"alt0_deg"`
	Alt0SpreadDeg float64         `json:"alt0_spread_deg"`
	Cvd           float64         `json:"cvd"`
	CvdSpread     float64         `json:"cvd_spread"`
	CnpDeg        float64         `json:"cnp_deg"`
	CnpSpreadDeg  float64         `json:"cnp_spread_deg"`
	Residuals     []PointResidual `json:"residuals"`
	UsedPoints    int             `json:"used_points"`
	TotalPoints   int             `json:"total_points"`
}

// PointResidual is the pointing error of one solved sample under the
// fitted model, in arcseconds.
type PointResidual struct {
	Index    int     `json:"index"`
	DAltAsec float64 `json:"dalt_asec"`
	DAziAsec float64 `json:"dazi_asec"`
}

const pairMatchTolDeg = 1e-6

// opposingPairs returns index pairs whose commanded points share an
// altitude with azimuths 180 degrees apart. Summing the two pointing
// vectors of such a pair cancels the horizontal component and leaves the
// mount Z axis.
func opposingPairs(points []Position) [][2]int {
	return matchPairs(points, func(a, b Position) bool {
		dAzi := math.Abs(units.WrapTo180(a.Azi - b.Azi))
		return math.Abs(a.Alt-b.Alt) < pairMatchTolDeg &&
			math.Abs(dAzi-180) < pairMatchTolDeg
	})
}

// altitudePairs returns index pairs sharing an azimuth at two different
// altitudes. They isolate the altitude scale and the axis
// non-perpendicularity.
func altitudePairs(points []Position) [][2]int {
	return matchPairs(points, func(a, b Position) bool {
		return math.Abs(units.WrapTo180(a.Azi-b.Azi)) < pairMatchTolDeg &&
			math.Abs(a.Alt-b.Alt) > pairMatchTolDeg
	})
}

func matchPairs(points []Position, match func(a, b Position) bool) [][2]int {
	var pairs [][2]int
	used := make([]bool, len(points))
	for i := range points {
		if used[i] {
			continue
		}
		for j := i + 1; j < len(points); j++ {
			if used[j] {
				continue
			}
			if match(points[i], points[j]) {
				pairs = append(pairs, [2]int{i, j})
				used[i], used[j] = true, true
				break
			}
		}
	}
	return pairs
}

// fitModel fits the mount axis rotation and correction terms to a set of
// observations and returns a new model based on base. base must be
// located. The fit needs at least two opposing pairs and two altitude
// pairs with both samples solved; otherwise ErrInsufficientSamples.
func fitModel(base Model, obs []Observation, now time.Time) (Model, FitReport, error) {
	if !base.Located {
		return Model{}, FitReport{}, ErrNotLocated
	}

	points := make([]Position, len(obs))
	solved := make([]bool, len(obs))
	nSolved := 0
	for i, o := range obs {
		points[i] = o.COM
		solved[i] = o.Solved
		if o.Solved {
			nSolved++
		}
	}

	// Mount Z axis from opposing pairs.
	var mzList []Vec3
	for _, p := range opposingPairs(points) {
		if solved[p[0]] && solved[p[1]] {
			mzList = append(mzList, obs[p[0]].Dir.Add(obs[p[1]].Dir).Unit())
		}
	}
	if len(mzList) < 2 {
		return Model{}, FitReport{}, fmt.Errorf("%d opposing pairs solved: %w", len(mzList), ErrInsufficientSamples)
	}
	var mzSum Vec3
	for _, v := range mzList {
		mzSum = mzSum.Add(v)
	}
	mz := mzSum.Unit()
	mzSpread := angularSpreadDeg(mz, mzList)

	// Per-sample altitude above the mount equator and the horizontal
	// projection of the pointing vector.
	altMeas := make([]float64, len(obs))
	vPerp := make([]Vec3, len(obs))
	for i, o := range obs {
		if !o.Solved {
			continue
		}
		altMeas[i] = 90 - math.Acos(clampUnit(mz.Dot(o.Dir)))*180/math.Pi
		vPerp[i] = o.Dir.Sub(mz.Scale(mz.Dot(o.Dir))).Unit()
	}

	// Altitude scale from pairs at the same azimuth.
	altPairs := altitudePairs(points)
	var cvdList []float64
	for _, p := range altPairs {
		if solved[p[0]] && solved[p[1]] {
			cvdList = append(cvdList,
				(points[p[0]].Alt-points[p[1]].Alt)/(altMeas[p[0]]-altMeas[p[1]])-1)
		}
	}
	if len(cvdList) < 2 {
		return Model{}, FitReport{}, fmt.Errorf("%d altitude pairs solved: %w", len(cvdList), ErrInsufficientSamples)
	}
	cvd := stat.Mean(cvdList, nil)
	cvdSpread := stat.StdDev(cvdList, nil)

	// Altitude offset from every solved sample.
	var alt0List []float64
	for i, o := range obs {
		if o.Solved {
			alt0List = append(alt0List, o.COM.Alt-(1+cvd)*altMeas[i])
		}
	}
	alt0 := stat.Mean(alt0List, nil)
	alt0Spread := stat.StdDev(alt0List, nil)

	// Axis non-perpendicularity from the azimuthal separation of each
	// altitude pair.
	var cnpList []float64
	for _, p := range altPairs {
		if !solved[p[0]] || !solved[p[1]] {
			continue
		}
		dAzi := math.Asin(clampUnit(mz.Dot(vPerp[p[0]].Cross(vPerp[p[1]])))) * 180 / math.Pi
		cnpList = append(cnpList,
			dAzi/(math.Tan(altMeas[p[0]]*math.Pi/180)-math.Tan(altMeas[p[1]]*math.Pi/180)))
	}
	cnp := stat.Mean(cnpList, nil)
	cnpSpread := stat.StdDev(cnpList, nil)

	// Mount Y axis: rotate each horizontal projection back by the mount
	// azimuth it should have been seen at.
	var myList []Vec3
	var mySum Vec3
	for i, o := range obs {
		if !o.Solved {
			continue
		}
		aziBack := (o.COM.Azi + cnp*math.Tan(altMeas[i]*math.Pi/180)) * math.Pi / 180
		v := vPerp[i].Scale(math.Cos(aziBack)).Add(mz.Cross(vPerp[i]).Scale(math.Sin(aziBack)))
		myList = append(myList, v)
		mySum = mySum.Add(v)
	}
	my := mySum.Unit()
	mySpread := angularSpreadDeg(my, myList)
	mx := my.Cross(mz)

	next := base
	next.ITRFToMNT = Mat3{mx, my, mz}
	next.Alt0, next.Cvd, next.Cnp = alt0, cvd, cnp
	next.Aligned = true
	next.FittedAt = now

	rep := FitReport{
		MzSpreadDeg:   mzSpread,
		MySpreadDeg:   mySpread,
		Alt0Deg:       alt0,
		Alt0SpreadDeg: alt0Spread,
		Cvd:           cvd,
		CvdSpread:     cvdSpread,
		CnpDeg:        cnp,
		CnpSpreadDeg:  cnpSpread,
		UsedPoints:    nSolved,
		TotalPoints:   len(obs),
	}
	for i, o := range obs {
		if !o.Solved {
			continue
		}
		pred, err := next.COMFromITRF(o.Dir)
		if err != nil {
			return Model{}, FitReport{}, err
		}
		rep.Residuals = append(rep.Residuals, PointResidual{
			Index:    i,
			DAltAsec: (pred.Alt - o.COM.Alt) * 3600,
			DAziAsec: units.WrapTo180(pred.Azi-o.COM.Azi) * 3600,
		})
	}
	return next, rep, nil
}

// angularSpreadDeg is the sample scatter of unit vectors around their
// mean direction, in degrees.
func angularSpreadDeg(mean Vec3, vs []Vec3) float64 {
	if len(vs) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		d := math.Acos(clampUnit(mean.Dot(v))) * 180 / math.Pi
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vs)-1))
}

// ApplyObservations fits a new pointing model from auto-alignment samples
// and installs it atomically. On any error the prior model is untouched.
func (a *Alignment) ApplyObservations(obs []Observation, now time.Time) (*FitReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.model.Load()
	next, rep, err := fitModel(*cur, obs, now)
	if err != nil {
		return nil, err
	}
	a.model.Store(&next)
	return &rep, nil
}

package regression

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// degenerateEpsilon bounds denominators and determinants treated as zero.
const degenerateEpsilon = 1e-10

// Point is one (temperature, energy-like) sample.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Fit is the immutable outcome of fitting one family. Model.Kind() is the
// family actually used, which differs from Requested after a fallback.
type Fit struct {
	Requested      Kind
	Model          Model
	RSquared       float64
	Points         int
	FallbackReason string
}

// Kind returns the family that was actually fitted.
func (f *Fit) Kind() Kind { return f.Model.Kind() }

// FellBack reports whether the requested family was replaced by linear.
func (f *Fit) FellBack() bool { return f.Model.Kind() != f.Requested }

func (f *Fit) String() string {
	s := fmt.Sprintf("%s: %s (R²=%.4f, n=%d)", f.Requested, f.Model.Equation(), f.RSquared, f.Points)
	if f.FellBack() {
		s += " [fallback: " + f.FallbackReason + "]"
	}
	return s
}

// FitModel fits the requested family to points by closed-form least squares.
//
// Quadratic, logarithmic and exponential fits fall back to linear on the
// original points when their own fit is impossible; the returned Fit records
// the substitution. A FitError is returned only when no fallback exists.
// Quadratic needs at least 4 points with 3 distinct x values; fewer fall back
// to linear, since 3 points would be interpolated exactly rather than fitted.
func FitModel(points []Point, kind Kind) (*Fit, error) {
	if len(points) == 0 {
		return nil, &ValidationError{Field: "points", Reason: "at least one point is required", Err: ErrInsufficientData}
	}
	if err := ValidatePoints(points); err != nil {
		return nil, err
	}
	if len(points) < 2 {
		return nil, &FitError{Kind: kind, Err: fmt.Errorf("%w: need at least 2, got %d", ErrInsufficientData, len(points))}
	}

	switch kind {
	case KindLinear:
		return fitLinear(points, KindLinear, "")
	case KindQuadratic:
		return fitQuadratic(points)
	case KindLogarithmic:
		return fitLogarithmic(points)
	case KindExponential:
		return fitExponential(points)
	default:
		return nil, &ValidationError{Field: "family", Reason: fmt.Sprintf("unknown model family %d", int(kind))}
	}
}

// ValidatePoints rejects NaN and infinite coordinates.
func ValidatePoints(points []Point) error {
	for i, p := range points {
		if !isFinite(p.X) || !isFinite(p.Y) {
			return &ValidationError{
				Field:  fmt.Sprintf("points[%d]", i),
				Reason: "x and y must be finite",
				Err:    ErrNonFinite,
			}
		}
	}
	return nil
}

func fitLinear(points []Point, requested Kind, reason string) (*Fit, error) {
	xs, ys := split(points)
	slope, intercept, err := leastSquares(xs, ys)
	if err != nil {
		if reason != "" {
			err = fmt.Errorf("%s; linear fallback: %w", reason, err)
		}
		return nil, &FitError{Kind: requested, Err: err}
	}

	m := Linear{Slope: slope, Intercept: intercept}
	return &Fit{
		Requested:      requested,
		Model:          m,
		RSquared:       rSquared(m, points),
		Points:         len(points),
		FallbackReason: reason,
	}, nil
}

func fitQuadratic(points []Point) (*Fit, error) {
	n := len(points)
	if n < 4 {
		return fitLinear(points, KindQuadratic, fmt.Sprintf("quadratic needs at least 4 points, got %d", n))
	}
	if d := distinctX(points); d < 3 {
		return fitLinear(points, KindQuadratic, fmt.Sprintf("quadratic needs at least 3 distinct x values, got %d", d))
	}

	var sx, sx2, sx3, sx4, sy, sxy, sx2y float64
	for _, p := range points {
		x2 := p.X * p.X
		sx += p.X
		sx2 += x2
		sx3 += x2 * p.X
		sx4 += x2 * x2
		sy += p.Y
		sxy += p.X * p.Y
		sx2y += x2 * p.Y
	}

	// Normal equations for [a b c] in y = a·x² + b·x + c.
	a := mat.NewDense(3, 3, []float64{
		sx4, sx3, sx2,
		sx3, sx2, sx,
		sx2, sx, float64(n),
	})
	rhs := mat.NewVecDense(3, []float64{sx2y, sxy, sy})

	if math.Abs(mat.Det(a)) < degenerateEpsilon {
		return fitLinear(points, KindQuadratic, "singular normal equations")
	}

	var coef mat.VecDense
	if err := coef.SolveVec(a, rhs); err != nil {
		return fitLinear(points, KindQuadratic, fmt.Sprintf("ill-conditioned normal equations: %v", err))
	}

	m := Quadratic{A: coef.AtVec(0), B: coef.AtVec(1), C: coef.AtVec(2)}
	if !isFinite(m.A) || !isFinite(m.B) || !isFinite(m.C) {
		return fitLinear(points, KindQuadratic, "non-finite quadratic coefficients")
	}

	return &Fit{
		Requested: KindQuadratic,
		Model:     m,
		RSquared:  rSquared(m, points),
		Points:    n,
	}, nil
}

func fitLogarithmic(points []Point) (*Fit, error) {
	var kept []Point
	var lx, ys []float64
	for _, p := range points {
		if p.X <= 0 {
			continue
		}
		kept = append(kept, p)
		lx = append(lx, math.Log(p.X))
		ys = append(ys, p.Y)
	}
	if len(kept) < 2 {
		return fitLinear(points, KindLogarithmic, fmt.Sprintf("only %d of %d points have x > 0", len(kept), len(points)))
	}

	a, b, err := leastSquares(lx, ys)
	if err != nil {
		return fitLinear(points, KindLogarithmic, fmt.Sprintf("logarithmic fit: %v", err))
	}

	m := Logarithmic{A: a, B: b}
	return &Fit{
		Requested: KindLogarithmic,
		Model:     m,
		RSquared:  rSquared(m, kept),
		Points:    len(kept),
	}, nil
}

func fitExponential(points []Point) (*Fit, error) {
	var kept []Point
	var xs, ly []float64
	for _, p := range points {
		if p.Y <= 0 {
			continue
		}
		kept = append(kept, p)
		xs = append(xs, p.X)
		ly = append(ly, math.Log(p.Y))
	}
	if len(kept) < 2 {
		return fitLinear(points, KindExponential, fmt.Sprintf("only %d of %d points have y > 0", len(kept), len(points)))
	}

	b, lnA, err := leastSquares(xs, ly)
	if err != nil {
		return fitLinear(points, KindExponential, fmt.Sprintf("exponential fit: %v", err))
	}

	m := Exponential{A: math.Exp(lnA), B: b}
	if !isFinite(m.A) {
		return fitLinear(points, KindExponential, "exponential intercept overflowed")
	}

	return &Fit{
		Requested: KindExponential,
		Model:     m,
		RSquared:  rSquared(m, kept),
		Points:    len(kept),
	}, nil
}

// leastSquares returns slope and intercept of y = slope·x + intercept.
func leastSquares(xs, ys []float64) (slope, intercept float64, err error) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumX2 float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumX2 += xs[i] * xs[i]
	}

	denominator := n*sumX2 - sumX*sumX
	if math.Abs(denominator) < degenerateEpsilon {
		return 0, 0, fmt.Errorf("%w: all x values are equal", ErrDegenerate)
	}

	slope = (n*sumXY - sumX*sumY) / denominator
	intercept = (sumY - slope*sumX) / n
	return slope, intercept, nil
}

// rSquared is 1 - SSres/SStot over pts in the untransformed response space.
// Constant responses make the ratio undefined; those report 0.
func rSquared(m Model, pts []Point) float64 {
	estimates := make([]float64, len(pts))
	values := make([]float64, len(pts))
	for i, p := range pts {
		estimates[i] = m.Eval(p.X)
		values[i] = p.Y
	}
	r2 := stat.RSquaredFrom(estimates, values, nil)
	if !isFinite(r2) {
		return 0
	}
	return r2
}

func split(points []Point) (xs, ys []float64) {
	xs = make([]float64, len(points))
	ys = make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.X
		ys[i] = p.Y
	}
	return xs, ys
}

func distinctX(points []Point) int {
	seen := make(map[float64]struct{}, len(points))
	for _, p := range points {
		seen[p.X] = struct{}{}
	}
	return len(seen)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

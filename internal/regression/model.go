package regression

import (
	"fmt"
	"math"
	"strings"
)

// Kind identifies a regression model family.
type Kind int

const (
	KindLinear Kind = iota
	KindQuadratic
	KindLogarithmic
	KindExponential
)

// Kinds lists every family in canonical order. Ranking ties resolve in this order.
var Kinds = []Kind{KindLinear, KindQuadratic, KindLogarithmic, KindExponential}

var kindNames = map[Kind]string{
	KindLinear:      "linear",
	KindQuadratic:   "quadratic",
	KindLogarithmic: "logarithmic",
	KindExponential: "exponential",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind returns the Kind for a family name, case-insensitively.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown model family %q (want linear, quadratic, logarithmic or exponential)", name)
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown model family %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Model is a fitted curve y = f(x). The set of implementations is closed:
// Linear, Quadratic, Logarithmic and Exponential.
type Model interface {
	Kind() Kind
	// Eval returns f(x). It may return NaN where the family is undefined.
	Eval(x float64) float64
	Equation() string
	// Params returns the named coefficients of the family.
	Params() map[string]float64
	sealed()
}

// Linear is y = Slope·x + Intercept.
type Linear struct {
	Slope     float64
	Intercept float64
}

func (Linear) Kind() Kind { return KindLinear }

func (m Linear) Eval(x float64) float64 { return m.Slope*x + m.Intercept }

func (m Linear) Equation() string {
	return fmt.Sprintf("y = %.5gx %s", m.Slope, signed(m.Intercept))
}

func (m Linear) Params() map[string]float64 {
	return map[string]float64{"slope": m.Slope, "intercept": m.Intercept}
}

func (Linear) sealed() {}

// Quadratic is y = A·x² + B·x + C.
type Quadratic struct {
	A, B, C float64
}

func (Quadratic) Kind() Kind { return KindQuadratic }

func (m Quadratic) Eval(x float64) float64 { return m.A*x*x + m.B*x + m.C }

func (m Quadratic) Equation() string {
	return fmt.Sprintf("y = %.5gx² %sx %s", m.A, signed(m.B), signed(m.C))
}

func (m Quadratic) Params() map[string]float64 {
	return map[string]float64{"a": m.A, "b": m.B, "c": m.C}
}

func (Quadratic) sealed() {}

// Logarithmic is y = A·ln(x) + B, undefined for x <= 0.
type Logarithmic struct {
	A, B float64
}

func (Logarithmic) Kind() Kind { return KindLogarithmic }

func (m Logarithmic) Eval(x float64) float64 {
	if x <= 0 {
		return math.NaN()
	}
	return m.A*math.Log(x) + m.B
}

func (m Logarithmic) Equation() string {
	return fmt.Sprintf("y = %.5g·ln(x) %s", m.A, signed(m.B))
}

func (m Logarithmic) Params() map[string]float64 {
	return map[string]float64{"a": m.A, "b": m.B}
}

func (Logarithmic) sealed() {}

// Exponential is y = A·e^(B·x).
type Exponential struct {
	A, B float64
}

func (Exponential) Kind() Kind { return KindExponential }

func (m Exponential) Eval(x float64) float64 { return m.A * math.Exp(m.B*x) }

func (m Exponential) Equation() string {
	return fmt.Sprintf("y = %.5g·e^(%.5gx)", m.A, m.B)
}

func (m Exponential) Params() map[string]float64 {
	return map[string]float64{"a": m.A, "b": m.B}
}

func (Exponential) sealed() {}

// signed renders v with an explicit operator so equations read "+ 3" or "- 3".
// Coefficients keep five significant digits so small per-hour rates stay visible.
func signed(v float64) string {
	if v < 0 {
		return fmt.Sprintf("- %.5g", -v)
	}
	return fmt.Sprintf("+ %.5g", v)
}

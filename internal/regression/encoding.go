package regression

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ModelSpec is the wire form of a Model: a family tag plus its named
// coefficients.
type ModelSpec struct {
	Kind   Kind               `json:"kind"`
	Params map[string]float64 `json:"params"`
}

// SpecOf returns the wire form of m.
func SpecOf(m Model) ModelSpec {
	return ModelSpec{Kind: m.Kind(), Params: m.Params()}
}

var requiredParams = map[Kind][]string{
	KindLinear:      {"slope", "intercept"},
	KindQuadratic:   {"a", "b", "c"},
	KindLogarithmic: {"a", "b"},
	KindExponential: {"a", "b"},
}

// Model rebuilds the typed model. Every coefficient of the family must be
// present and finite; coefficients belonging to other families are rejected.
func (s ModelSpec) Model() (Model, error) {
	names, ok := requiredParams[s.Kind]
	if !ok {
		return nil, &ValidationError{Field: "model.kind", Reason: fmt.Sprintf("unknown model family %d", int(s.Kind))}
	}

	vals := make([]float64, len(names))
	for i, name := range names {
		v, ok := s.Params[name]
		if !ok {
			return nil, &ValidationError{Field: "model.params." + name, Reason: fmt.Sprintf("required for %s model", s.Kind)}
		}
		if !isFinite(v) {
			return nil, &ValidationError{Field: "model.params." + name, Reason: "must be finite", Err: ErrNonFinite}
		}
		vals[i] = v
	}
	if len(s.Params) != len(names) {
		extra := make([]string, 0, len(s.Params))
		for name := range s.Params {
			if !slices.Contains(names, name) {
				extra = append(extra, name)
			}
		}
		slices.Sort(extra)
		return nil, &ValidationError{Field: "model.params", Reason: fmt.Sprintf("unexpected coefficients %v for %s model", extra, s.Kind)}
	}

	switch s.Kind {
	case KindLinear:
		return Linear{Slope: vals[0], Intercept: vals[1]}, nil
	case KindQuadratic:
		return Quadratic{A: vals[0], B: vals[1], C: vals[2]}, nil
	case KindLogarithmic:
		return Logarithmic{A: vals[0], B: vals[1]}, nil
	default:
		return Exponential{A: vals[0], B: vals[1]}, nil
	}
}

type fitJSON struct {
	Requested      Kind               `json:"requested"`
	Kind           Kind               `json:"kind"`
	Params         map[string]float64 `json:"params"`
	RSquared       float64            `json:"rSquared"`
	Equation       string             `json:"equation"`
	Points         int                `json:"points"`
	FallbackReason string             `json:"fallbackReason,omitempty"`
}

func (f *Fit) MarshalJSON() ([]byte, error) {
	return json.Marshal(fitJSON{
		Requested:      f.Requested,
		Kind:           f.Model.Kind(),
		Params:         f.Model.Params(),
		RSquared:       f.RSquared,
		Equation:       f.Model.Equation(),
		Points:         f.Points,
		FallbackReason: f.FallbackReason,
	})
}

// UnmarshalJSON restores a Fit from its tagged form. The equation is derived
// and ignored on input.
func (f *Fit) UnmarshalJSON(b []byte) error {
	var raw fitJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m, err := ModelSpec{Kind: raw.Kind, Params: raw.Params}.Model()
	if err != nil {
		return fmt.Errorf("decode fit: %w", err)
	}
	*f = Fit{
		Requested:      raw.Requested,
		Model:          m,
		RSquared:       raw.RSquared,
		Points:         raw.Points,
		FallbackReason: raw.FallbackReason,
	}
	return nil
}

package optim

import (
	"compress/zlib"
	"encoding/gob"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Adam implements the Adam update rule with bias correction. It is the
// default optimizer; the momentum configuration option has no effect on it.
type Adam struct {
	src   Source
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64

	step int
	m    map[string][]float64
	v    map[string][]float64
}

// NewAdam returns an Adam optimizer with the usual defaults
// (beta1 0.9, beta2 0.999, eps 1e-8).
func NewAdam(src Source, lr float64) *Adam {
	return &Adam{
		src:   src,
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make(map[string][]float64),
		v:     make(map[string][]float64),
	}
}

// Step applies one Adam update to every parameter.
func (a *Adam) Step() error {
	ps, err := a.src.Params()
	if err != nil {
		return errors.Wrap(err, "fetching parameters")
	}
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))
	for _, p := range ps {
		if len(p.Grad) != len(p.Value) {
			return errors.Errorf("param %s: gradient size %d does not match value size %d",
				p.Name, len(p.Grad), len(p.Value))
		}
		m := moment(a.m, p)
		v := moment(a.v, p)
		for i, g := range p.Grad {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			p.Value[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.eps)
		}
	}
	return nil
}

type adamState struct {
	Step int
	M    map[string][]float64
	V    map[string][]float64
}

// WriteState serializes the step counter and both moment estimates as
// zlib-compressed gob.
func (a *Adam) WriteState(w io.Writer) error {
	zw := zlib.NewWriter(w)
	if err := gob.NewEncoder(zw).Encode(adamState{Step: a.step, M: a.m, V: a.v}); err != nil {
		return errors.Wrap(err, "encoding optimizer state")
	}
	return zw.Close()
}

// ReadState restores state written by WriteState.
func (a *Adam) ReadState(r io.Reader) error {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "opening optimizer state")
	}
	defer zr.Close()

	var st adamState
	if err := gob.NewDecoder(zr).Decode(&st); err != nil {
		return errors.Wrap(err, "decoding optimizer state")
	}
	a.step = st.Step
	a.m = st.M
	a.v = st.V
	if a.m == nil {
		a.m = make(map[string][]float64)
	}
	if a.v == nil {
		a.v = make(map[string][]float64)
	}
	return nil
}

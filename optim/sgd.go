package optim

import (
	"compress/zlib"
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
)

// SGD implements stochastic gradient descent with classical momentum.
// It is the consumer of the momentum configuration option.
type SGD struct {
	src      Source
	lr       float64
	momentum float64

	vel map[string][]float64
}

// NewSGD returns an SGD optimizer. A momentum of 0 degrades to plain
// gradient descent.
func NewSGD(src Source, lr, momentum float64) *SGD {
	return &SGD{src: src, lr: lr, momentum: momentum, vel: make(map[string][]float64)}
}

// Step applies one momentum-SGD update to every parameter.
func (s *SGD) Step() error {
	ps, err := s.src.Params()
	if err != nil {
		return errors.Wrap(err, "fetching parameters")
	}
	for _, p := range ps {
		if len(p.Grad) != len(p.Value) {
			return errors.Errorf("param %s: gradient size %d does not match value size %d",
				p.Name, len(p.Grad), len(p.Value))
		}
		v := moment(s.vel, p)
		for i, g := range p.Grad {
			v[i] = s.momentum*v[i] + g
			p.Value[i] -= s.lr * v[i]
		}
	}
	return nil
}

type sgdState struct {
	Vel map[string][]float64
}

// WriteState serializes the velocity buffers as zlib-compressed gob.
func (s *SGD) WriteState(w io.Writer) error {
	zw := zlib.NewWriter(w)
	if err := gob.NewEncoder(zw).Encode(sgdState{Vel: s.vel}); err != nil {
		return errors.Wrap(err, "encoding optimizer state")
	}
	return zw.Close()
}

// ReadState restores state written by WriteState.
func (s *SGD) ReadState(r io.Reader) error {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "opening optimizer state")
	}
	defer zr.Close()

	var st sgdState
	if err := gob.NewDecoder(zr).Decode(&st); err != nil {
		return errors.Wrap(err, "decoding optimizer state")
	}
	s.vel = st.Vel
	if s.vel == nil {
		s.vel = make(map[string][]float64)
	}
	return nil
}

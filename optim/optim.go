// Package optim implements the optimizers that mutate model parameters
// in place from the gradients left by a training-mode forward pass.
package optim

// Param is one named model parameter: the backing slice of its value
// tensor and of its gradient. Optimizers update Value in place.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

// Source exposes a model's parameters to an optimizer. Params is called
// once per step so the optimizer always sees the gradients of the latest
// backward pass.
type Source interface {
	Params() ([]Param, error)
}

func moment(store map[string][]float64, p Param) []float64 {
	s, ok := store[p.Name]
	if !ok || len(s) != len(p.Value) {
		s = make([]float64, len(p.Value))
		store[p.Name] = s
	}
	return s
}

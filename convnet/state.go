package convnet

import (
	"compress/zlib"
	"encoding/gob"
	"io"
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

type stateEntry struct {
	Shape []int
	Data  []float64
}

// finalLayer names the classifier-head parameters. They are sized by the
// class count, so pretrained loads skip them.
var finalLayer = map[string]bool{"fc_w": true, "fc_b": true}

// WriteState serializes all weights as zlib-compressed gob.
func (m *ConvNet) WriteState(w io.Writer) error {
	state := make(map[string]stateEntry, len(m.weights))
	for _, wt := range m.weights {
		shape := append([]int(nil), []int(wt.val.Shape())...)
		data, ok := wt.val.Data().([]float64)
		if !ok {
			return errors.Errorf("weight %s: unexpected backing type", wt.name)
		}
		state[wt.name] = stateEntry{Shape: shape, Data: append([]float64(nil), data...)}
	}
	zw := zlib.NewWriter(w)
	if err := gob.NewEncoder(zw).Encode(state); err != nil {
		return errors.Wrap(err, "encoding model state")
	}
	return zw.Close()
}

// ReadState restores all weights written by WriteState. Every weight must
// be present with a matching shape.
func (m *ConvNet) ReadState(r io.Reader) error {
	state, err := decodeState(r)
	if err != nil {
		return err
	}
	for _, wt := range m.weights {
		if err := m.restore(state, wt, true); err != nil {
			return err
		}
	}
	return nil
}

// ReadPretrained restores every weight except the classifier head, so a
// backbone trained against one label set can seed a model with another.
func (m *ConvNet) ReadPretrained(r io.Reader) error {
	state, err := decodeState(r)
	if err != nil {
		return err
	}
	for _, wt := range m.weights {
		if finalLayer[wt.name] {
			continue
		}
		if err := m.restore(state, wt, true); err != nil {
			return err
		}
	}
	return nil
}

// LoadPretrainedFile is ReadPretrained over a file on disk.
func (m *ConvNet) LoadPretrainedFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening pretrained weights %s", path)
	}
	defer f.Close()
	return errors.Wrapf(m.ReadPretrained(f), "loading pretrained weights %s", path)
}

func decodeState(r io.Reader) (map[string]stateEntry, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "opening model state")
	}
	defer zr.Close()

	var state map[string]stateEntry
	if err := gob.NewDecoder(zr).Decode(&state); err != nil {
		return nil, errors.Wrap(err, "decoding model state")
	}
	return state, nil
}

func (m *ConvNet) restore(state map[string]stateEntry, wt weight, required bool) error {
	entry, ok := state[wt.name]
	if !ok {
		if !required {
			return nil
		}
		return errors.Errorf("model state is missing weight %s", wt.name)
	}
	if !wt.val.Shape().Eq(tensor.Shape(entry.Shape)) {
		return errors.Errorf("weight %s has shape %v in the state file, want %v",
			wt.name, entry.Shape, wt.val.Shape())
	}
	backing, ok := wt.val.Data().([]float64)
	if !ok {
		return errors.Errorf("weight %s: unexpected backing type", wt.name)
	}
	if len(entry.Data) != len(backing) {
		return errors.Errorf("weight %s has %d values in the state file, want %d",
			wt.name, len(entry.Data), len(backing))
	}
	copy(backing, entry.Data)
	return nil
}

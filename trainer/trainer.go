package trainer

import (
	"io"
	"log"
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Batch is one mini-batch: NCHW inputs plus the true label per sample.
type Batch struct {
	Inputs tensor.Tensor
	Labels []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// BatchSource produces the mini-batches for one pass over a split.
// Reset starts a new pass (reshuffling if the producer shuffles); Next
// returns io.EOF after the last batch. The orchestrator consumes batches
// strictly sequentially and never observes two batches at once.
type BatchSource interface {
	Reset()
	Next() (*Batch, error)
}

// Result is what one forward computation reports back.
type Result struct {
	// Scores holds per-class scores, shape [batch, classes].
	Scores tensor.Tensor
	// Loss is the batch's scalar loss from the configured criterion.
	Loss float64
}

// Stater is anything whose parameter state can be checkpointed.
type Stater interface {
	WriteState(w io.Writer) error
	ReadState(r io.Reader) error
}

// Model is the trainable collaborator: a parametric function from a batch
// of inputs to per-class scores. In training mode a Forward call also
// leaves parameter gradients behind for the optimizer.
type Model interface {
	Stater
	SetTraining(training bool)
	ClearGrads()
	Forward(inputs tensor.Tensor, labels []int) (Result, error)
}

// Optimizer applies one parameter update from the gradients left by the
// model's last training-mode forward pass.
type Optimizer interface {
	Stater
	Step() error
}

// PassMetrics accumulates over a single pass and is reset for the next
// one. Loss is the exact sum of per-batch loss values in delivery order,
// never an average.
type PassMetrics struct {
	Loss    float64
	Correct int
	Total   int
}

// Accuracy returns 100 * correct / total for this pass alone.
func (m PassMetrics) Accuracy() float64 {
	if m.Total == 0 {
		return 0
	}
	return 100 * float64(m.Correct) / float64(m.Total)
}

// Best carries the four best-so-far metrics of a run. Loss slots start at
// +Inf and only ever decrease; accuracy slots start at 0 and only ever
// increase. It is threaded through the epoch loop explicitly so the
// orchestrator stays testable in isolation.
type Best struct {
	TrainLoss float64
	TrainAcc  float64
	ValidLoss float64
	ValidAcc  float64
}

// NewBest returns the initial best-so-far state.
func NewBest() Best {
	return Best{TrainLoss: math.Inf(1), ValidLoss: math.Inf(1)}
}

// Config carries the orchestrator's knobs.
type Config struct {
	Epochs int
	Log    *log.Logger
}

// Trainer composes the collaborators into the epoch loop:
// TRAIN_PASS -> VALID_PASS -> CHECKPOINT_EVAL, repeated Config.Epochs
// times. Any batch-production failure is fatal for the run.
type Trainer struct {
	model Model
	opt   Optimizer
	train BatchSource
	valid BatchSource
	slots *Slots
	cfg   Config
}

// New assembles a Trainer from its collaborators.
func New(model Model, opt Optimizer, train, valid BatchSource, slots *Slots, cfg Config) *Trainer {
	return &Trainer{model: model, opt: opt, train: train, valid: valid, slots: slots, cfg: cfg}
}

// Run drives all epochs and returns the final best-so-far state.
func (t *Trainer) Run() (Best, error) {
	best := NewBest()
	for ep := 1; ep <= t.cfg.Epochs; ep++ {
		t.logf("Epoch %d / %d", ep, t.cfg.Epochs)
		var err error
		if best, err = t.Epoch(best); err != nil {
			return best, errors.Wrapf(err, "epoch %d", ep)
		}
	}
	return best, nil
}

// Epoch runs one train pass and one validation pass, evaluating the
// checkpoint slots for each pass independently, and returns the updated
// best-so-far state.
func (t *Trainer) Epoch(best Best) (Best, error) {
	train, err := t.pass(t.train, true)
	if err != nil {
		return best, errors.Wrap(err, "train pass")
	}
	if err := t.checkpoint(train, SlotBestLossTrain, SlotBestAccTrain, &best.TrainLoss, &best.TrainAcc); err != nil {
		return best, err
	}
	t.logf("Train loss: %v", train.Loss)
	t.logf("Train acc: %v", train.Accuracy())

	valid, err := t.pass(t.valid, false)
	if err != nil {
		return best, errors.Wrap(err, "valid pass")
	}
	if err := t.checkpoint(valid, SlotBestLossValid, SlotBestAccValid, &best.ValidLoss, &best.ValidAcc); err != nil {
		return best, err
	}
	t.logf("Valid loss: %v", valid.Loss)
	t.logf("Valid acc: %v", valid.Accuracy())

	return best, nil
}

// pass runs one full pass over a split. With training set it clears
// gradient state before each forward and applies one optimizer step after;
// without it the pass is forward-and-score only.
func (t *Trainer) pass(src BatchSource, training bool) (PassMetrics, error) {
	t.model.SetTraining(training)
	src.Reset()

	var m PassMetrics
	for {
		b, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return m, errors.Wrap(err, "producing batch")
		}

		if training {
			t.model.ClearGrads()
		}
		res, err := t.model.Forward(b.Inputs, b.Labels)
		if err != nil {
			return m, errors.Wrap(err, "forward")
		}

		pred, err := argmaxRows(res.Scores)
		if err != nil {
			return m, err
		}
		m.Total += b.Size()
		for i, p := range pred {
			if p == b.Labels[i] {
				m.Correct++
			}
		}
		m.Loss += res.Loss

		if training {
			if err := t.opt.Step(); err != nil {
				return m, errors.Wrap(err, "optimizer step")
			}
		}
	}
	return m, nil
}

// checkpoint persists a slot pair iff the pass metric strictly improves on
// the stored best. Equal metrics never trigger a write.
func (t *Trainer) checkpoint(m PassMetrics, lossSlot, accSlot string, bestLoss, bestAcc *float64) error {
	if m.Loss < *bestLoss {
		if err := t.slots.Save(lossSlot, t.model, t.opt); err != nil {
			return errors.Wrapf(err, "saving %s", lossSlot)
		}
		*bestLoss = m.Loss
	}
	if acc := m.Accuracy(); acc > *bestAcc {
		if err := t.slots.Save(accSlot, t.model, t.opt); err != nil {
			return errors.Wrapf(err, "saving %s", accSlot)
		}
		*bestAcc = acc
	}
	return nil
}

func (t *Trainer) logf(format string, args ...interface{}) {
	if t.cfg.Log != nil {
		t.cfg.Log.Printf(format, args...)
	}
}

// argmaxRows returns the index of the highest score per row of a
// [batch, classes] tensor.
func argmaxRows(scores tensor.Tensor) ([]int, error) {
	shp := scores.Shape()
	if len(shp) != 2 {
		return nil, errors.Errorf("scores must have shape [batch, classes], got %v", shp)
	}
	data, ok := scores.Data().([]float64)
	if !ok {
		return nil, errors.Errorf("scores must be float64, got %T", scores.Data())
	}
	rows, cols := shp[0], shp[1]
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		best := 0
		for c := 1; c < cols; c++ {
			if data[r*cols+c] > data[r*cols+best] {
				best = c
			}
		}
		out[r] = best
	}
	return out, nil
}

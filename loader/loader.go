// Package loader produces the mini-batches for one pass over a split: it
// reads and transforms the underlying samples with bounded parallelism
// and prefetches one batch ahead of the consumer.
package loader

import (
	"io"
	"math/rand"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/seedlingcv/classifier/datasets"
	"github.com/seedlingcv/classifier/parallel"
	"github.com/seedlingcv/classifier/trainer"
)

// Transform turns one sample file into its input tensor.
type Transform interface {
	Apply(path string) (tensor.Tensor, error)
}

// Config carries the batch-production knobs.
type Config struct {
	// BatchSize is the number of samples per batch; the last batch of a
	// pass may be smaller.
	BatchSize int
	// Workers bounds the concurrent sample loads inside a batch. Zero or
	// negative means autodetect.
	Workers int
	// Shuffle reorders the samples anew on every Reset.
	Shuffle bool
	// Seed seeds the shuffle order.
	Seed int64
}

// DefaultWorkers returns the worker count used when Config.Workers is not
// set: the logical core count.
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

type fetched struct {
	batch *trainer.Batch
	err   error
}

// Loader is a trainer.BatchSource over an in-memory sample listing. It is
// not safe for concurrent use; the orchestrator consumes it sequentially.
type Loader struct {
	samples []datasets.Sample
	tf      Transform
	cfg     Config
	rng     *rand.Rand

	order   []int
	pos     int
	pending chan fetched
	failed  bool
}

// New builds a Loader over the given samples. The sample slice is not
// copied and must not change during use.
func New(samples []datasets.Sample, tf Transform, cfg Config) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	return &Loader{
		samples: samples,
		tf:      tf,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Reset starts a new pass, reshuffling if configured, and begins
// prefetching the first batch.
func (l *Loader) Reset() {
	if l.cfg.Shuffle {
		l.order = l.rng.Perm(len(l.samples))
	} else {
		l.order = make([]int, len(l.samples))
		for i := range l.order {
			l.order[i] = i
		}
	}
	l.pos = 0
	l.failed = false
	l.pending = make(chan fetched, 1)
	l.prefetch()
}

// Next returns the next batch of the pass, or io.EOF after the last one.
// A failed sample load fails the whole batch.
func (l *Loader) Next() (*trainer.Batch, error) {
	if l.failed || l.pending == nil {
		return nil, io.EOF
	}
	f, ok := <-l.pending
	if !ok {
		return nil, io.EOF
	}
	if f.err != nil {
		l.failed = true
		return nil, f.err
	}
	l.prefetch()
	return f.batch, nil
}

// prefetch launches the load of the next batch, or closes the channel when
// the pass is exhausted. At most one batch is in flight.
func (l *Loader) prefetch() {
	if l.pos >= len(l.order) {
		close(l.pending)
		return
	}
	end := l.pos + l.cfg.BatchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	idx := l.order[l.pos:end]
	l.pos = end

	ch := l.pending
	go func() {
		b, err := l.fetch(idx)
		ch <- fetched{batch: b, err: err}
	}()
}

func (l *Loader) fetch(idx []int) (*trainer.Batch, error) {
	parts := make([]tensor.Tensor, len(idx))
	labels := make([]int, len(idx))
	err := parallel.FirstErr(len(idx), l.cfg.Workers, func(i int) error {
		s := l.samples[idx[i]]
		t, err := l.tf.Apply(s.Path)
		if err != nil {
			return errors.Wrapf(err, "loading sample %s", s.Path)
		}
		parts[i] = t
		labels[i] = s.Label
		return nil
	})
	if err != nil {
		return nil, err
	}
	inputs, err := stack(parts)
	if err != nil {
		return nil, err
	}
	return &trainer.Batch{Inputs: inputs, Labels: labels}, nil
}

// stack concatenates equally shaped sample tensors into one batch tensor
// with a leading batch dimension.
func stack(parts []tensor.Tensor) (tensor.Tensor, error) {
	shape := parts[0].Shape()
	size := shape.TotalSize()
	backing := make([]float64, len(parts)*size)
	for i, p := range parts {
		if !p.Shape().Eq(shape) {
			return nil, errors.Errorf("sample %d has shape %v, want %v", i, p.Shape(), shape)
		}
		data, ok := p.Data().([]float64)
		if !ok {
			return nil, errors.Errorf("sample %d is not a float64 tensor", i)
		}
		copy(backing[i*size:], data)
	}
	batchShape := append([]int{len(parts)}, []int(shape)...)
	return tensor.New(tensor.WithShape(batchShape...), tensor.WithBacking(backing)), nil
}

// Package convnet implements the trainable model: a small convolutional
// classifier built on gorgonia, exposing the capability surface the
// training orchestrator drives (forward, gradients, parameter state).
package convnet

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/seedlingcv/classifier/optim"
	"github.com/seedlingcv/classifier/trainer"
)

// InputSize is the expected spatial size of every input image.
const InputSize = 224

// Three conv-relu-maxpool blocks halve the spatial size each, so the
// flattened feature vector entering the classifier head is:
const flatDim = 64 * (InputSize / 8) * (InputSize / 8)

const dropoutRate = 0.2

// weight is one named parameter tensor. The backing tensor is shared by
// every compiled graph, so an in-place optimizer update is visible to all
// of them.
type weight struct {
	name string
	val  *tensor.Dense
}

// ConvNet is a conv-relu-maxpool ×3 feature extractor with a fully
// connected classifier head. Forward computes per-class scores and the
// batch's mean cross-entropy loss; in training mode it also leaves
// parameter gradients for the optimizer and enables dropout before the
// head.
type ConvNet struct {
	classes  int
	training bool
	weights  []weight
	compiled map[netKey]*compiled
	active   *compiled
}

type netKey struct {
	batch    int
	training bool
}

// compiled is one expression graph specialized to a batch size and mode.
type compiled struct {
	g      *gorgonia.ExprGraph
	x      *gorgonia.Node
	y      *gorgonia.Node
	scores *gorgonia.Node
	loss   *gorgonia.Node
	params []*gorgonia.Node
	vm     gorgonia.VM

	trainable bool
	ran       bool
}

// New builds a freshly initialized network for the given class count.
// Convolution weights use Glorot initialization, the head bias starts at
// zero.
func New(classes int) *ConvNet {
	glorot := func(shape ...int) *tensor.Dense {
		backing := gorgonia.GlorotN(1.0)(tensor.Float64, shape...)
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
	}
	return &ConvNet{
		classes: classes,
		weights: []weight{
			{"conv1_w", glorot(16, 3, 3, 3)},
			{"conv2_w", glorot(32, 16, 3, 3)},
			{"conv3_w", glorot(64, 32, 3, 3)},
			{"fc_w", glorot(flatDim, classes)},
			{"fc_b", tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(1, classes))},
		},
		compiled: make(map[netKey]*compiled),
	}
}

// Classes returns the class count the head was built for.
func (m *ConvNet) Classes() int { return m.classes }

// SetTraining switches between training mode (dropout active, gradients
// computed) and evaluation mode (pure forward pass).
func (m *ConvNet) SetTraining(training bool) { m.training = training }

// ClearGrads drops the gradient state accumulated by the last
// training-mode forward pass.
func (m *ConvNet) ClearGrads() {
	if m.active != nil {
		m.active.reset()
	}
}

// Forward runs the network over one batch. The inputs must have shape
// [len(labels), 3, InputSize, InputSize].
func (m *ConvNet) Forward(inputs tensor.Tensor, labels []int) (trainer.Result, error) {
	batch := len(labels)
	if batch == 0 {
		return trainer.Result{}, errors.New("empty batch")
	}
	in, ok := inputs.(*tensor.Dense)
	if !ok {
		return trainer.Result{}, errors.Errorf("inputs must be a dense tensor, got %T", inputs)
	}
	want := tensor.Shape{batch, 3, InputSize, InputSize}
	if !in.Shape().Eq(want) {
		return trainer.Result{}, errors.Errorf("inputs have shape %v, want %v", in.Shape(), want)
	}

	c, err := m.compiledFor(batch, m.training)
	if err != nil {
		return trainer.Result{}, err
	}
	m.active = c
	c.reset()

	if err := gorgonia.Let(c.x, in); err != nil {
		return trainer.Result{}, errors.Wrap(err, "binding inputs")
	}
	if err := gorgonia.Let(c.y, m.oneHot(labels)); err != nil {
		return trainer.Result{}, errors.Wrap(err, "binding labels")
	}
	if err := c.vm.RunAll(); err != nil {
		return trainer.Result{}, errors.Wrap(err, "running network")
	}
	c.ran = true

	scores, ok := c.scores.Value().(*tensor.Dense)
	if !ok {
		return trainer.Result{}, errors.Errorf("unexpected scores value %T", c.scores.Value())
	}
	loss, ok := c.loss.Value().Data().(float64)
	if !ok {
		return trainer.Result{}, errors.Errorf("unexpected loss value %T", c.loss.Value().Data())
	}
	return trainer.Result{Scores: scores.Clone().(*tensor.Dense), Loss: loss}, nil
}

// Params exposes the parameter values together with the gradients of the
// last training-mode forward pass.
func (m *ConvNet) Params() ([]optim.Param, error) {
	if m.active == nil || !m.active.trainable {
		return nil, errors.New("no training-mode forward pass has run")
	}
	ps := make([]optim.Param, len(m.active.params))
	for i, n := range m.active.params {
		grad, err := n.Grad()
		if err != nil {
			return nil, errors.Wrapf(err, "gradient of %s", m.weights[i].name)
		}
		value, ok := n.Value().Data().([]float64)
		if !ok {
			return nil, errors.Errorf("param %s: unexpected value type", m.weights[i].name)
		}
		gdata, ok := grad.Data().([]float64)
		if !ok {
			return nil, errors.Errorf("param %s: unexpected gradient type", m.weights[i].name)
		}
		ps[i] = optim.Param{Name: m.weights[i].name, Value: value, Grad: gdata}
	}
	return ps, nil
}

func (c *compiled) reset() {
	if c.ran {
		c.vm.Reset()
		c.ran = false
	}
}

func (m *ConvNet) compiledFor(batch int, training bool) (*compiled, error) {
	key := netKey{batch: batch, training: training}
	if c, ok := m.compiled[key]; ok {
		return c, nil
	}
	c, err := m.build(batch, training)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling network for batch size %d", batch)
	}
	m.compiled[key] = c
	return c, nil
}

// build assembles one expression graph. Weight nodes are bound to the
// shared backing tensors, so all compiled graphs see the same parameters.
func (m *ConvNet) build(batch int, training bool) (*compiled, error) {
	g := gorgonia.NewGraph()
	c := &compiled{g: g, trainable: training}

	c.x = gorgonia.NewTensor(g, tensor.Float64, 4,
		gorgonia.WithShape(batch, 3, InputSize, InputSize), gorgonia.WithName("x"))
	c.y = gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(batch, m.classes), gorgonia.WithName("y"))

	node := func(w weight) *gorgonia.Node {
		shp := w.val.Shape()
		var n *gorgonia.Node
		if len(shp) == 4 {
			n = gorgonia.NewTensor(g, tensor.Float64, 4,
				gorgonia.WithShape(shp...), gorgonia.WithName(w.name), gorgonia.WithValue(w.val))
		} else {
			n = gorgonia.NewMatrix(g, tensor.Float64,
				gorgonia.WithShape(shp...), gorgonia.WithName(w.name), gorgonia.WithValue(w.val))
		}
		c.params = append(c.params, n)
		return n
	}
	conv1 := node(m.weights[0])
	conv2 := node(m.weights[1])
	conv3 := node(m.weights[2])
	fcW := node(m.weights[3])
	fcB := node(m.weights[4])

	block := func(in, w *gorgonia.Node) (*gorgonia.Node, error) {
		h, err := gorgonia.Conv2d(in, w, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
		if err != nil {
			return nil, err
		}
		if h, err = gorgonia.Rectify(h); err != nil {
			return nil, err
		}
		return gorgonia.MaxPool2D(h, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	}

	h, err := block(c.x, conv1)
	if err != nil {
		return nil, errors.Wrap(err, "block 1")
	}
	if h, err = block(h, conv2); err != nil {
		return nil, errors.Wrap(err, "block 2")
	}
	if h, err = block(h, conv3); err != nil {
		return nil, errors.Wrap(err, "block 3")
	}

	flat, err := gorgonia.Reshape(h, tensor.Shape{batch, flatDim})
	if err != nil {
		return nil, errors.Wrap(err, "flatten")
	}
	if training {
		if flat, err = gorgonia.Dropout(flat, dropoutRate); err != nil {
			return nil, errors.Wrap(err, "dropout")
		}
	}

	fc, err := gorgonia.Mul(flat, fcW)
	if err != nil {
		return nil, errors.Wrap(err, "classifier head")
	}
	if c.scores, err = gorgonia.BroadcastAdd(fc, fcB, nil, []byte{0}); err != nil {
		return nil, errors.Wrap(err, "classifier bias")
	}

	// mean cross-entropy over the batch
	p, err := gorgonia.SoftMax(c.scores)
	if err != nil {
		return nil, errors.Wrap(err, "softmax")
	}
	logp, err := gorgonia.Log(p)
	if err != nil {
		return nil, errors.Wrap(err, "log")
	}
	ce, err := gorgonia.HadamardProd(logp, c.y)
	if err != nil {
		return nil, errors.Wrap(err, "cross entropy")
	}
	perSample, err := gorgonia.Sum(ce, 1)
	if err != nil {
		return nil, errors.Wrap(err, "per-sample loss")
	}
	mean, err := gorgonia.Mean(perSample)
	if err != nil {
		return nil, errors.Wrap(err, "mean loss")
	}
	if c.loss, err = gorgonia.Neg(mean); err != nil {
		return nil, errors.Wrap(err, "loss")
	}

	if training {
		if _, err := gorgonia.Grad(c.loss, c.params...); err != nil {
			return nil, errors.Wrap(err, "building gradients")
		}
		c.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(c.params...))
	} else {
		c.vm = gorgonia.NewTapeMachine(g)
	}
	return c, nil
}

func (m *ConvNet) oneHot(labels []int) *tensor.Dense {
	data := make([]float64, len(labels)*m.classes)
	for i, l := range labels {
		data[i*m.classes+l] = 1
	}
	return tensor.New(tensor.WithShape(len(labels), m.classes), tensor.WithBacking(data))
}

// Package inference wraps runtime start-up, model loading and classification
// behind an explicit Uninitialized -> RuntimeReady -> ModelReady state machine.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/krau/snaptag/tensor"
)

type State int

const (
	Uninitialized State = iota
	RuntimeReady
	ModelReady
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case RuntimeReady:
		return "runtime_ready"
	case ModelReady:
		return "model_ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Prediction is one ranked label.
type Prediction struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// Backend is the numeric runtime that can produce a Model.
type Backend interface {
	Init(ctx context.Context) error
	Load(ctx context.Context) (Model, error)
}

// Model classifies a [height, width, 3] RGB tensor. Results are the model's
// top-K, highest score first.
type Model interface {
	Classify(ctx context.Context, t tensor.Tensor) ([]Prediction, error)
	Close() error
}

type Engine struct {
	backend Backend
	logger  *slog.Logger

	// setup serializes InitRuntime and LoadModel; mu guards state and model.
	setup sync.Mutex
	mu    sync.Mutex
	state State
	model Model
}

func NewEngine(backend Backend, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{backend: backend, logger: logger}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// InitRuntime prepares the backend. Calling it again after success is a no-op.
func (e *Engine) InitRuntime(ctx context.Context) error {
	e.setup.Lock()
	defer e.setup.Unlock()
	if e.State() != Uninitialized {
		return nil
	}
	if err := e.backend.Init(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntimeInit, err)
	}
	e.mu.Lock()
	e.state = RuntimeReady
	e.mu.Unlock()
	e.logger.Info("Runtime ready")
	return nil
}

// LoadModel requires a ready runtime. On failure the engine stays in
// RuntimeReady so the call can be repeated.
func (e *Engine) LoadModel(ctx context.Context) error {
	e.setup.Lock()
	defer e.setup.Unlock()
	switch e.State() {
	case Uninitialized:
		return &ModelLoadError{Err: fmt.Errorf("runtime not initialized")}
	case ModelReady:
		return nil
	}

	m, err := e.backend.Load(ctx)
	if err != nil {
		return &ModelLoadError{Err: err}
	}
	e.mu.Lock()
	e.model = m
	e.state = ModelReady
	e.mu.Unlock()
	e.logger.Info("Model ready")
	return nil
}

func (e *Engine) Classify(ctx context.Context, t tensor.Tensor) ([]Prediction, error) {
	e.mu.Lock()
	m, state := e.model, e.state
	e.mu.Unlock()
	if state != ModelReady || m == nil {
		return nil, &InferenceError{Op: "precondition", Err: fmt.Errorf("%w (state %s)", errNotReady, state)}
	}
	if err := checkShape(t); err != nil {
		return nil, &InferenceError{Op: "shape", Err: err}
	}

	preds, err := m.Classify(ctx, t)
	if err != nil {
		return nil, &InferenceError{Op: "run", Err: err}
	}
	if err := checkRanking(preds); err != nil {
		return nil, &InferenceError{Op: "output", Err: err}
	}
	if preds == nil {
		preds = []Prediction{}
	}
	return preds, nil
}

// Close releases the loaded model. The state does not revert.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}

func checkShape(t tensor.Tensor) error {
	if t.Channels() != tensor.TensorChannels {
		return fmt.Errorf("want %d channels, got %d", tensor.TensorChannels, t.Channels())
	}
	if t.Height() <= 0 || t.Width() <= 0 {
		return fmt.Errorf("empty tensor dims %v", t.Dims)
	}
	if want := t.Height() * t.Width() * tensor.TensorChannels; len(t.Values) != want {
		return fmt.Errorf("dims %v need %d values, got %d", t.Dims, want, len(t.Values))
	}
	return nil
}

func checkRanking(preds []Prediction) error {
	for i, p := range preds {
		if math.IsNaN(float64(p.Score)) || p.Score < 0 || p.Score > 1 {
			return fmt.Errorf("score %v for %q outside [0,1]", p.Score, p.Label)
		}
		if i > 0 && preds[i-1].Score < p.Score {
			return fmt.Errorf("predictions not sorted at %d", i)
		}
	}
	return nil
}

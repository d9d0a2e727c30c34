package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krau/snaptag/tensor"
)

type fakeModel struct {
	preds  []Prediction
	err    error
	calls  int
	closed bool
}

func (m *fakeModel) Classify(_ context.Context, _ tensor.Tensor) ([]Prediction, error) {
	m.calls++
	return m.preds, m.err
}

func (m *fakeModel) Close() error {
	m.closed = true
	return nil
}

type fakeBackend struct {
	initErr   error
	initCalls int
	loadErrs  []error
	loadCalls int
	model     *fakeModel
}

func (b *fakeBackend) Init(context.Context) error {
	b.initCalls++
	return b.initErr
}

func (b *fakeBackend) Load(context.Context) (Model, error) {
	b.loadCalls++
	if len(b.loadErrs) > 0 {
		err := b.loadErrs[0]
		b.loadErrs = b.loadErrs[1:]
		return nil, err
	}
	return b.model, nil
}

func validTensor() tensor.Tensor {
	return tensor.Tensor{Dims: [3]int{2, 2, 3}, Values: make([]byte, 12)}
}

func TestInitRuntimeIdempotent(t *testing.T) {
	b := &fakeBackend{}
	e := NewEngine(b, nil)

	require.NoError(t, e.InitRuntime(context.Background()))
	require.NoError(t, e.InitRuntime(context.Background()))
	assert.Equal(t, 1, b.initCalls)
	assert.Equal(t, RuntimeReady, e.State())
}

func TestInitRuntimeFailureIsFatal(t *testing.T) {
	b := &fakeBackend{initErr: errors.New("no shared library")}
	e := NewEngine(b, nil)

	err := e.InitRuntime(context.Background())
	require.ErrorIs(t, err, ErrRuntimeInit)
	assert.Equal(t, Uninitialized, e.State())
}

func TestLoadModelRequiresRuntime(t *testing.T) {
	b := &fakeBackend{model: &fakeModel{}}
	e := NewEngine(b, nil)

	var mle *ModelLoadError
	require.ErrorAs(t, e.LoadModel(context.Background()), &mle)
	assert.Equal(t, 0, b.loadCalls)
	assert.Equal(t, Uninitialized, e.State())
}

func TestLoadModelFailsOnceThenRetries(t *testing.T) {
	b := &fakeBackend{
		loadErrs: []error{errors.New("network unreachable")},
		model:    &fakeModel{},
	}
	e := NewEngine(b, nil)
	ctx := context.Background()

	assert.Equal(t, Uninitialized, e.State())
	require.NoError(t, e.InitRuntime(ctx))
	assert.Equal(t, RuntimeReady, e.State())

	var mle *ModelLoadError
	require.ErrorAs(t, e.LoadModel(ctx), &mle)
	assert.Equal(t, RuntimeReady, e.State())

	require.NoError(t, e.LoadModel(ctx))
	assert.Equal(t, ModelReady, e.State())
	assert.Equal(t, 2, b.loadCalls)

	require.NoError(t, e.LoadModel(ctx))
	assert.Equal(t, 2, b.loadCalls)
}

func TestClassifyBeforeLoad(t *testing.T) {
	e := NewEngine(&fakeBackend{}, nil)

	preds, err := e.Classify(context.Background(), validTensor())
	var ie *InferenceError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, errNotReady)
	assert.Nil(t, preds)

	require.NoError(t, e.InitRuntime(context.Background()))
	_, err = e.Classify(context.Background(), validTensor())
	require.ErrorAs(t, err, &ie)
}

func readyEngine(t *testing.T, m *fakeModel) *Engine {
	t.Helper()
	e := NewEngine(&fakeBackend{model: m}, nil)
	require.NoError(t, e.InitRuntime(context.Background()))
	require.NoError(t, e.LoadModel(context.Background()))
	return e
}

func TestClassifyShapeMismatch(t *testing.T) {
	m := &fakeModel{}
	e := readyEngine(t, m)

	tests := []struct {
		name string
		in   tensor.Tensor
	}{
		{"four channels", tensor.Tensor{Dims: [3]int{2, 2, 4}, Values: make([]byte, 16)}},
		{"short values", tensor.Tensor{Dims: [3]int{2, 2, 3}, Values: make([]byte, 11)}},
		{"zero height", tensor.Tensor{Dims: [3]int{0, 2, 3}, Values: nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Classify(context.Background(), tt.in)
			var ie *InferenceError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, "shape", ie.Op)
		})
	}
	assert.Equal(t, 0, m.calls)
}

func TestClassifyReturnsRankedPredictions(t *testing.T) {
	want := []Prediction{{"tabby", 0.7}, {"tiger cat", 0.2}, {"Egyptian cat", 0.05}}
	e := readyEngine(t, &fakeModel{preds: want})

	got, err := e.Classify(context.Background(), validTensor())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestClassifyRejectsBadModelOutput(t *testing.T) {
	tests := []struct {
		name  string
		preds []Prediction
	}{
		{"unsorted", []Prediction{{"a", 0.1}, {"b", 0.9}}},
		{"above one", []Prediction{{"a", 1.5}}},
		{"negative", []Prediction{{"a", -0.1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := readyEngine(t, &fakeModel{preds: tt.preds})
			_, err := e.Classify(context.Background(), validTensor())
			var ie *InferenceError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, "output", ie.Op)
		})
	}
}

func TestClassifyWrapsModelError(t *testing.T) {
	boom := errors.New("session run failed")
	e := readyEngine(t, &fakeModel{err: boom})

	_, err := e.Classify(context.Background(), validTensor())
	var ie *InferenceError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, boom)
}

func TestCloseKeepsState(t *testing.T) {
	m := &fakeModel{}
	e := readyEngine(t, m)

	require.NoError(t, e.Close())
	assert.True(t, m.closed)
	assert.Equal(t, ModelReady, e.State())
}

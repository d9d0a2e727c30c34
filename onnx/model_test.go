package onnx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/krau/snaptag/fetch"
	"github.com/krau/snaptag/inference"
	"github.com/krau/snaptag/tensor"
)

func TestDetectGeometry(t *testing.T) {
	tests := []struct {
		name   string
		dims   ort.Shape
		geom   inputGeometry
		shape  []int64
		hasErr bool
	}{
		{"nchw dynamic batch", ort.Shape{-1, 3, 224, 224}, inputGeometry{NCHW, 224, 224}, []int64{1, 3, 224, 224}, false},
		{"nhwc", ort.Shape{1, 160, 192, 3}, inputGeometry{NHWC, 192, 160}, []int64{1, 160, 192, 3}, false},
		{"nchw dynamic spatial", ort.Shape{1, 3, -1, -1}, inputGeometry{NCHW, 224, 224}, []int64{1, 3, 224, 224}, false},
		{"rank three", ort.Shape{3, 224, 224}, inputGeometry{}, nil, true},
		{"no channel axis", ort.Shape{1, 1, 28, 28}, inputGeometry{}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, shape, err := detectGeometry(tt.dims)
			if tt.hasErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.geom, g)
			assert.Equal(t, tt.shape, shape)
		})
	}
}

func TestFixedShape(t *testing.T) {
	assert.Equal(t, []int64{1, 1000}, fixedShape(ort.Shape{-1, 1000}, 1000))
	assert.Equal(t, []int64{1, 5}, fixedShape(ort.Shape{-1, -1}, 5))
}

func TestPrepareInputLayouts(t *testing.T) {
	// 2x1 image: a red pixel then a blue pixel.
	in := tensor.Tensor{Dims: [3]int{1, 2, 3}, Values: []byte{255, 0, 0, 0, 0, 255}}
	norm := func(v float32, c int) float32 { return (v - imagenetMean[c]) / imagenetStd[c] }

	nchw := prepareInput(in, inputGeometry{layout: NCHW, width: 2, height: 1})
	require.Len(t, nchw, 6)
	assert.InDelta(t, norm(1, 0), nchw[0], 1e-5) // R of pixel 0
	assert.InDelta(t, norm(0, 0), nchw[1], 1e-5) // R of pixel 1
	assert.InDelta(t, norm(0, 2), nchw[4], 1e-5) // B of pixel 0
	assert.InDelta(t, norm(1, 2), nchw[5], 1e-5) // B of pixel 1

	nhwc := prepareInput(in, inputGeometry{layout: NHWC, width: 2, height: 1})
	require.Len(t, nhwc, 6)
	assert.InDelta(t, norm(1, 0), nhwc[0], 1e-5)
	assert.InDelta(t, norm(0, 1), nhwc[1], 1e-5)
	assert.InDelta(t, norm(0, 2), nhwc[2], 1e-5)
	assert.InDelta(t, norm(1, 2), nhwc[5], 1e-5)
}

func TestPrepareInputResizes(t *testing.T) {
	in := tensor.Tensor{Dims: [3]int{4, 6, 3}, Values: make([]byte, 4*6*3)}
	for i := range in.Values {
		in.Values[i] = 128
	}
	out := prepareInput(in, inputGeometry{layout: NCHW, width: 8, height: 8})
	require.Len(t, out, 3*8*8)
	want := (float32(128)/255 - imagenetMean[0]) / imagenetStd[0]
	assert.InDelta(t, want, out[0], 0.05)
}

func TestScores(t *testing.T) {
	soft := Scores([]float32{1, 2, 3}, Softmax)
	var sum float32
	for _, s := range soft {
		sum += s
		assert.GreaterOrEqual(t, s, float32(0))
		assert.LessOrEqual(t, s, float32(1))
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Greater(t, soft[2], soft[1])

	big := Scores([]float32{1000, 999}, Softmax)
	assert.InDelta(t, 0.731, big[0], 1e-3)

	sig := Scores([]float32{0, 100, -100}, Sigmoid)
	assert.InDelta(t, 0.5, sig[0], 1e-6)
	assert.InDelta(t, 1.0, sig[1], 1e-6)
	assert.InDelta(t, 0.0, sig[2], 1e-6)

	raw := Scores([]float32{-0.5, 0.25, 1.5}, Raw)
	assert.Equal(t, []float32{0, 0.25, 1}, raw)

	assert.Empty(t, Scores(nil, Softmax))
}

func TestTopK(t *testing.T) {
	labels := []string{"cat", "dog", "car", "tree"}
	preds := TopK([]float32{0.1, 0.5, 0.3, 0.1}, labels, 3)

	require.Len(t, preds, 3)
	assert.Equal(t, "dog", preds[0].Label)
	assert.Equal(t, "car", preds[1].Label)
	assert.Equal(t, "cat", preds[2].Label)

	all := TopK([]float32{0.2, 0.8}, []string{"only"}, 10)
	require.Len(t, all, 2)
	assert.Equal(t, "class_1", all[0].Label)
	assert.Equal(t, "only", all[1].Label)
}

func TestReadLabels(t *testing.T) {
	dir := t.TempDir()
	lines := filepath.Join(dir, "labels.txt")
	require.NoError(t, os.WriteFile(lines, []byte("tench\n goldfish \n\nwhite shark\n"), 0o644))
	got, err := ReadLabels(lines)
	require.NoError(t, err)
	assert.Equal(t, []string{"tench", "goldfish", "white shark"}, got)

	js := filepath.Join(dir, "labels.json")
	require.NoError(t, os.WriteFile(js, []byte(`["tench", "goldfish"]`), 0o644))
	got, err = ReadLabels(js)
	require.NoError(t, err)
	assert.Equal(t, []string{"tench", "goldfish"}, got)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`["tench",`), 0o644))
	_, err = ReadLabels(bad)
	require.Error(t, err)
}

func TestEnsureFileDownloadsOnce(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("tench\ngoldfish\n"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "models", "labels.txt")
	dl := fetch.NewClient(time.Second, 0)
	rt := NewRuntime(Options{}, dl, nil)

	require.NoError(t, ensureFile(context.Background(), dl, path, srv.URL, rt.logger))
	require.NoError(t, ensureFile(context.Background(), dl, path, srv.URL, rt.logger))
	assert.Equal(t, 1, hits)

	labels, err := ReadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"tench", "goldfish"}, labels)
}

func TestLoadWithoutAssetsFails(t *testing.T) {
	dir := t.TempDir()
	rt := NewRuntime(Options{
		ModelPath:  filepath.Join(dir, "model.onnx"),
		LabelsPath: filepath.Join(dir, "labels.txt"),
	}, nil, nil)

	_, err := rt.Load(context.Background())
	require.Error(t, err)
}

func TestLoadDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	dir := t.TempDir()
	rt := NewRuntime(Options{
		ModelPath:  filepath.Join(dir, "model.onnx"),
		LabelsPath: filepath.Join(dir, "labels.txt"),
		ModelURL:   srv.URL + "/model.onnx",
	}, fetch.NewClient(time.Second, 0), nil)

	_, err := rt.Load(context.Background())
	var fe *fetch.FetchError
	require.True(t, errors.As(err, &fe))
	_, statErr := os.Stat(filepath.Join(dir, "model.onnx"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLibPathPrefersConfigured(t *testing.T) {
	assert.Equal(t, "/opt/ort/libonnxruntime.so", LibPath("/opt/ort/libonnxruntime.so"))
}

func TestLoadRejectsEmptyLabels(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.onnx")
	labels := filepath.Join(dir, "labels.txt")
	require.NoError(t, os.WriteFile(model, []byte("onnx"), 0o644))
	require.NoError(t, os.WriteFile(labels, []byte("\n \n"), 0o644))
	rt := NewRuntime(Options{ModelPath: model, LabelsPath: labels}, nil, nil)

	_, err := rt.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contains no labels")
}

func TestClassifyAfterClose(t *testing.T) {
	m := &Model{geom: inputGeometry{layout: NCHW, width: 2, height: 2}, topK: 1}
	require.NoError(t, m.Close())

	in := tensor.Tensor{Dims: [3]int{2, 2, 3}, Values: make([]byte, 12)}
	var (
		preds []inference.Prediction
		err   error
	)
	require.NotPanics(t, func() { preds, err = m.Classify(context.Background(), in) })
	require.ErrorIs(t, err, errModelClosed)
	assert.Nil(t, preds)
}

package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/krau/snaptag/inference"
	"github.com/krau/snaptag/tensor"
)

const defaultImageSize = 224

var errModelClosed = errors.New("model closed")

// ImageNet normalization used by torchvision-trained MobileNet exports.
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

type ScoreMode string

const (
	Softmax ScoreMode = "softmax"
	Sigmoid ScoreMode = "sigmoid"
	// Raw keeps the model output as probabilities, clamped to [0,1].
	Raw ScoreMode = "none"
)

type Layout string

const (
	NCHW Layout = "NCHW"
	NHWC Layout = "NHWC"
)

// inputGeometry is the model's expected input size and memory layout.
type inputGeometry struct {
	layout Layout
	width  int
	height int
}

type Model struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	geom    inputGeometry
	labels  []string
	topK    int
	mode    ScoreMode
}

var _ inference.Model = (*Model)(nil)

func newModel(opts Options, labels []string) (*Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("onnx model has no inputs or outputs")
	}

	geom, inShape, err := detectGeometry(inputs[0].Dimensions)
	if err != nil {
		return nil, err
	}
	outShape := fixedShape(outputs[0].Dimensions, len(labels))

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		outputTensor.Destroy()
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}

	return &Model{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		geom:    geom,
		labels:  labels,
		topK:    opts.TopK,
		mode:    opts.ScoreMode,
	}, nil
}

func (m *Model) Classify(ctx context.Context, t tensor.Tensor) ([]inference.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := prepareInput(t, m.geom)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, errModelClosed
	}
	in := m.input.GetData()
	if len(in) != len(data) {
		return nil, fmt.Errorf("input tensor size %d != prepared %d", len(in), len(data))
	}
	copy(in, data)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	scores := Scores(m.output.GetData(), m.mode)
	return TopK(scores, m.labels, m.topK), nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
	return nil
}

// detectGeometry reads NCHW or NHWC from a 4D input shape. Dynamic
// dimensions become batch 1 and the default image size.
func detectGeometry(dims ort.Shape) (inputGeometry, []int64, error) {
	if len(dims) != 4 {
		return inputGeometry{}, nil, fmt.Errorf("expected 4D image input, got %v", dims)
	}
	shape := make([]int64, 4)
	copy(shape, dims)
	shape[0] = 1

	var g inputGeometry
	switch {
	case shape[1] == 3:
		g.layout = NCHW
		g.height, g.width = orDefault(shape[2]), orDefault(shape[3])
		shape[2], shape[3] = int64(g.height), int64(g.width)
	case shape[3] == 3:
		g.layout = NHWC
		g.height, g.width = orDefault(shape[1]), orDefault(shape[2])
		shape[1], shape[2] = int64(g.height), int64(g.width)
	default:
		return inputGeometry{}, nil, fmt.Errorf("cannot find a 3-channel axis in %v", dims)
	}
	return g, shape, nil
}

func orDefault(d int64) int {
	if d <= 0 {
		return defaultImageSize
	}
	return int(d)
}

func fixedShape(dims ort.Shape, classes int) []int64 {
	shape := make([]int64, len(dims))
	copy(shape, dims)
	for i, d := range shape {
		if d > 0 {
			continue
		}
		if i == 0 {
			shape[i] = 1
		} else {
			shape[i] = int64(classes)
		}
	}
	return shape
}

// prepareInput scales the RGB tensor to the model's input size and writes
// ImageNet-normalized floats in the model's layout.
func prepareInput(t tensor.Tensor, g inputGeometry) []float32 {
	w, h := t.Width(), t.Height()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for p := range w * h {
		copy(img.Pix[p*4:p*4+3], t.Values[p*tensor.TensorChannels:(p+1)*tensor.TensorChannels])
		img.Pix[p*4+3] = 0xff
	}
	if w != g.width || h != g.height {
		img = imaging.Resize(img, g.width, g.height, imaging.Lanczos)
	}

	plane := g.width * g.height
	out := make([]float32, 3*plane)
	for y := range g.height {
		for x := range g.width {
			src := img.Pix[y*img.Stride+x*4:]
			idx := y*g.width + x
			for c := range 3 {
				v := (float32(src[c])/255.0 - imagenetMean[c]) / imagenetStd[c]
				if g.layout == NCHW {
					out[c*plane+idx] = v
				} else {
					out[idx*3+c] = v
				}
			}
		}
	}
	return out
}

func sigmoid(x float32) float32 {
	if x > 50 {
		x = 50
	} else if x < -50 {
		x = -50
	}
	return 1 / (1 + float32(math.Exp(float64(-x))))
}

// Scores maps raw model outputs into [0,1].
func Scores(out []float32, mode ScoreMode) []float32 {
	scores := make([]float32, len(out))
	switch mode {
	case Sigmoid:
		for i, v := range out {
			scores[i] = sigmoid(v)
		}
	case Raw:
		for i, v := range out {
			scores[i] = min(max(v, 0), 1)
		}
	default:
		if len(out) == 0 {
			return scores
		}
		peak := out[0]
		for _, v := range out[1:] {
			peak = max(peak, v)
		}
		var sum float64
		for i, v := range out {
			e := math.Exp(float64(v - peak))
			scores[i] = float32(e)
			sum += e
		}
		for i := range scores {
			scores[i] = float32(float64(scores[i]) / sum)
		}
	}
	return scores
}

// TopK returns the k best labels, highest score first. Ties keep class order.
func TopK(scores []float32, labels []string, k int) []inference.Prediction {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	k = min(k, len(idx))

	preds := make([]inference.Prediction, 0, k)
	for _, i := range idx[:k] {
		label := fmt.Sprintf("class_%d", i)
		if i < len(labels) {
			label = labels[i]
		}
		preds = append(preds, inference.Prediction{Label: label, Score: min(scores[i], 1)})
	}
	return preds
}

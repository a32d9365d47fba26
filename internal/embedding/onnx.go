//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/niteru/internal/imaging"
	"github.com/hyperjump/niteru/pkg/utils"
)

// ONNX vision model tensor names (CLIP-style image tower exports).
const (
	onnxInputName  = "pixel_values"
	onnxOutputName = "image_embeds"
)

// ONNXProvider runs a local vision model with ONNX Runtime. It requires CGO and the onnxruntime shared library.
type ONNXProvider struct {
	session    *ort.AdvancedSession
	dimensions int
	inputSize  int
	version    string
	// Pre-allocated tensors for Run(); we update input data and read output.
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXProvider creates an ONNX image provider. InitializeEnvironment is called if not already done.
func NewONNXProvider(modelPath string, dimensions, inputSize int, version string) (*ONNXProvider, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	inputData := make([]float32, 3*inputSize*inputSize)
	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, int64(inputSize), int64(inputSize)), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel_values tensor: %w", err)
	}
	outputData := make([]float32, dimensions)
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(dimensions)), outputData)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{onnxInputName},
		[]string{onnxOutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXProvider{
		session:      session,
		dimensions:   dimensions,
		inputSize:    inputSize,
		version:      version,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Name returns "onnx".
func (p *ONNXProvider) Name() string { return "onnx" }

// Embed preprocesses the image into the input tensor and runs inference.
// The session is shared, so calls are serialized.
func (p *ONNXProvider) Embed(ctx context.Context, img *Image) ([]float32, error) {
	pixels := imaging.Tensor(img.Image, p.inputSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	copy(p.inputTensor.GetData(), pixels)
	if err := p.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	embedding := make([]float32, p.dimensions)
	copy(embedding, p.outputTensor.GetData()[:p.dimensions])
	utils.NormalizeL2(embedding)
	return embedding, nil
}

// Dimensions returns the embedding dimension.
func (p *ONNXProvider) Dimensions() int { return p.dimensions }

// ModelVersion returns the configured model version.
func (p *ONNXProvider) ModelVersion() string { return p.version }

// Close destroys the session and tensors.
func (p *ONNXProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.session != nil {
		err = p.session.Destroy()
		p.session = nil
	}
	if p.inputTensor != nil {
		_ = p.inputTensor.Destroy()
		p.inputTensor = nil
	}
	if p.outputTensor != nil {
		_ = p.outputTensor.Destroy()
		p.outputTensor = nil
	}
	return err
}

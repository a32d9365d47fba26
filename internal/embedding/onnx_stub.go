//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

var errONNXUnavailable = errors.New("ONNX provider requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// ONNXProvider stub type when built without CGO (see onnx.go for real implementation).
type ONNXProvider struct{}

// NewONNXProvider returns an error when built without CGO (ONNX not available).
func NewONNXProvider(_ string, _, _ int, _ string) (*ONNXProvider, error) {
	return nil, errONNXUnavailable
}

func (p *ONNXProvider) Name() string { return "onnx" }

func (p *ONNXProvider) Embed(context.Context, *Image) ([]float32, error) {
	return nil, errONNXUnavailable
}

func (p *ONNXProvider) Dimensions() int { return 0 }

func (p *ONNXProvider) ModelVersion() string { return "" }

func (p *ONNXProvider) Close() error { return nil }

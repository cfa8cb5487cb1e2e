//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/pkg/utils"
)

var (
	onnxInputNames  = []string{"input_ids", "attention_mask", "token_type_ids"}
	onnxOutputNames = []string{"output"}
)

// ONNXEmbedder runs a local encoder model with ONNX Runtime, for tiers whose text must not
// leave the host. It requires CGO and the onnxruntime shared library.
type ONNXEmbedder struct {
	mu         sync.Mutex
	session    *ort.AdvancedSession
	io         onnxTensors
	dimensions int
	maxTokens  int
}

// onnxTensors are bound to the session once; each run rewrites the inputs in place.
type onnxTensors struct {
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
}

func (t *onnxTensors) destroy() {
	if t.inputIDs != nil {
		_ = t.inputIDs.Destroy()
		t.inputIDs = nil
	}
	if t.attentionMask != nil {
		_ = t.attentionMask.Destroy()
		t.attentionMask = nil
	}
	if t.tokenTypeIDs != nil {
		_ = t.tokenTypeIDs.Destroy()
		t.tokenTypeIDs = nil
	}
	if t.output != nil {
		_ = t.output.Destroy()
		t.output = nil
	}
}

func newONNXTensors(seqLen, dimensions int) (onnxTensors, error) {
	var t onnxTensors
	in := buildInputs("", seqLen)
	shape := ort.NewShape(1, int64(len(in.inputIDs)))
	var err error
	if t.inputIDs, err = ort.NewTensor(shape, in.inputIDs); err != nil {
		return t, fmt.Errorf("input_ids tensor: %w", err)
	}
	if t.attentionMask, err = ort.NewTensor(shape, in.attentionMask); err != nil {
		t.destroy()
		return t, fmt.Errorf("attention_mask tensor: %w", err)
	}
	if t.tokenTypeIDs, err = ort.NewTensor(shape, in.tokenTypeIDs); err != nil {
		t.destroy()
		return t, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	if t.output, err = ort.NewTensor(ort.NewShape(1, int64(dimensions)), make([]float32, dimensions)); err != nil {
		t.destroy()
		return t, fmt.Errorf("output tensor: %w", err)
	}
	return t, nil
}

// NewONNXEmbedder loads the model at modelPath. The ONNX Runtime environment is
// initialized on first use.
func NewONNXEmbedder(modelPath string, dimensions, maxTokens int) (*ONNXEmbedder, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("onnx embedder requires model_path")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("onnx embedder requires dimensions > 0, got %d", dimensions)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	tensors, err := newONNXTensors(maxTokens, dimensions)
	if err != nil {
		return nil, err
	}
	session, err := ort.NewAdvancedSession(modelPath, onnxInputNames, onnxOutputNames,
		[]ort.ArbitraryTensor{tensors.inputIDs, tensors.attentionMask, tensors.tokenTypeIDs},
		[]ort.ArbitraryTensor{tensors.output},
		nil,
	)
	if err != nil {
		tensors.destroy()
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", modelPath, err)
	}

	return &ONNXEmbedder{
		session:    session,
		io:         tensors,
		dimensions: dimensions,
		maxTokens:  len(tensors.inputIDs.GetData()),
	}, nil
}

// Embed returns the L2-normalized embedding for text. A failed inference is reported as an
// unavailable backend so the router retries it.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := errs.FromContext(ctx, "onnx.embed"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errs.BackendUnavailable("onnx.embed", fmt.Errorf("session closed"))
	}

	in := buildInputs(text, e.maxTokens)
	copy(e.io.inputIDs.GetData(), in.inputIDs)
	copy(e.io.attentionMask.GetData(), in.attentionMask)
	copy(e.io.tokenTypeIDs.GetData(), in.tokenTypeIDs)

	if err := e.session.Run(); err != nil {
		return nil, errs.BackendUnavailable("onnx.embed", err)
	}

	vec := make([]float32, e.dimensions)
	copy(vec, e.io.output.GetData())
	utils.NormalizeL2(vec)
	return vec, nil
}

// EmbedBatch embeds texts in order; the session runs one sequence at a time.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Close destroys the session and its tensors.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	e.io.destroy()
	return err
}

package embedding

import (
	"context"
	"fmt"
	"os"

	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/hyperjump/yakkan/internal/config"
)

// embeddingClient is the part of a langchaingo LLM used for embeddings.
type embeddingClient interface {
	CreateEmbedding(ctx context.Context, inputTexts []string) ([][]float32, error)
}

// RemoteEmbedder calls a hosted or self-hosted embedding API through langchaingo.
type RemoteEmbedder struct {
	client     embeddingClient
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates a backend for the public OpenAI API.
func NewOpenAIEmbedder(m config.ModelConfig) (*RemoteEmbedder, error) {
	opts := []openai.Option{
		openai.WithEmbeddingModel(remoteModel(m)),
	}
	if token := apiKey(m); token != "" {
		opts = append(opts, openai.WithToken(token))
	}
	if m.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(m.Endpoint))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client for %s: %w", m.Name, err)
	}
	return &RemoteEmbedder{client: client, model: m.Name, dimensions: m.Dimensions}, nil
}

// NewAzureEmbedder creates a backend for an Azure OpenAI deployment inside the restricted network.
func NewAzureEmbedder(m config.ModelConfig) (*RemoteEmbedder, error) {
	if m.Endpoint == "" {
		return nil, fmt.Errorf("azure model %s requires an endpoint", m.Name)
	}
	client, err := openai.New(
		openai.WithAPIType(openai.APITypeAzure),
		openai.WithBaseURL(m.Endpoint),
		openai.WithAPIVersion(m.APIVersion),
		openai.WithToken(apiKey(m)),
		openai.WithEmbeddingModel(remoteModel(m)),
	)
	if err != nil {
		return nil, fmt.Errorf("azure client for %s: %w", m.Name, err)
	}
	return &RemoteEmbedder{client: client, model: m.Name, dimensions: m.Dimensions}, nil
}

// NewOllamaEmbedder creates a backend for an Ollama server in the isolated network.
func NewOllamaEmbedder(m config.ModelConfig) (*RemoteEmbedder, error) {
	opts := []ollama.Option{ollama.WithModel(remoteModel(m))}
	if m.Endpoint != "" {
		opts = append(opts, ollama.WithServerURL(m.Endpoint))
	}
	client, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("ollama client for %s: %w", m.Name, err)
	}
	return &RemoteEmbedder{client: client, model: m.Name, dimensions: m.Dimensions}, nil
}

// Embed returns the embedding for one text.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%s returned %d embeddings for 1 text", e.model, len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one API call.
func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.client.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.model, err)
	}
	return vecs, nil
}

// Dimensions returns the declared embedding dimension.
func (e *RemoteEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op; the HTTP clients hold no resources.
func (e *RemoteEmbedder) Close() error {
	return nil
}

func remoteModel(m config.ModelConfig) string {
	if m.RemoteModel != "" {
		return m.RemoteModel
	}
	return m.Name
}

func apiKey(m config.ModelConfig) string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

// NewBackend creates the backend named by m.Backend.
func NewBackend(m config.ModelConfig) (Embedder, error) {
	switch m.Backend {
	case "openai":
		return NewOpenAIEmbedder(m)
	case "azure":
		return NewAzureEmbedder(m)
	case "ollama":
		return NewOllamaEmbedder(m)
	case "onnx":
		return NewONNXEmbedder(m.ModelPath, m.Dimensions, m.MaxInputTokens)
	case "mock":
		return NewMockEmbedder(m.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q for model %s", m.Backend, m.Name)
	}
}

package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama implements Backend using a local Ollama server
type Ollama struct {
	baseURL    string
	model      string
	client     *http.Client
	rasterizer Rasterizer
}

// NewOllama creates a new Ollama backend
// Recommended models for document scanning (in order of recommendation):
//   - qwen2.5vl (good OCR capabilities, reads Japanese well)
//   - llava:1.6 (best balance of accuracy and speed)
//   - llava:latest (general purpose vision model)
//
// Ollama only accepts images, so PDFs are sent as their first rendered page.
// Multi-page PDFs are split by the pipeline before they get here.
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "qwen2.5vl"
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client: &http.Client{
			Timeout: 5 * time.Minute, // vision models on local hardware are slow
		},
		rasterizer: NewFitzRasterizer(DefaultRenderScale),
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int32   `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason"`
	Error      string        `json:"error"`
}

// Generate sends the prompt and image to Ollama
func (o *Ollama) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	imageData, err := o.imageFor(req.Data, req.MIMEType)
	if err != nil {
		return nil, unreadableDocument(err)
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxOutputTokens,
		},
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert bookkeeper who reads receipts, bank books and card statements. Read every line of the image carefully.",
			},
			{
				Role:    "user",
				Content: req.Prompt,
				Images:  []string{base64.StdEncoding.EncodeToString(imageData)},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if se := classifyTransport(err); se != nil {
			return nil, se
		}
		return nil, newScanError(KindNetworkError, err, "calling ollama API: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newScanError(KindNetworkError, err, "reading ollama response: %v", err)
	}

	var chatResp ollamaChatResponse
	decodeErr := json.Unmarshal(body, &chatResp)

	if resp.StatusCode != http.StatusOK {
		message := chatResp.Error
		if decodeErr != nil || message == "" {
			message = string(body)
		}
		return nil, ClassifyStatus(resp.StatusCode, message, nil)
	}
	if decodeErr != nil {
		return nil, newScanError(KindInvalidResponse, decodeErr, "decoding ollama response: %v", decodeErr)
	}

	return &GenerateResponse{
		Text:      chatResp.Message.Content,
		Truncated: chatResp.DoneReason == "length",
	}, nil
}

func (o *Ollama) imageFor(data []byte, mimeType string) ([]byte, error) {
	if !IsPDF(data, mimeType) {
		pngData, _, err := prepareImageData(data, mimeType)
		return pngData, err
	}

	pages, err := o.rasterizer.Rasterize(data)
	if err != nil {
		return nil, fmt.Errorf("converting PDF to image: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	return pages[0].Image, pages[0].Err
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}

package scanning

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultGeminiModel is used when no model is configured
const DefaultGeminiModel = "gemini-2.5-flash"

// AllowedGeminiModels lists the model names the extraction prompt is tuned for
var AllowedGeminiModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.0-flash",
}

// ValidateGeminiModel returns an error for model names outside AllowedGeminiModels
func ValidateGeminiModel(name string) error {
	if !slices.Contains(AllowedGeminiModels, name) {
		return fmt.Errorf("unsupported gemini model %q (allowed: %s)", name, strings.Join(AllowedGeminiModels, ", "))
	}
	return nil
}

// Gemini implements Backend using Google Gemini
type Gemini struct {
	client    *genai.Client
	modelName string
	timeout   time.Duration
}

// NewGemini creates a new Gemini backend
func NewGemini(apiKey string, modelName string, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	if err := ValidateGeminiModel(modelName); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(context.Background(), append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:    client,
		modelName: modelName,
		// multi-page statements produce long replies
		timeout: 5 * time.Minute,
	}, nil
}

// Generate sends the prompt and one inline payload to Gemini
func (g *Gemini) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := geminiPayload(req.Data, req.MIMEType)
	if err != nil {
		return nil, unreadableDocument(err)
	}

	model := g.client.GenerativeModel(g.modelName)
	model.SetTemperature(req.Temperature)
	model.SetMaxOutputTokens(req.MaxOutputTokens)

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt), payload)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	if len(resp.Candidates) == 0 {
		return nil, newScanError(KindInvalidResponse, nil, "no response from gemini")
	}
	candidate := resp.Candidates[0]

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}

	return &GenerateResponse{
		Text:      text.String(),
		Truncated: candidate.FinishReason == genai.FinishReasonMaxTokens,
	}, nil
}

// geminiPayload sends PDFs inline as-is and images as PNG
func geminiPayload(data []byte, mimeType string) (genai.Part, error) {
	if IsPDF(data, mimeType) {
		return genai.Blob{MIMEType: mimePDF, Data: data}, nil
	}
	pngData, _, err := prepareImageData(data, mimeType)
	if err != nil {
		return nil, err
	}
	// genai.ImageData expects just the format suffix
	return genai.ImageData("png", pngData), nil
}

// classifyGeminiError maps SDK failures onto the extraction error kinds
func classifyGeminiError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return newScanError(KindInvalidResponse, err, "gemini blocked the response: %v", err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = apiErr.Body
		}
		return ClassifyStatus(apiErr.Code, message, err)
	}

	if se := classifyTransport(err); se != nil {
		return se
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument:
			return ClassifyStatus(400, st.Message(), err)
		case codes.Unauthenticated, codes.PermissionDenied:
			return ClassifyStatus(403, st.Message(), err)
		case codes.ResourceExhausted:
			return ClassifyStatus(429, st.Message(), err)
		case codes.Unavailable, codes.DeadlineExceeded:
			return newScanError(KindNetworkError, err, "gemini unavailable: %s", st.Message())
		}
	}

	return newScanError(KindAPIError, err, "generating content: %v", err)
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

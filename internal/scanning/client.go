package scanning

import (
	"context"
	"log/slog"
	"time"
)

// DefaultMaxPayloadBytes is the largest decoded payload sent to a model
const DefaultMaxPayloadBytes = 50 << 20

// Generation parameters used for every extraction request.
const (
	extractTemperature     = 0.1
	extractMaxOutputTokens = 65536
)

// Client extracts transactions from one payload with a single model request
type Client struct {
	backend         Backend
	maxPayloadBytes int
}

// NewClient creates a Client; maxPayloadBytes <= 0 uses DefaultMaxPayloadBytes
func NewClient(backend Backend, maxPayloadBytes int) *Client {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Client{backend: backend, maxPayloadBytes: maxPayloadBytes}
}

// Extract sends the payload to the model and parses its reply
func (c *Client) Extract(ctx context.Context, req ExtractRequest) ([]Transaction, error) {
	if len(req.Data) > c.maxPayloadBytes {
		return nil, newScanError(KindFileTooLarge, nil,
			"file is too large: %.1f MB (maximum %d MB)", float64(len(req.Data))/(1<<20), c.maxPayloadBytes>>20)
	}

	start := time.Now()
	resp, err := c.backend.Generate(ctx, GenerateRequest{
		Prompt:          BuildPrompt(req.AutoGuess),
		Data:            req.Data,
		MIMEType:        NormalizeMIMEType(req.MIMEType),
		Temperature:     extractTemperature,
		MaxOutputTokens: extractMaxOutputTokens,
	})
	if err != nil {
		slog.Warn("Model request failed",
			"kind", KindOf(err),
			"bytes", len(req.Data),
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, err
	}
	if resp.Truncated {
		return nil, newScanError(KindInvalidResponse, ErrTruncated,
			"response truncated: the model reached its output token limit (MAX_TOKENS)")
	}

	txs, err := ParseTransactions(resp.Text)
	if err != nil {
		slog.Warn("Failed to parse model response", "error", err, "response_bytes", len(resp.Text))
		return nil, err
	}

	slog.Debug("Extracted transactions",
		"count", len(txs),
		"auto_guess", req.AutoGuess,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return txs, nil
}

// Close closes the underlying backend
func (c *Client) Close() error {
	return c.backend.Close()
}

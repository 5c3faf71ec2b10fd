package scanning

import (
	"context"

	"github.com/shopspring/decimal"
)

// Transaction types reported by the model.
const (
	TypeIncome  = "income"
	TypeExpense = "expense"
)

// Transaction is one accounting entry extracted from a document
type Transaction struct {
	ID            string          `json:"id"`
	Date          string          `json:"date"` // YYYY/MM/DD
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"` // signed once normalized: negative = outflow
	Type          string          `json:"type"`
	Kamoku        string          `json:"kamoku,omitempty"`
	SubKamoku     string          `json:"subKamoku,omitempty"`
	InvoiceNumber string          `json:"invoiceNumber,omitempty"`
	TaxCategory   string          `json:"taxCategory,omitempty"`
}

// IsExpense reports whether the transaction is an outflow
func (t Transaction) IsExpense() bool {
	return t.Type == TypeExpense
}

// ExtractRequest is a single payload sent to the inference service
type ExtractRequest struct {
	Data      []byte
	MIMEType  string
	AutoGuess bool
}

// Extractor turns one image or PDF payload into raw transactions
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) ([]Transaction, error)
}

// GenerateRequest is what a Backend sends to its model
type GenerateRequest struct {
	Prompt          string
	Data            []byte
	MIMEType        string
	Temperature     float32
	MaxOutputTokens int32
}

// GenerateResponse is the raw model reply
type GenerateResponse struct {
	Text      string
	Truncated bool // the model stopped at its output token ceiling
}

// Backend defines the interface for a model provider
type Backend interface {
	// Generate sends exactly one request and returns the model's text.
	// Failures are returned as *ScanError.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	// Close closes the backend and releases resources
	Close() error
}

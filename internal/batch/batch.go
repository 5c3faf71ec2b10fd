package batch

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/bookscan/internal/ledger"
	"github.com/zombor/bookscan/internal/pipeline"
	"github.com/zombor/bookscan/internal/scanning"
)

var (
	// ErrNotFound is returned when a batch, transaction or rule does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for requests the service refuses to process
	ErrInvalidInput = errors.New("invalid input")
)

// Batch is one scanned document and the ledger entries taken from it
type Batch struct {
	ID           string                  `json:"id"`
	ClientID     string                  `json:"clientId"`
	BookType     ledger.BookType         `json:"bookType"`
	AutoGuess    bool                    `json:"autoGuess"`
	Filename     string                  `json:"filename"`
	ContentType  string                  `json:"contentType"`
	MultiPage    bool                    `json:"multiPage"`
	Pages        []pipeline.PageResult   `json:"pages"`
	Transactions []scanning.Transaction  `json:"transactions"`
	Duplicates   []ledger.DuplicateGroup `json:"duplicates"`
	Summary      string                  `json:"summary,omitempty"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
}

// result rebuilds the page view the pipeline produced
func (b *Batch) result() *pipeline.ScanResult {
	return &pipeline.ScanResult{MultiPage: b.MultiPage, Pages: b.Pages, Transactions: b.Transactions}
}

// refresh recomputes everything derived from the pages
func (b *Batch) refresh() {
	r := b.result()
	r.Flatten()
	b.Transactions = r.Transactions
	b.Duplicates = ledger.FindDuplicates(b.Transactions)
	if b.MultiPage {
		b.Summary = r.Summary()
	}
}

// Upload is a document submitted for scanning
type Upload struct {
	ClientID    string
	Filename    string
	ContentType string
	Data        []byte
	// BookType and AutoGuess fall back to the service defaults when empty
	BookType  string
	AutoGuess *bool
}

// Edit is a user correction to one transaction. Nil fields are left alone.
type Edit struct {
	Date          *string          `json:"date,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Type          *string          `json:"type,omitempty"`
	Kamoku        *string          `json:"kamoku,omitempty"`
	SubKamoku     *string          `json:"subKamoku,omitempty"`
	TaxCategory   *string          `json:"taxCategory,omitempty"`
	InvoiceNumber *string          `json:"invoiceNumber,omitempty"`
}

// changesAccount reports whether the edit touches the account fields
func (e Edit) changesAccount() bool {
	return e.Kamoku != nil || e.SubKamoku != nil
}

package pipeline

import (
	"fmt"

	"github.com/zombor/bookscan/internal/scanning"
)

// Progress phases.
const (
	PhaseExtracting = "extracting"
	PhaseAnalyzing  = "analyzing"
	PhaseComplete   = "complete"
)

// Progress is one event of the multi-page progress stream
type Progress struct {
	Phase       string `json:"phase"`
	CurrentPage int    `json:"currentPage"`
	TotalPages  int    `json:"totalPages"`
	Message     string `json:"message"`
}

// ProgressFunc receives progress events; calls are never concurrent
type ProgressFunc func(Progress)

// PageResult is the outcome of analyzing one page
type PageResult struct {
	PageNumber   int                    `json:"pageNumber"`
	Transactions []scanning.Transaction `json:"transactions"`
	Error        string                 `json:"error,omitempty"`
}

// ScanResult aggregates every page of a document
type ScanResult struct {
	MultiPage    bool                   `json:"multiPage"`
	Pages        []PageResult           `json:"pages"`
	Transactions []scanning.Transaction `json:"transactions"`
}

// Flatten rebuilds Transactions from the pages in page order
func (r *ScanResult) Flatten() {
	txs := make([]scanning.Transaction, 0)
	for _, p := range r.Pages {
		txs = append(txs, p.Transactions...)
	}
	r.Transactions = txs
}

// Succeeded returns the number of pages analyzed without error
func (r *ScanResult) Succeeded() int {
	n := 0
	for _, p := range r.Pages {
		if p.Error == "" {
			n++
		}
	}
	return n
}

// Failed returns the number of pages that carry an error
func (r *ScanResult) Failed() int {
	return len(r.Pages) - r.Succeeded()
}

// Summary describes the outcome for the end user
func (r *ScanResult) Summary() string {
	return fmt.Sprintf("%d pages succeeded, %d pages failed", r.Succeeded(), r.Failed())
}

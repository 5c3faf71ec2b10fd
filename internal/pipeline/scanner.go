package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zombor/bookscan/internal/scanning"
)

// Document is an uploaded file ready to be scanned
type Document struct {
	Data     []byte
	MIMEType string
}

// ScanOptions are per-scan settings chosen by the caller
type ScanOptions struct {
	AutoGuess bool
}

// Scanner drives extraction over every page of a document
type Scanner struct {
	rasterizer  scanning.Rasterizer
	extractor   scanning.Extractor
	limiter     *rate.Limiter
	concurrency int
}

// Option configures a Scanner
type Option func(*Scanner)

// WithConcurrency analyzes up to n pages at once. The default of 1 keeps
// page requests strictly sequential, which is what the inference service's
// per-minute quota expects; raising it is only safe on paid quotas.
func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithPagesPerMinute spaces page requests so no more than n start per minute
func WithPagesPerMinute(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
		}
	}
}

// NewScanner creates a Scanner. Every extraction goes through the retrier.
func NewScanner(rasterizer scanning.Rasterizer, extractor scanning.Extractor, retrier *scanning.Retrier, opts ...Option) *Scanner {
	s := &Scanner{
		rasterizer:  rasterizer,
		extractor:   &scanning.RetryingExtractor{Extractor: extractor, Retrier: retrier},
		concurrency: 1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Scan extracts the transactions of a document. PDFs with more than one page
// are analyzed page by page and page failures are recorded in the result;
// anything else is sent whole and its failure is returned directly.
//
// When ctx is cancelled no further page requests are issued; the remaining
// pages are marked as cancelled and the partial result is returned with ctx's error.
func (s *Scanner) Scan(ctx context.Context, doc Document, opts ScanOptions, progress ProgressFunc) (*ScanResult, error) {
	if progress == nil {
		progress = func(Progress) {}
	}

	if scanning.IsPDF(doc.Data, doc.MIMEType) {
		n, err := s.rasterizer.PageCount(doc.Data)
		switch {
		case err != nil:
			// the model may still read a PDF MuPDF cannot open
			slog.Warn("Could not count PDF pages, sending whole file", "error", err)
		case n > 1:
			return s.scanPages(ctx, doc, opts, progress)
		}
	}

	return s.scanSingle(ctx, doc, opts)
}

func (s *Scanner) scanSingle(ctx context.Context, doc Document, opts ScanOptions) (*ScanResult, error) {
	txs, err := s.extractor.Extract(ctx, scanning.ExtractRequest{
		Data:      doc.Data,
		MIMEType:  doc.MIMEType,
		AutoGuess: opts.AutoGuess,
	})
	if err != nil {
		return nil, err
	}

	result := &ScanResult{
		MultiPage: false,
		Pages:     []PageResult{{PageNumber: 1, Transactions: txs}},
	}
	result.Flatten()
	return result, nil
}

func (s *Scanner) scanPages(ctx context.Context, doc Document, opts ScanOptions, progress ProgressFunc) (*ScanResult, error) {
	progress(Progress{Phase: PhaseExtracting, Message: "Extracting pages from PDF"})

	pages, err := s.rasterizer.Rasterize(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("rasterizing document: %w", err)
	}
	total := len(pages)
	slog.Info("Analyzing multi-page document", "pages", total, "concurrency", s.concurrency)

	results := make([]PageResult, total)
	var mu sync.Mutex
	report := func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		progress(p)
	}

	analyze := func(i int) {
		page := pages[i]
		if ctx.Err() != nil {
			results[i] = failedPage(page.Number, "scan cancelled before this page was analyzed")
			return
		}
		report(Progress{
			Phase:       PhaseAnalyzing,
			CurrentPage: page.Number,
			TotalPages:  total,
			Message:     fmt.Sprintf("Analyzing page %d of %d", page.Number, total),
		})
		results[i] = s.analyzePage(ctx, page, opts)
	}

	if s.concurrency <= 1 {
		for i := range pages {
			analyze(i)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for i := range pages {
			g.Go(func() error {
				analyze(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	result := &ScanResult{MultiPage: true, Pages: results}
	result.Flatten()

	slog.Info("Multi-page analysis finished", "succeeded", result.Succeeded(), "failed", result.Failed())
	report(Progress{
		Phase:       PhaseComplete,
		CurrentPage: total,
		TotalPages:  total,
		Message:     result.Summary(),
	})
	return result, ctx.Err()
}

// analyzePage never fails: every error ends up in the page result
func (s *Scanner) analyzePage(ctx context.Context, page scanning.Page, opts ScanOptions) PageResult {
	if page.Err != nil || len(page.Image) == 0 {
		reason := "no image"
		if page.Err != nil {
			reason = page.Err.Error()
		}
		return failedPage(page.Number, "page extraction failed: "+reason)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return failedPage(page.Number, "scan cancelled before this page was analyzed")
		}
	}

	txs, err := s.extractor.Extract(ctx, scanning.ExtractRequest{
		Data:      page.Image,
		MIMEType:  "image/png",
		AutoGuess: opts.AutoGuess,
	})
	if err != nil {
		slog.Warn("Page analysis failed", "page", page.Number, "kind", scanning.KindOf(err), "error", err)
		return failedPage(page.Number, err.Error())
	}
	return PageResult{PageNumber: page.Number, Transactions: txs}
}

func failedPage(number int, message string) PageResult {
	return PageResult{
		PageNumber:   number,
		Transactions: []scanning.Transaction{},
		Error:        message,
	}
}

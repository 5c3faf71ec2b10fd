package batch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zombor/bookscan/internal/ledger"
	"github.com/zombor/bookscan/internal/pipeline"
	"github.com/zombor/bookscan/internal/scanning"
)

// DefaultClientID owns uploads that do not name a client
const DefaultClientID = "default"

// IDGenerator generates unique IDs for batches
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// DocumentScanner extracts transactions from a document
type DocumentScanner interface {
	Scan(ctx context.Context, doc pipeline.Document, opts pipeline.ScanOptions, progress pipeline.ProgressFunc) (*pipeline.ScanResult, error)
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Defaults apply to uploads that leave a setting empty
type Defaults struct {
	BookType  ledger.BookType
	AutoGuess bool
}

// Service handles batch operations
type Service struct {
	db          DB
	scanner     DocumentScanner
	storage     Storage
	defaults    Defaults
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, scanner DocumentScanner, storage Storage, defaults Defaults) *Service {
	return NewServiceWithDeps(db, scanner, storage, defaults, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner DocumentScanner, storage Storage, defaults Defaults, idGen IDGenerator, timeSrc TimeSource) *Service {
	if defaults.BookType == "" {
		defaults.BookType = ledger.BookCash
	}
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		defaults:    defaults,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^\p{L}\p{N}\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename strips special characters and shortens long scanner filenames
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	if unsafeFilenameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	const maxLen = 50
	if utf8.RuneCountInString(base) > maxLen {
		base = string([]rune(base)[:maxLen])
	}
	if base == "" {
		base = "document"
	}
	return base + ext
}

// ProcessDocument stores an upload, scans it, and books the transactions
// found into a new batch.
//
// A single-page document that cannot be scanned returns the classified scan
// error and nothing is kept. Page failures inside a multi-page document are
// recorded on the batch instead.
func (s *Service) ProcessDocument(ctx context.Context, up Upload, progress pipeline.ProgressFunc) (*Batch, error) {
	if len(up.Data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidInput)
	}

	bookType := s.defaults.BookType
	if up.BookType != "" {
		bt, err := ledger.ParseBookType(up.BookType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		bookType = bt
	}
	autoGuess := s.defaults.AutoGuess
	if up.AutoGuess != nil {
		autoGuess = *up.AutoGuess
	}
	clientID := strings.TrimSpace(up.ClientID)
	if clientID == "" {
		clientID = DefaultClientID
	}
	contentType := scanning.NormalizeMIMEType(up.ContentType)

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(up.Filename)), up.Data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	result, err := s.scanner.Scan(ctx, pipeline.Document{Data: up.Data, MIMEType: contentType}, pipeline.ScanOptions{AutoGuess: autoGuess}, progress)
	if err != nil {
		slog.Error("Failed to scan document",
			"filename", up.Filename,
			"content_type", contentType,
			"file_size", len(up.Data),
			"kind", scanning.KindOf(err),
			"error", err,
		)
		s.deleteFile(savedPath)
		return nil, fmt.Errorf("scanning document: %w", err)
	}

	// rules are read once so the whole document sees the same snapshot
	rules, err := s.db.GetRules(clientID)
	if err != nil {
		s.deleteFile(savedPath)
		return nil, fmt.Errorf("loading learning rules: %w", err)
	}
	normalizer := ledger.NewNormalizer(bookType, autoGuess, rules)

	pages := make([]pipeline.PageResult, 0, len(result.Pages))
	for _, p := range result.Pages {
		p.Transactions = normalizer.Apply(p.Transactions)
		pages = append(pages, p)
	}

	b := &Batch{
		ID:          id,
		ClientID:    clientID,
		BookType:    bookType,
		AutoGuess:   autoGuess,
		Filename:    savedPath,
		ContentType: contentType,
		MultiPage:   result.MultiPage,
		Pages:       pages,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.refresh()

	if err := s.db.SaveBatch(b); err != nil {
		s.deleteFile(savedPath)
		return nil, fmt.Errorf("saving batch to database: %w", err)
	}

	slog.Info("Processed document",
		"batch", b.ID,
		"client", clientID,
		"pages", len(b.Pages),
		"transactions", len(b.Transactions),
		"duplicate_groups", len(b.Duplicates),
	)
	return b, nil
}

func (s *Service) deleteFile(path string) {
	if err := s.storage.Delete(path); err != nil {
		slog.Warn("Failed to delete file", "filename", path, "error", err)
	}
}

// GetBatch retrieves a batch by ID
func (s *Service) GetBatch(id string) (*Batch, error) {
	b, err := s.db.GetBatch(id)
	if err != nil {
		return nil, fmt.Errorf("getting batch: %w", err)
	}
	return b, nil
}

// ListBatches returns all batches
func (s *Service) ListBatches() ([]*Batch, error) {
	batches, err := s.db.ListBatches()
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	return batches, nil
}

// DeleteBatch removes a batch and its file
func (s *Service) DeleteBatch(id string) error {
	b, err := s.db.GetBatch(id)
	if err != nil {
		return fmt.Errorf("getting batch for deletion: %w", err)
	}

	s.deleteFile(b.Filename)

	if err := s.db.DeleteBatch(id); err != nil {
		return fmt.Errorf("deleting batch from database: %w", err)
	}
	return nil
}

// GetBatchFile retrieves the original document of a batch
func (s *Service) GetBatchFile(id string) ([]byte, string, error) {
	b, err := s.db.GetBatch(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting batch: %w", err)
	}

	data, err := s.storage.Get(b.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting batch file: %w", err)
	}
	return data, b.ContentType, nil
}

// UpdateTransaction applies a user correction. An account change is
// remembered as a learning rule for the transaction's description so later
// scans for the same client book it the same way.
func (s *Service) UpdateTransaction(batchID, txID string, edit Edit) (*Batch, error) {
	b, err := s.db.GetBatch(batchID)
	if err != nil {
		return nil, fmt.Errorf("getting batch: %w", err)
	}

	tx, err := b.find(txID)
	if err != nil {
		return nil, err
	}

	updated, err := applyEdit(*tx, edit)
	if err != nil {
		return nil, err
	}
	// resolves suspense accounts and signs, with no rules so the edit wins
	*tx = ledger.NewNormalizer(b.BookType, true, nil).Normalize(updated)

	learn := edit.changesAccount() && strings.TrimSpace(updated.Kamoku) != ""
	rule := ledger.LearningRule{Kamoku: tx.Kamoku, SubKamoku: tx.SubKamoku}
	description := tx.Description

	b.UpdatedAt = s.timeSource.Now()
	b.refresh()

	// the edit is stored first so a rule never outlives a lost correction
	if err := s.db.SaveBatch(b); err != nil {
		return nil, fmt.Errorf("saving batch: %w", err)
	}

	if learn {
		if err := s.db.PutRule(b.ClientID, description, rule); err != nil {
			return nil, fmt.Errorf("saving learning rule: %w", err)
		}
		slog.Info("Learned account", "client", b.ClientID, "description", description, "kamoku", rule.Kamoku)
	}
	return b, nil
}

// find returns the page copy of a transaction so edits survive refresh
func (b *Batch) find(txID string) (*scanning.Transaction, error) {
	for pi := range b.Pages {
		txs := b.Pages[pi].Transactions
		for ti := range txs {
			if txs[ti].ID == txID {
				return &txs[ti], nil
			}
		}
	}
	return nil, fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
}

func applyEdit(tx scanning.Transaction, e Edit) (scanning.Transaction, error) {
	if e.Date != nil {
		d := scanning.NormalizeDate(*e.Date)
		if d == "" {
			return tx, fmt.Errorf("%w: date is required", ErrInvalidInput)
		}
		tx.Date = d
	}
	if e.Description != nil {
		d := strings.TrimSpace(*e.Description)
		if d == "" {
			return tx, fmt.Errorf("%w: description is required", ErrInvalidInput)
		}
		tx.Description = d
	}
	if e.Type != nil {
		if *e.Type != scanning.TypeIncome && *e.Type != scanning.TypeExpense {
			return tx, fmt.Errorf("%w: type must be %q or %q", ErrInvalidInput, scanning.TypeIncome, scanning.TypeExpense)
		}
		tx.Type = *e.Type
	}
	if e.Amount != nil {
		tx.Amount = *e.Amount
	}
	if e.Kamoku != nil {
		tx.Kamoku = strings.TrimSpace(*e.Kamoku)
	}
	if e.SubKamoku != nil {
		tx.SubKamoku = strings.TrimSpace(*e.SubKamoku)
	}
	if e.TaxCategory != nil {
		tx.TaxCategory = *e.TaxCategory
	}
	if e.InvoiceNumber != nil {
		tx.InvoiceNumber = *e.InvoiceNumber
	}
	return tx, nil
}

// ListRules returns the learning rules of a client
func (s *Service) ListRules(clientID string) (ledger.RuleSet, error) {
	rules, err := s.db.GetRules(clientID)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	return rules, nil
}

// PutRule creates or replaces the learning rule for a description
func (s *Service) PutRule(clientID, description string, rule ledger.LearningRule) error {
	if description == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	if strings.TrimSpace(rule.Kamoku) == "" {
		return fmt.Errorf("%w: kamoku is required", ErrInvalidInput)
	}
	if err := s.db.PutRule(clientID, description, rule); err != nil {
		return fmt.Errorf("saving rule: %w", err)
	}
	return nil
}

// DeleteRule removes the learning rule for a description
func (s *Service) DeleteRule(clientID, description string) error {
	if err := s.db.DeleteRule(clientID, description); err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	return nil
}

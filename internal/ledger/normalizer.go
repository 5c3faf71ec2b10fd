package ledger

import (
	"fmt"
	"strings"

	"github.com/zombor/bookscan/internal/scanning"
)

// BookType is the kind of ledger a batch is booked into
type BookType string

const (
	BookCash    BookType = "cash"
	BookDeposit BookType = "deposit"
	BookCredit  BookType = "credit"
)

// Sentinels forced onto deposit and credit ledgers, which carry no tax or
// invoice semantics.
const (
	TaxNotApplicable   = "対象外"
	InvoiceUnqualified = "unqualified"
)

// ParseBookType validates a book type name. An empty string is cash.
func ParseBookType(s string) (BookType, error) {
	switch BookType(strings.ToLower(strings.TrimSpace(s))) {
	case "", BookCash:
		return BookCash, nil
	case BookDeposit:
		return BookDeposit, nil
	case BookCredit:
		return BookCredit, nil
	}
	return "", fmt.Errorf("unknown book type %q (want cash, deposit or credit)", s)
}

// CarriesTax reports whether the ledger keeps tax category and invoice data
func (b BookType) CarriesTax() bool {
	return b == BookCash
}

// LearningRule is a user-confirmed account mapping for a description
type LearningRule struct {
	Kamoku    string `json:"kamoku"`
	SubKamoku string `json:"subKamoku"`
}

// RuleSet maps exact descriptions to learning rules
type RuleSet map[string]LearningRule

// Clone returns an independent copy
func (r RuleSet) Clone() RuleSet {
	out := make(RuleSet, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Normalizer turns raw extracted transactions into ledger entries
type Normalizer struct {
	bookType  BookType
	autoGuess bool
	rules     RuleSet
}

// NewNormalizer creates a Normalizer over a snapshot of rules. Later changes
// to the caller's map do not affect it.
func NewNormalizer(bookType BookType, autoGuess bool, rules RuleSet) *Normalizer {
	return &Normalizer{
		bookType:  bookType,
		autoGuess: autoGuess,
		rules:     rules.Clone(),
	}
}

// Apply normalizes every transaction into a new slice. The input is not modified.
func (n *Normalizer) Apply(txs []scanning.Transaction) []scanning.Transaction {
	out := make([]scanning.Transaction, 0, len(txs))
	for _, tx := range txs {
		out = append(out, n.Normalize(tx))
	}
	return out
}

// Normalize resolves the account and signs the amount of one transaction.
//
// Account precedence: a learning rule for the exact description, then the
// model's guess when auto-guess is on, then the suspense account for the
// transaction's direction.
func (n *Normalizer) Normalize(tx scanning.Transaction) scanning.Transaction {
	if rule, ok := n.rules[tx.Description]; ok {
		tx.Kamoku = rule.Kamoku
		tx.SubKamoku = rule.SubKamoku
	} else if !n.autoGuess || strings.TrimSpace(tx.Kamoku) == "" {
		tx.Kamoku = suspenseAccount(tx)
		tx.SubKamoku = ""
	}

	// the model is asked for positive amounts but sometimes signs them itself
	abs := tx.Amount.Abs()
	if tx.IsExpense() {
		tx.Amount = abs.Neg()
	} else {
		tx.Amount = abs
	}

	if !n.bookType.CarriesTax() {
		tx.TaxCategory = TaxNotApplicable
		tx.InvoiceNumber = InvoiceUnqualified
	}
	return tx
}

func suspenseAccount(tx scanning.Transaction) string {
	if tx.IsExpense() {
		return scanning.SuspensePayable
	}
	return scanning.SuspenseReceivable
}

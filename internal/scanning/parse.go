package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

const diagnosticPrefixLen = 100

var (
	fencedBlock    = regexp.MustCompile("(?s)(?:```|~~~)[A-Za-z]*[ \t]*\r?\n?(.*?)(?:```|~~~)")
	openFence      = regexp.MustCompile("^(?:```|~~~)[A-Za-z]*[ \t]*\r?\n?")
	emptyArray     = regexp.MustCompile(`^\[\s*\]$`)
	objectArrayRun = regexp.MustCompile(`(?s)\[\s*\{.*?\}\s*\]`)
)

const transactionSchema = `{
	"type": "object",
	"required": ["date", "description", "amount", "type"],
	"properties": {
		"date": {"type": "string", "minLength": 1},
		"description": {"type": "string", "minLength": 1},
		"amount": {"type": ["number", "string"]},
		"type": {"enum": ["income", "expense"]}
	}
}`

var recordSchema = jsonschema.MustCompileString("transaction.json", transactionSchema)

// ParseTransactions turns a model reply into validated transactions. The reply
// may be wrapped in commentary or code fences; a reply cut off mid-array is
// rejected rather than guessed at.
func ParseTransactions(text string) ([]Transaction, error) {
	candidate := repair(text)
	if candidate == "" {
		return nil, newScanError(KindInvalidResponse, nil, "empty response from model")
	}

	if strings.HasPrefix(candidate, "[") && !strings.HasSuffix(candidate, "]") {
		return nil, newScanError(KindInvalidResponse, ErrTruncated,
			"response truncated: reply ended before the closing ']' (%d characters received)", len(candidate))
	}
	if emptyArray.MatchString(candidate) {
		return []Transaction{}, nil
	}

	records, err := decodeRecords(candidate)
	if err != nil {
		// a draft array followed by a corrected one: use the last complete span
		spans := objectArrayRun.FindAllString(candidate, -1)
		if len(spans) == 0 {
			return nil, invalidJSON(err, text)
		}
		records, err = decodeRecords(stripTrailingCommas(spans[len(spans)-1]))
		if err != nil {
			return nil, invalidJSON(err, text)
		}
	}

	return validateRecords(records)
}

// repair applies the cheap textual fixes: fence extraction, locating the
// array inside commentary and stripping trailing commas.
func repair(text string) string {
	s := strings.TrimSpace(text)

	if m := fencedBlock.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	} else if loc := openFence.FindStringIndex(s); loc != nil {
		// opening fence with no closing one: the reply was cut short
		s = strings.TrimSpace(s[loc[1]:])
	}

	if !strings.HasPrefix(s, "[") && !strings.HasPrefix(s, "{") {
		if start := strings.Index(s, "["); start != -1 {
			if end := strings.LastIndex(s, "]"); end > start {
				s = s[start : end+1]
			} else {
				s = s[start:]
			}
		}
	}

	return strings.TrimSpace(stripTrailingCommas(s))
}

// stripTrailingCommas drops commas that directly precede a closing bracket
// or brace. Text inside string literals is left alone.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		} else if c == ',' {
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == ']' || s[j] == '}') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func decodeRecords(s string) ([]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("unexpected data after JSON value")
	}

	switch t := v.(type) {
	case []any:
		return t, nil
	case map[string]any:
		// {"transactions": [...]} or a single bare record
		if inner, ok := t["transactions"].([]any); ok {
			return inner, nil
		}
		return []any{t}, nil
	default:
		return nil, fmt.Errorf("expected a JSON array, got %T", v)
	}
}

func validateRecords(records []any) ([]Transaction, error) {
	txs := make([]Transaction, 0, len(records))
	for i, rec := range records {
		if err := recordSchema.Validate(rec); err != nil {
			return nil, newScanError(KindInvalidResponse, err, "transaction %d: %s", i+1, schemaMessage(err))
		}
		m := rec.(map[string]any)

		amount, err := coerceAmount(m["amount"])
		if err != nil {
			return nil, newScanError(KindInvalidResponse, err, "transaction %d: %v", i+1, err)
		}

		txs = append(txs, Transaction{
			ID:            uuid.NewString(),
			Date:          NormalizeDate(m["date"].(string)),
			Description:   strings.TrimSpace(m["description"].(string)),
			Amount:        amount,
			Type:          m["type"].(string),
			Kamoku:        optString(m, "kamoku"),
			SubKamoku:     optString(m, "subKamoku"),
			InvoiceNumber: optString(m, "invoiceNumber"),
			TaxCategory:   optString(m, "taxCategory"),
		})
	}
	return txs, nil
}

func coerceAmount(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		return ParseAmount(t)
	default:
		return decimal.Zero, fmt.Errorf("amount has unexpected type %T", v)
	}
}

func optString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// schemaMessage reduces a validation error to its most specific cause
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation != "" {
		return fmt.Sprintf("%s: %s", strings.TrimPrefix(ve.InstanceLocation, "/"), ve.Message)
	}
	return ve.Message
}

func invalidJSON(err error, text string) *ScanError {
	return newScanError(KindInvalidResponse, err,
		"could not parse model response as JSON: %v (response starts with %q)", err, prefix(text, diagnosticPrefixLen))
}

func prefix(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

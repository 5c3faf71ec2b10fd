package ledger

import (
	"strings"
	"unicode/utf8"

	"github.com/zombor/bookscan/internal/scanning"
)

// DuplicateThreshold is the minimum description similarity for two
// same-day, same-amount transactions to be flagged.
const DuplicateThreshold = 0.8

const containmentBonus = 0.2

// DuplicateGroup is an anchor transaction and the later ones that look like it
type DuplicateGroup struct {
	AnchorID     string   `json:"anchorId"`
	DuplicateIDs []string `json:"duplicateIds"`
}

// Similarity scores two descriptions between 0 and 1.
//
// If one contains the other (ignoring case) the score is the length ratio
// plus a bonus. Otherwise it is the share of the shorter string's characters
// that occur anywhere in the longer one.
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	shorter, longer := a, b
	if utf8.RuneCountInString(shorter) > utf8.RuneCountInString(longer) {
		shorter, longer = longer, shorter
	}

	ls := utf8.RuneCountInString(shorter)
	ll := utf8.RuneCountInString(longer)
	if ls == 0 {
		return 0
	}

	if strings.Contains(longer, shorter) {
		return min(1, float64(ls)/float64(ll)+containmentBonus)
	}

	found := 0
	for _, r := range shorter {
		if strings.ContainsRune(longer, r) {
			found++
		}
	}
	return float64(found) / float64(ll)
}

// IsDuplicate reports whether b looks like a second copy of a
func IsDuplicate(a, b scanning.Transaction) bool {
	if scanning.NormalizeDate(a.Date) != scanning.NormalizeDate(b.Date) {
		return false
	}
	if !a.Amount.Abs().Equal(b.Amount.Abs()) {
		return false
	}
	return Similarity(a.Description, b.Description) >= DuplicateThreshold
}

// FindDuplicates groups likely duplicates in a single left-to-right pass.
// A transaction claimed by an earlier group never anchors its own. The
// result is advisory; nothing is merged or removed.
func FindDuplicates(txs []scanning.Transaction) []DuplicateGroup {
	claimed := make([]bool, len(txs))
	groups := make([]DuplicateGroup, 0)

	for i := range txs {
		if claimed[i] {
			continue
		}
		var dups []string
		for j := i + 1; j < len(txs); j++ {
			if claimed[j] || !IsDuplicate(txs[i], txs[j]) {
				continue
			}
			claimed[j] = true
			dups = append(dups, txs[j].ID)
		}
		if len(dups) > 0 {
			groups = append(groups, DuplicateGroup{AnchorID: txs[i].ID, DuplicateIDs: dups})
		}
	}
	return groups
}

// DuplicateIDs returns every transaction ID that takes part in a group
func DuplicateIDs(groups []DuplicateGroup) map[string]bool {
	ids := make(map[string]bool)
	for _, g := range groups {
		ids[g.AnchorID] = true
		for _, id := range g.DuplicateIDs {
			ids[id] = true
		}
	}
	return ids
}

package scanning

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/width"
)

var (
	westernDate = regexp.MustCompile(`^(\d{4})\s*[-./年]\s*(\d{1,2})\s*[-./月]\s*(\d{1,2})\s*日?$`)
	eraDate     = regexp.MustCompile(`^(令和|平成|R|H)\s*(\d{1,2}|元)\s*[-./年]\s*(\d{1,2})\s*[-./月]\s*(\d{1,2})\s*日?$`)
	numberLike  = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)
)

// first western year of each era
var eraBase = map[string]int{
	"令和": 2019,
	"R":  2019,
	"平成": 1989,
	"H":  1989,
}

// NormalizeDate converts the date spellings seen on receipts and bank books
// to YYYY/MM/DD. Strings it does not recognize are returned trimmed.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(width.Fold.String(s))

	if m := westernDate.FindStringSubmatch(s); m != nil {
		return formatDate(m[1], m[2], m[3])
	}
	if m := eraDate.FindStringSubmatch(s); m != nil {
		n := 1
		if m[2] != "元" {
			n, _ = strconv.Atoi(m[2])
		}
		return formatDate(strconv.Itoa(eraBase[m[1]]+n-1), m[3], m[4])
	}
	return s
}

func formatDate(year, month, day string) string {
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	return fmt.Sprintf("%s/%02d/%02d", year, mo, d)
}

// ParseAmount parses a model-reported amount such as "1,280", "¥1,280" or "1280円"
func ParseAmount(s string) (decimal.Decimal, error) {
	clean := width.Fold.String(strings.TrimSpace(s))
	clean = strings.NewReplacer(",", "", "¥", "", "￥", "", "円", "", " ", "").Replace(clean)
	if !numberLike.MatchString(clean) {
		return decimal.Zero, fmt.Errorf("amount %q is not a number", s)
	}
	return decimal.NewFromString(clean)
}

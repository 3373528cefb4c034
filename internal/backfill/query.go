package backfill

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/supplier-backfill/internal/model"
)

// companyNameMinRunes is the query length past which a query is taken to be
// a business name rather than a product.
const companyNameMinRunes = 40

var corporateSuffixes = [][]string{
	{"pvt"},
	{"private", "limited"},
	{"ltd"},
	{"limited"},
	{"llp"},
	{"inc"},
	{"corp"},
	{"corporation"},
	{"llc"},
	{"plc"},
	{"gmbh"},
}

// LooksLikeCompanyName reports whether q reads like a formal company name:
// long, or containing a corporate suffix as a whole word.
func LooksLikeCompanyName(q string) bool {
	q = collapseSpace(q)
	if utf8.RuneCountInString(q) > companyNameMinRunes {
		return true
	}
	words := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i := range words {
		for _, suffix := range corporateSuffixes {
			if i+len(suffix) > len(words) {
				continue
			}
			match := true
			for j, w := range suffix {
				if words[i+j] != w {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
	}
	return false
}

// BuildScrapeQuery turns a predicate into the free-text query sent to the
// scrape primitive: "Wholesale {query} in {location}", without the prefix
// when the query already names a company.
func BuildScrapeQuery(pred model.SearchPredicate) string {
	q := collapseSpace(pred.Query)
	if q == "" {
		q = collapseSpace(pred.Category)
	}
	if q == "" {
		return ""
	}
	if !LooksLikeCompanyName(q) {
		q = "Wholesale " + q
	}
	if loc := collapseSpace(pred.Location); loc != "" {
		q += " in " + loc
	}
	return q
}

// NormalizeQuery maps equivalent scrape queries to one key: NFKC, case
// folded, whitespace collapsed.
func NormalizeQuery(q string) string {
	q = norm.NFKC.String(q)
	q = cases.Fold().String(q)
	return collapseSpace(q)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

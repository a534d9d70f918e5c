package docscan

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"invoice_dispatch_bot/internal/domain/dispatch"
)

// twoDigitYearPivot resolves two-digit years to a century: values below the
// pivot land in the 2000s, values at or above it in the 1900s. So "26"
// means 2026 and "97" means 1997.
const twoDigitYearPivot = 80

// The fixed lexical grammars for date-shaped substrings. They are tried in
// this order, and a character span consumed by one grammar is never matched
// again by a later one.
var datePatterns = []*regexp.Regexp{
	// Month DD, YYYY: full or abbreviated month name, optional period,
	// optional ordinal suffix, optional comma.
	regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sept|Sep|Oct|Nov|Dec)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`),
	// MM/DD/YYYY, tolerating single-digit month or day.
	regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`),
	// M/D/YY, two-digit year resolved via the pivot rule.
	regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{2})\b`),
}

var monthsByName = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sept": time.September, "sep": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

type span struct{ start, end int }

func overlaps(spans []span, s span) bool {
	for _, c := range spans {
		if s.start < c.end && c.start < s.end {
			return true
		}
	}
	return false
}

// ExtractDates scans every fragment for date-shaped substrings, parses them
// permissively, normalizes them to civil dates in the fixed zone, and
// returns them deduplicated in ascending order. Candidates that fail to
// parse as real calendar dates are dropped, never fatal: noise text must
// not abort extraction. Zero matches yield an empty slice, not an error.
func ExtractDates(fragments []Fragment) []dispatch.Date {
	seen := make(map[dispatch.Date]struct{})
	var out []dispatch.Date

	for _, frag := range fragments {
		var consumed []span
		for i, pattern := range datePatterns {
			for _, m := range pattern.FindAllStringSubmatchIndex(frag.Text, -1) {
				s := span{start: m[0], end: m[1]}
				if overlaps(consumed, s) {
					continue
				}
				consumed = append(consumed, s)

				d, ok := parseCandidate(frag.Text, m, i == 0)
				if !ok {
					continue
				}
				if _, dup := seen[d]; dup {
					continue
				}
				seen[d] = struct{}{}
				out = append(out, d)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// parseCandidate turns one regex match into a civil date, or reports that
// the candidate is not a real calendar date.
func parseCandidate(text string, m []int, named bool) (dispatch.Date, bool) {
	group := func(n int) string { return text[m[2*n]:m[2*n+1]] }

	var year int
	var month time.Month
	var day int

	if named {
		var ok bool
		month, ok = monthsByName[strings.ToLower(group(1))]
		if !ok {
			return dispatch.Date{}, false
		}
		day, _ = strconv.Atoi(group(2))
		year, _ = strconv.Atoi(group(3))
	} else {
		mo, _ := strconv.Atoi(group(1))
		day, _ = strconv.Atoi(group(2))
		y, _ := strconv.Atoi(group(3))
		if mo < 1 || mo > 12 {
			return dispatch.Date{}, false
		}
		month = time.Month(mo)
		if len(group(3)) == 2 {
			y = resolveTwoDigitYear(y)
		}
		year = y
	}

	if day < 1 || day > 31 {
		return dispatch.Date{}, false
	}
	// Reject dates like February 30th that time.Date would silently roll
	// over into the next month.
	t := time.Date(year, month, day, 0, 0, 0, 0, dispatch.Zone())
	if t.Year() != year || t.Month() != month || t.Day() != day {
		return dispatch.Date{}, false
	}
	return dispatch.DateOf(t), true
}

func resolveTwoDigitYear(yy int) int {
	if yy < twoDigitYearPivot {
		return 2000 + yy
	}
	return 1900 + yy
}

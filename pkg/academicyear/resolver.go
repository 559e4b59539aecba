// Package academicyear derives period labels such as "2024/2025" from a
// reference date and an establishment's calendar convention.
package academicyear

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Convention is an establishment's calendar convention.
type Convention string

const (
	// FiscalAugJul years run from 1 August to 31 July and are labelled "Y/Y+1".
	FiscalAugJul Convention = "FISCAL_AUG_JUL"
	// CalendarYear years run from 1 January and are labelled "Y".
	CalendarYear Convention = "CALENDAR_YEAR"
)

// fiscalStartMonth is the first month of a FISCAL_AUG_JUL year.
const fiscalStartMonth = time.August

// ParseConvention accepts the canonical names and a few spellings seen in
// source data. Unknown or blank values return the default FiscalAugJul and
// ok=false.
func ParseConvention(s string) (Convention, bool) {
	switch strings.ToUpper(strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(strings.TrimSpace(s))) {
	case "FISCAL_AUG_JUL", "AUG_JUL", "ACADEMIC", "FISCAL":
		return FiscalAugJul, true
	case "CALENDAR_YEAR", "CALENDAR", "JAN_DEC":
		return CalendarYear, true
	default:
		return FiscalAugJul, false
	}
}

// Valid reports whether c is a known convention.
func (c Convention) Valid() bool {
	return c == FiscalAugJul || c == CalendarYear
}

// Resolve returns the period containing ref. A nil ref resolves against the
// current wall clock.
func Resolve(ref *time.Time, conv Convention) string {
	return ResolveAt(ref, conv, time.Now())
}

// ResolveAt is Resolve with an explicit "now" used when ref is nil.
func ResolveAt(ref *time.Time, conv Convention, now time.Time) string {
	t := now
	if ref != nil {
		t = *ref
	}
	y := t.Year()
	if conv == CalendarYear {
		return strconv.Itoa(y)
	}
	if t.Month() >= fiscalStartMonth {
		return fmt.Sprintf("%d/%d", y, y+1)
	}
	return fmt.Sprintf("%d/%d", y-1, y)
}

// Start returns the year in which a period label begins, used to order
// periods. ok is false for labels this package did not produce.
func Start(period string) (int, bool) {
	head, tail, slash := strings.Cut(period, "/")
	y, err := strconv.Atoi(head)
	if err != nil {
		return 0, false
	}
	if slash {
		next, err := strconv.Atoi(tail)
		if err != nil || next != y+1 {
			return 0, false
		}
	}
	return y, true
}

// Newer reports whether period a starts after period b. Unparseable labels
// sort before every valid label.
func Newer(a, b string) bool {
	ya, oka := Start(a)
	yb, okb := Start(b)
	switch {
	case !oka:
		return false
	case !okb:
		return true
	default:
		return ya > yb
	}
}

// Latest returns the newest period of the given labels, or "" when empty.
func Latest(periods []string) string {
	var best string
	for _, p := range periods {
		if best == "" || Newer(p, best) {
			best = p
		}
	}
	return best
}

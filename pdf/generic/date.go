package generic

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// FormatDate renders t as a PDF date string, D:YYYYMMDDHHmmSS+HH'mm'.
func FormatDate(t time.Time) string {
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	if offset == 0 {
		return t.Format("D:20060102150405") + "Z"
	}
	return fmt.Sprintf("%s%c%02d'%02d'", t.Format("D:20060102150405"), sign, offset/3600, offset/60%60)
}

var dateRegex = regexp.MustCompile(`^D?:?(\d{4})(\d{2})?(\d{2})?(\d{2})?(\d{2})?(\d{2})?(?:([Zz+\-])(?:(\d{2})'?(?:(\d{2})'?)?)?)?$`)

// ParseDate parses a PDF date string. Missing fields default to their
// minimum; a missing offset is read as UTC.
func ParseDate(s string) (time.Time, error) {
	m := dateRegex.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidObject, s)
	}
	field := func(i, def int) int {
		if m[i] == "" {
			return def
		}
		v, _ := strconv.Atoi(m[i])
		return v
	}
	loc := time.UTC
	if m[7] == "+" || m[7] == "-" {
		off := field(8, 0)*3600 + field(9, 0)*60
		if m[7] == "-" {
			off = -off
		}
		loc = time.FixedZone("", off)
	}
	return time.Date(field(1, 0), time.Month(field(2, 1)), field(3, 1), field(4, 0), field(5, 0), field(6, 0), 0, loc), nil
}

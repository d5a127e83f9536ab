package dialect

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-faster/city"
	"github.com/lib/pq"
)

// MaxIdentifierLen is the longest identifier Postgres keeps untruncated.
const MaxIdentifierLen = 63

// Ident returns name unchanged when it fits MaxIdentifierLen; otherwise it
// keeps a prefix and appends a hash of the whole name so distinct long
// names stay distinct.
func Ident(name string) string {
	if len(name) <= MaxIdentifierLen {
		return name
	}
	sum := strconv.FormatUint(city.CH64([]byte(name)), 16)
	keep := MaxIdentifierLen - len(sum) - 1
	for keep > 0 && !utf8.RuneStart(name[keep]) {
		keep--
	}
	return name[:keep] + "_" + sum
}

// Quote returns name as a quoted identifier.
func Quote(name string) string {
	return pq.QuoteIdentifier(Ident(name))
}

// QuoteLiteral returns s as a quoted string literal.
func QuoteLiteral(s string) string {
	return pq.QuoteLiteral(s)
}

// ParseQualified reverses Table.Qualified.
func ParseQualified(s string) (Table, bool) {
	var parts []string
	for len(s) > 0 {
		if s[0] != '"' {
			return Table{}, false
		}
		var b strings.Builder
		i := 1
		for ; i < len(s); i++ {
			if s[i] != '"' {
				b.WriteByte(s[i])
				continue
			}
			if i+1 < len(s) && s[i+1] == '"' {
				b.WriteByte('"')
				i++
				continue
			}
			break
		}
		if i >= len(s) {
			return Table{}, false
		}
		parts = append(parts, b.String())
		s = s[i+1:]
		if len(s) > 0 {
			if s[0] != '.' {
				return Table{}, false
			}
			s = s[1:]
		}
	}
	switch len(parts) {
	case 1:
		return Table{Name: parts[0]}, true
	case 2:
		return Table{Schema: parts[0], Name: parts[1]}, true
	}
	return Table{}, false
}

package observability

import (
	"net"
	"strings"
	"unicode"
	"unicode/utf8"
)

// identifierLimit is the longest order, claim or policy identifier accepted into logs.
const identifierLimit = 128

// clean removes control characters except tab and newlines, then keeps at most max runes.
func clean(value string, max int) string {
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !strings.ContainsRune("\t\n\r", r) {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(value) > max {
		value = string([]rune(value)[:max])
	}
	return strings.TrimSpace(value)
}

func SanitizeRoute(route string) string {
	if route = clean(route, 180); route == "" {
		return "/"
	}
	return route
}

func SanitizeMethod(method string) string {
	return strings.ToUpper(clean(method, 10))
}

// SanitizeIdentifier returns value when it is a plausible identifier (ASCII letters and digits
// plus "-_:."), otherwise "".
func SanitizeIdentifier(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > identifierLimit {
		return ""
	}
	invalid := func(r rune) bool {
		return r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("-_:.", r))
	}
	if strings.IndexFunc(value, invalid) >= 0 {
		return ""
	}
	return value
}

// MaskIdentifier hides a member identifier, leaving three leading and two trailing characters
// visible. Short values are masked entirely.
func MaskIdentifier(value string) string {
	runes := []rune(strings.TrimSpace(value))
	const head, tail = 3, 2
	if len(runes) <= head+tail {
		return strings.Repeat("*", len(runes))
	}
	hidden := strings.Repeat("*", len(runes)-head-tail)
	return string(runes[:head]) + hidden + string(runes[len(runes)-tail:])
}

func remoteHost(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clean(addr, 64)
}

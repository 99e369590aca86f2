package dns

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// SplitHostname splits an FQDN into subdomain and domain parts.
// e.g. "app.example.com" → ("app", "example.com")
// e.g. "sub.app.example.com" → ("sub.app", "example.com")
func SplitHostname(fqdn string) (hostname, domain string) {
	fqdn = strings.TrimSuffix(fqdn, ".")
	parts := strings.SplitN(fqdn, ".", 2)
	if len(parts) < 2 {
		return fqdn, ""
	}
	return parts[0], parts[1]
}

// RelativeName returns the label part of fqdn inside zone, "@" for the apex.
// e.g. ("home.example.com", "example.com") → "home"
func RelativeName(fqdn, zone string) string {
	fqdn = strings.ToLower(strings.TrimSuffix(fqdn, "."))
	zone = strings.ToLower(strings.TrimSuffix(zone, "."))
	if fqdn == zone {
		return "@"
	}
	return strings.TrimSuffix(fqdn, "."+zone)
}

// SameName compares two DNS names ignoring case, a trailing dot and
// \DDD escapes.
func SameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(UnescapeName(a), "."), strings.TrimSuffix(UnescapeName(b), "."))
}

// UnescapeName decodes the \DDD octal escapes some providers use in record
// names, e.g. "\052.example.com." → "*.example.com.".
func UnescapeName(name string) string {
	if !strings.Contains(name, `\`) {
		return name
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] == '\\' && i+3 < len(name) {
			if c, err := strconv.ParseUint(name[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(c))
				i += 3
				continue
			}
		}
		b.WriteByte(name[i])
	}
	return b.String()
}

// RecordType returns the record type that carries addr.
func RecordType(addr netip.Addr) string {
	if addr.Is4() {
		return "A"
	}
	return "AAAA"
}

// ParseValue parses a record value published by a provider and checks it
// belongs to the family of recordType.
func ParseValue(value, recordType string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q: %v", ErrInvalidRecord, value, err)
	}
	if RecordType(addr) != recordType {
		return netip.Addr{}, fmt.Errorf("%w: %q is not a valid %s value", ErrInvalidRecord, value, recordType)
	}
	return addr, nil
}

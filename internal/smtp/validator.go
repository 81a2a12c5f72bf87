package smtp

import (
	"errors"
	"net/mail"
	"strings"
)

var (
	errInvalidAddress = errors.New("invalid email address")
	errInvalidDomain  = errors.New("address domain is not fully qualified")
)

// ParseEnvelopeAddress validates a MAIL FROM or RCPT TO argument and returns
// the bare address. Display names and angle brackets are accepted; the
// domain must be fully qualified.
func ParseEnvelopeAddress(addr string) (string, error) {
	if addr == "" {
		return "", errInvalidAddress
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		if parsed, err = mail.ParseAddress("<" + addr + ">"); err != nil {
			return "", errInvalidAddress
		}
	}
	domain := domainOf(parsed.Address)
	if domain == "" {
		return "", errInvalidAddress
	}
	if !isQualifiedDomain(domain) {
		return "", errInvalidDomain
	}
	return parsed.Address, nil
}

// domainOf returns the part after the last @, or "" when either side is
// empty.
func domainOf(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}

func isQualifiedDomain(domain string) bool {
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") || strings.Contains(domain, "..") {
		return false
	}
	return strings.Contains(domain, ".")
}

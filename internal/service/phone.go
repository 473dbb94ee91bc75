package service

import (
	"regexp"
	"strings"
)

var msisdn = regexp.MustCompile(`^254[17]\d{8}$`)

// normalizePhone accepts 07XXXXXXXX, 01XXXXXXXX, +254... and 254... forms
// and returns the 12-digit MSISDN the gateway expects.
func normalizePhone(raw string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") && len(p) == 10 {
		p = "254" + p[1:]
	}
	if !msisdn.MatchString(p) {
		return "", ErrInvalidPhone
	}
	return p, nil
}

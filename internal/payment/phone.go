package payment

import (
	"strings"
)

// CountryCode is the Zambian international dialling code.
const CountryCode = "260"

// providerPrefixes maps each carrier to its canonical local prefix.
var providerPrefixes = map[Provider]string{
	ProviderMTN:    "097",
	ProviderAirtel: "096",
	ProviderZamtel: "095",
}

// ValidPhone reports whether phone is a canonical local number (0XXXXXXXXX)
// on the given carrier's numbering plan. It does not normalize: an
// international +260 number is rejected until passed through NormalizePhone.
func ValidPhone(phone string, provider Provider) bool {
	prefix, ok := providerPrefixes[provider]
	if !ok || len(phone) != 10 || !strings.HasPrefix(phone, prefix) {
		return false
	}
	return allDigits(phone)
}

// DetectProvider returns the carrier whose numbering plan the canonical
// number belongs to.
func DetectProvider(phone string) (Provider, bool) {
	for _, p := range Providers {
		if ValidPhone(phone, p) {
			return p, true
		}
	}
	return "", false
}

// NormalizePhone strips separators and rewrites the international forms
// (+260XXXXXXXXX, 260XXXXXXXXX, 00260XXXXXXXXX) to canonical local form.
// Input that is not a recognisable Zambian number is returned cleaned but
// otherwise unchanged, so validation still rejects it.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	for _, intl := range []string{"+" + CountryCode, "00" + CountryCode, CountryCode} {
		rest, ok := strings.CutPrefix(cleaned, intl)
		if ok && len(rest) == 9 && allDigits(rest) {
			return "0" + rest
		}
	}
	return cleaned
}

// InternationalPhone renders a canonical local number as +260XXXXXXXXX.
func InternationalPhone(local string) string {
	local = NormalizePhone(local)
	if len(local) == 10 && local[0] == '0' && allDigits(local) {
		return "+" + CountryCode + local[1:]
	}
	return local
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Package policy implements the policy engine: PII detection, compliance
// mode filtering, consent gating for long-term promotion, and the erasure
// and export executors.
package policy

import (
	"regexp"
	"strings"
)

// =============================================================================
// PII DETECTION
// =============================================================================
// Rule-based detectors. Each returns the number of occurrences found; an
// aggregate risk score weights kinds. Detector output only ever adds flags
// to an item; flags are cleared exclusively by erasure.

// PII kind names, also the keys of the penalty and risk weight tables.
const (
	KindEmail      = "email"
	KindPhone      = "phone"
	KindSSN        = "ssn"
	KindCreditCard = "credit_card"
	KindIP         = "ip"
)

// RiskWeights maps a PII kind to its contribution to the aggregate risk
// score. The aggregate caps at 1.0.
var RiskWeights = map[string]float64{
	KindSSN:        0.5,
	KindCreditCard: 0.4,
	KindEmail:      0.1,
	KindPhone:      0.1,
	KindIP:         0.05,
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+?\d{1,2}[\s.-]?)?\(?\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	ccPattern    = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	ipPattern    = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// ScanResult is the outcome of a PII scan over one text.
type ScanResult struct {
	// Flags maps kind to occurrence count. Empty map means clean.
	Flags map[string]int
	// Risk is the weighted aggregate in [0,1].
	Risk float64
}

// Scan runs all detectors over the text.
func Scan(text string) ScanResult {
	flags := make(map[string]int)

	if n := len(emailPattern.FindAllString(text, -1)); n > 0 {
		flags[KindEmail] = n
	}
	if n := len(ssnPattern.FindAllString(text, -1)); n > 0 {
		flags[KindSSN] = n
	}
	if n := countLuhnValid(ccPattern.FindAllString(text, -1)); n > 0 {
		flags[KindCreditCard] = n
	}
	if n := countValidIPs(ipPattern.FindAllString(text, -1)); n > 0 {
		flags[KindIP] = n
	}
	// Phone runs last: SSN and card matches would otherwise double-count
	// as phone-like digit runs.
	if n := countPhones(text, flags); n > 0 {
		flags[KindPhone] = n
	}

	if len(flags) == 0 {
		return ScanResult{Flags: map[string]int{}}
	}
	return ScanResult{Flags: flags, Risk: RiskScore(flags)}
}

// RiskScore computes the weighted aggregate risk for a flag set, capped at 1.
func RiskScore(flags map[string]int) float64 {
	var risk float64
	for kind, count := range flags {
		if count > 0 {
			risk += RiskWeights[kind]
		}
	}
	if risk > 1 {
		risk = 1
	}
	return risk
}

// countLuhnValid filters candidate digit runs to Luhn-valid card numbers.
func countLuhnValid(candidates []string) int {
	n := 0
	for _, c := range candidates {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, c)
		if len(digits) >= 13 && len(digits) <= 19 && luhnValid(digits) {
			n++
		}
	}
	return n
}

func luhnValid(digits string) bool {
	var sum int
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// countValidIPs rejects dotted quads with any octet above 255.
func countValidIPs(candidates []string) int {
	n := 0
	for _, c := range candidates {
		valid := true
		for _, part := range strings.Split(c, ".") {
			if len(part) > 1 && part[0] == '0' {
				valid = false
				break
			}
			v := 0
			for _, r := range part {
				v = v*10 + int(r-'0')
			}
			if v > 255 {
				valid = false
				break
			}
		}
		if valid {
			n++
		}
	}
	return n
}

// countPhones counts phone-shaped matches, discounting digit runs already
// attributed to SSN or credit-card detectors.
func countPhones(text string, existing map[string]int) int {
	matches := phonePattern.FindAllString(text, -1)
	n := 0
	for _, m := range matches {
		if ssnPattern.MatchString(m) {
			continue
		}
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, m)
		if len(digits) >= 13 {
			continue
		}
		n++
	}
	return n
}

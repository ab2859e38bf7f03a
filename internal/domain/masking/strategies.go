package masking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Redacted replaces values under the redact strategy.
const Redacted = "[REDACTED]"

var (
	yearPattern   = regexp.MustCompile(`\d{4}`)
	numericFilter = regexp.MustCompile(`[^\d.]`)

	syntheticNames = []string{
		"Alex Johnson", "Jordan Smith", "Casey Williams", "Morgan Brown",
		"Riley Davis", "Quinn Miller", "Avery Wilson", "Cameron Moore",
	}
	syntheticDomains = []string{"example.com", "test.org", "demo.net", "sample.io"}
)

func (e *Engine) apply(value interface{}, fieldType string, s Strategy) interface{} {
	if value == nil {
		if s == StrategyRedact {
			return Redacted
		}
		return nil
	}
	v := fmt.Sprint(value)

	switch s {
	case StrategyRedact:
		return Redacted
	case StrategyHash:
		return hashValue(v)
	case StrategyPartial:
		return partial(v, 3)
	case StrategySynthetic:
		return e.synthetic(fieldType)
	case StrategyDomainOnly:
		return domainOnly(v)
	case StrategyLastFour:
		return lastN(v, 4)
	case StrategyInitials:
		return initials(v)
	case StrategyPseudonym:
		return pseudonym(v)
	case StrategyCityOnly:
		return "[City Level Only]"
	case StrategyRegionOnly:
		return "[Region Hidden]"
	case StrategyYearOnly:
		if y := yearPattern.FindString(v); y != "" {
			return y
		}
		return "[YEAR]"
	case StrategyAgeRange:
		return e.ageRange(v)
	case StrategySubnet:
		return subnet(v)
	case StrategyCategoryOnly:
		return "[Category: Medical]"
	case StrategyRange:
		return moneyRange(v)
	}
	return "[MASKED]"
}

func hashValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return "HASH_" + hex.EncodeToString(sum[:])[:12]
}

func partial(v string, visible int) string {
	r := []rune(v)
	if len(r) <= visible {
		return strings.Repeat("*", len(r))
	}
	return string(r[:visible]) + strings.Repeat("*", len(r)-visible)
}

func lastN(v string, n int) string {
	r := []rune(v)
	if len(r) <= n {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-n) + string(r[len(r)-n:])
}

func domainOnly(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 && at < len(email)-1 {
		return "***@" + email[at+1:]
	}
	return "[MASKED_EMAIL]"
}

func initials(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "[MASKED_NAME]"
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.ToUpper(string([]rune(p)[0]))
	}
	return strings.Join(out, ".") + "."
}

// pseudonym is stable for a given input.
func pseudonym(v string) string {
	sum := sha256.Sum256([]byte(v))
	return "User_" + hex.EncodeToString(sum[:])[:8]
}

func subnet(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return "[MASKED_IP]"
	}
	return parts[0] + "." + parts[1] + ".0.0/16"
}

func moneyRange(v string) string {
	n, err := strconv.ParseFloat(numericFilter.ReplaceAllString(v, ""), 64)
	if err != nil {
		return "[RANGE]"
	}
	switch {
	case n < 1000:
		return "$0-$1,000"
	case n < 10000:
		return "$1,000-$10,000"
	case n < 100000:
		return "$10,000-$100,000"
	}
	return "$100,000+"
}

func (e *Engine) ageRange(v string) string {
	y := yearPattern.FindString(v)
	if y == "" {
		return "[AGE_RANGE]"
	}
	year, _ := strconv.Atoi(y)
	age := e.clock.Now().Year() - year
	switch {
	case age < 18:
		return "Under 18"
	case age < 30:
		return "18-29"
	case age < 45:
		return "30-44"
	case age < 60:
		return "45-59"
	}
	return "60+"
}

func (e *Engine) synthetic(fieldType string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.rng

	switch fieldType {
	case "email":
		var b strings.Builder
		for i := 0; i < 8; i++ {
			b.WriteByte(byte('a' + r.IntN(26)))
		}
		return b.String() + "@" + syntheticDomains[r.IntN(len(syntheticDomains))]
	case "phone":
		return fmt.Sprintf("+1-555-%03d-%04d", 100+r.IntN(900), 1000+r.IntN(9000))
	case "name":
		return syntheticNames[r.IntN(len(syntheticNames))]
	case "ssn":
		return fmt.Sprintf("XXX-XX-%04d", 1000+r.IntN(9000))
	case "address":
		return fmt.Sprintf("%d Synthetic Street, Demo City, ST 00000", 100+r.IntN(900))
	case "dob":
		return fmt.Sprintf("%d-01-01", 1950+r.IntN(51))
	case "ip_address":
		return fmt.Sprintf("10.0.%d.%d", r.IntN(256), r.IntN(256))
	case "credit_card":
		return "XXXX-XXXX-XXXX-0000"
	}
	return "[SYNTHETIC_" + strings.ToUpper(fieldType) + "]"
}

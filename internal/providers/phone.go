package providers

import (
	"strings"

	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
)

const countryCode = "254"

// NormalizePhone converts a Kenyan mobile number in any common notation to
// the 2547XXXXXXXX / 2541XXXXXXXX form the provider expects.
func NormalizePhone(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	var national string
	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, countryCode):
		national = digits[3:]
	case len(digits) == 10 && digits[0] == '0':
		national = digits[1:]
	case len(digits) == 9:
		national = digits
	default:
		return "", domainErrors.NewValidationError("phone_number", "must be a Kenyan mobile number such as 0712345678")
	}

	if national[0] != '7' && national[0] != '1' {
		return "", domainErrors.NewValidationError("phone_number", "must be a Kenyan mobile number such as 0712345678")
	}

	return countryCode + national, nil
}

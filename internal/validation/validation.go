// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

const (
	maxGiftCodeLen  = 64
	maxAccountIDLen = 20
)

// IsValidGiftCode проверяет, что код непустой и состоит только из латинских букв и цифр.
func IsValidGiftCode(code string) bool {
	if code == "" || len(code) > maxGiftCodeLen {
		return false
	}

	for _, ch := range code {
		if ch > unicode.MaxASCII || !(unicode.IsLetter(ch) || unicode.IsDigit(ch)) {
			return false
		}
	}

	return true
}

// IsValidAccountID проверяет, что идентификатор аккаунта состоит только из цифр.
func IsValidAccountID(id string) bool {
	if id == "" || len(id) > maxAccountIDLen {
		return false
	}

	for i := 0; i < len(id); i++ {
		if !unicode.IsDigit(rune(id[i])) {
			return false
		}
	}

	return true
}

const maxCallerIDLen = 64

// IsValidCallerID проверяет идентификатор оператора: непустой, печатные ASCII-символы без пробелов.
func IsValidCallerID(id string) bool {
	if id == "" || len(id) > maxCallerIDLen {
		return false
	}

	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] >= unicode.MaxASCII {
			return false
		}
	}

	return true
}

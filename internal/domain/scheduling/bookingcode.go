package scheduling

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Booking codes print as YYMMDD-XXXXXX. The alphabet leaves out 0, 1, I and O
// so codes can be read back over the phone.
const (
	bookingAlphabet   = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	bookingSuffixLen  = 6
	bookingCodeTries  = 5
	bookingDatePrefix = "060102"
)

func NewBookingCode(visitDate time.Time) (string, error) {
	buf := make([]byte, bookingSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	// 32 divides 256, so the modulo keeps every symbol equally likely.
	for i, b := range buf {
		buf[i] = bookingAlphabet[int(b)%len(bookingAlphabet)]
	}
	return visitDate.Format(bookingDatePrefix) + "-" + string(buf), nil
}

// NormalizeBookingCode upper-cases and trims user input.
func NormalizeBookingCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidBookingCode checks the shape of a code.
func ValidBookingCode(s string) bool {
	if len(s) != len(bookingDatePrefix)+1+bookingSuffixLen || s[len(bookingDatePrefix)] != '-' {
		return false
	}
	for i := 0; i < len(bookingDatePrefix); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	for _, r := range s[len(bookingDatePrefix)+1:] {
		if !strings.ContainsRune(bookingAlphabet, r) {
			return false
		}
	}
	return true
}

package logger

import (
	"regexp"
	"strings"
)

var (
	emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phoneRegex = regexp.MustCompile(`\+[1-9][0-9]{6,14}`)
)

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactPhone keeps only the last four digits: "+15551234567" → "***4567".
func RedactPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return "***"
	}
	return "***" + phone[len(phone)-4:]
}

// RedactAddress masks an email or a phone number.
func RedactAddress(addr string) string {
	if strings.Contains(addr, "@") {
		return RedactEmail(addr)
	}
	return RedactPhone(addr)
}

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "email"):
		return RedactEmail(val)
	case strings.Contains(key, "phone"):
		return RedactPhone(val)
	case key == "to" || strings.Contains(key, "address"):
		return RedactAddress(val)
	}
	val = emailRegex.ReplaceAllStringFunc(val, RedactEmail)
	return phoneRegex.ReplaceAllStringFunc(val, RedactPhone)
}

package helpers

import "strings"

// SplitEmailAddress splits an address into its local part and domain. An
// address without '@' is returned whole as the local part.
func SplitEmailAddress(email string) (string, string) {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email, ""
	}
	return email[:at], strings.ToLower(email[at+1:])
}

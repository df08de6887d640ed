// Package validate implements the syntactic and profanity checks
// applied to handles, emails, and passwords (spec §4.D).
package validate

import (
	"fmt"
	"strings"
)

var reservedHandles = map[string]bool{
	"sysop": true, "admin": true, "administrator": true,
	"root": true, "system": true, "construct": true, "guest": true,
	"new": true, "anonymous": true, "moderator": true,
}

// Handle enforces: length 3-20, alphanumeric or single interior
// spaces, no leading/trailing/consecutive spaces, not reserved, and
// clears the profanity screen.
func Handle(h string) error {
	if len(h) < 3 || len(h) > 20 {
		return fmt.Errorf("handle must be between 3 and 20 characters")
	}
	if strings.HasPrefix(h, " ") || strings.HasSuffix(h, " ") {
		return fmt.Errorf("handle may not start or end with a space")
	}
	if strings.Contains(h, "  ") {
		return fmt.Errorf("handle may not contain consecutive spaces")
	}
	for _, r := range h {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum && r != ' ' {
			return fmt.Errorf("handle may only contain letters, digits, and single interior spaces")
		}
	}
	if reservedHandles[strings.ToLower(h)] {
		return fmt.Errorf("that handle is reserved")
	}
	if IsProfane(h) {
		return fmt.Errorf("that handle is not allowed")
	}
	return nil
}

// Email enforces a structural check: exactly one '@', non-empty local
// part, domain containing '.', total length <= 254.
func Email(e string) error {
	if len(e) == 0 || len(e) > 254 {
		return fmt.Errorf("email must be between 1 and 254 characters")
	}
	at := strings.Count(e, "@")
	if at != 1 {
		return fmt.Errorf("email must contain exactly one '@'")
	}
	parts := strings.SplitN(e, "@", 2)
	local, domain := parts[0], parts[1]
	if local == "" {
		return fmt.Errorf("email must have a non-empty local part")
	}
	if !strings.Contains(domain, ".") {
		return fmt.Errorf("email domain must contain a '.'")
	}
	return nil
}

// Password enforces length 6-128. The spec leaves complexity rules
// unspecified; only length is a hard requirement.
func Password(p string) error {
	if len(p) < 6 || len(p) > 128 {
		return fmt.Errorf("password must be between 6 and 128 characters")
	}
	return nil
}

package relay

import (
	pam "github.com/msteinert/pam/v2"
)

// pamAuth authenticates a password login through the named PAM service.
// It returns true only when the full PAM conversation succeeds.
func pamAuth(service, user, password string) bool {
	t, err := pam.StartFunc(service, user, func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOff:
			// Password prompt (hidden input).
			return password, nil
		case pam.TextInfo:
			// Informational message, no input needed.
			return "", nil
		default:
			return "", nil
		}
	})
	if err != nil {
		return false
	}
	defer t.End()

	if err := t.Authenticate(0); err != nil {
		return false
	}
	return t.AcctMgmt(0) == nil
}

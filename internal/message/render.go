// Package message renders the notification texts. Pure string formatting,
// no state: given an action and field set it returns a message or fails when
// a required field is absent.
package message

import (
	"fmt"
	"strings"

	"lendbot/internal/domain"
)

// FieldError reports a missing required field for an action's detailed message.
type FieldError struct {
	Action domain.Action
	Field  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("message: missing required field %q for action %s", e.Field, e.Action)
}

var shortPhrases = map[domain.Action]string{
	domain.ActionBorrow:  "Your device borrowing request has been approved",
	domain.ActionReturn:  "Your device return has been confirmed",
	domain.ActionRenewal: "Your device borrowing renewal has been approved",
}

// RenderShort produces the channel-mention message: "@username <phrase>".
func RenderShort(action domain.Action, username string) (string, error) {
	phrase, ok := shortPhrases[action]
	if !ok {
		return "", fmt.Errorf("message: unknown action %q", action)
	}
	return fmt.Sprintf("@%s %s", username, phrase), nil
}

// RenderDetailed produces the direct-message text with the action-specific
// date details. It fails naming the first missing required field.
func RenderDetailed(action domain.Action, device domain.Device, fields domain.Fields) (string, error) {
	required := domain.RequiredFields(action)
	if required == nil {
		return "", fmt.Errorf("message: unknown action %q", action)
	}
	for _, f := range required {
		if strings.TrimSpace(fields[f]) == "" {
			return "", &FieldError{Action: action, Field: f}
		}
	}

	var b strings.Builder
	switch action {
	case domain.ActionBorrow:
		fmt.Fprintf(&b, "Your borrowing request for %s has been approved.\n", device.Label())
		fmt.Fprintf(&b, "Borrow period: %s to %s.", fields[domain.FieldStartDate], fields[domain.FieldEndDate])
	case domain.ActionReturn:
		fmt.Fprintf(&b, "Your return of %s has been confirmed.\n", device.Label())
		fmt.Fprintf(&b, "Return date: %s.", fields[domain.FieldReturnDate])
	case domain.ActionRenewal:
		fmt.Fprintf(&b, "Your borrowing renewal for %s has been approved.\n", device.Label())
		fmt.Fprintf(&b, "Previous end date: %s.\nNew end date: %s.", fields[domain.FieldPreviousEndDate], fields[domain.FieldNewEndDate])
	}
	return b.String(), nil
}

// Welcome is the one-time greeting posted when a user's direct channel is
// first confirmed.
func Welcome(username string) string {
	return fmt.Sprintf("Hi @%s! From now on you'll receive device-lending notifications right here.", username)
}

// Package domain holds the device-lending vocabulary shared by the
// notification components.
package domain

import "fmt"

// Action identifies the lending lifecycle event being notified.
type Action string

const (
	ActionBorrow  Action = "BORROW"
	ActionReturn  Action = "RETURN"
	ActionRenewal Action = "RENEWAL"
)

func (a Action) Valid() bool {
	switch a {
	case ActionBorrow, ActionReturn, ActionRenewal:
		return true
	}
	return false
}

func (a Action) String() string { return string(a) }

// Device describes the lent device referenced by a notification.
type Device struct {
	Name     string
	AssetTag string
}

func (d Device) Label() string {
	if d.AssetTag == "" {
		return d.Name
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.AssetTag)
}

// Delivery field names for action-specific message details.
const (
	FieldStartDate       = "startDate"
	FieldEndDate         = "endDate"
	FieldReturnDate      = "returnDate"
	FieldPreviousEndDate = "previousEndDate"
	FieldNewEndDate      = "newEndDate"
)

// Fields carries the action-specific date values for a detailed message.
type Fields map[string]string

// RequiredFields lists the delivery fields an action's detailed message needs,
// in the order they are rendered.
func RequiredFields(a Action) []string {
	switch a {
	case ActionBorrow:
		return []string{FieldStartDate, FieldEndDate}
	case ActionReturn:
		return []string{FieldReturnDate}
	case ActionRenewal:
		return []string{FieldPreviousEndDate, FieldNewEndDate}
	}
	return nil
}

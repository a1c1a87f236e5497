// Package order models the locally merged view of an order and the notification
// events that update it.
package order

import (
	"time"
)

// Payment states.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusConfirmed = "confirmed"
)

// TimelineEntry is one appended status transition.
type TimelineEntry struct {
	Status      string    `json:"status"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Completed   bool      `json:"completed"`
	Icon        string    `json:"icon,omitempty"`
}

// Courier describes the courier assigned to an order.
type Courier struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Vehicle  string `json:"vehicle,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// PaymentState tracks payment confirmation.
type PaymentState struct {
	Status      string    `json:"status"`
	Method      string    `json:"method,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at,omitempty"`
}

// Snapshot is the merged view of one order. Timeline is append-only and Status
// mirrors the most recently appended entry once any status event was merged.
type Snapshot struct {
	OrderID       string          `json:"order_id"`
	Status        string          `json:"status"`
	StatusDisplay string          `json:"status_display,omitempty"`
	Timeline      []TimelineEntry `json:"timeline"`
	Courier       *Courier        `json:"courier,omitempty"`
	Payment       PaymentState    `json:"payment"`
	DeliveryOTP   string          `json:"delivery_otp,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at,omitempty"`
}

// NewSnapshot returns an empty snapshot for the order.
func NewSnapshot(orderID string) Snapshot {
	return Snapshot{
		OrderID:  orderID,
		Timeline: []TimelineEntry{},
		Payment:  PaymentState{Status: PaymentStatusPending},
	}
}

// Clone returns a deep copy so callers can never alias another owner's state.
func (s Snapshot) Clone() Snapshot {
	clone := s
	clone.Timeline = make([]TimelineEntry, len(s.Timeline))
	copy(clone.Timeline, s.Timeline)
	if s.Courier != nil {
		courier := *s.Courier
		clone.Courier = &courier
	}
	return clone
}

// LastEntry returns the most recent timeline entry.
func (s Snapshot) LastEntry() (TimelineEntry, bool) {
	if len(s.Timeline) == 0 {
		return TimelineEntry{}, false
	}
	return s.Timeline[len(s.Timeline)-1], true
}

// SuggestedVendor is an alternative offered after a cancellation.
type SuggestedVendor struct {
	VendorID int64  `json:"vendor_id"`
	Name     string `json:"name"`
	Reason   string `json:"reason,omitempty"`
}

// Suggestions is transient side-channel state surfaced after a cancellation.
// It is never part of the persisted order snapshot.
type Suggestions struct {
	OrderID    string            `json:"order_id"`
	Reason     string            `json:"reason,omitempty"`
	Vendors    []SuggestedVendor `json:"vendors"`
	ReceivedAt time.Time         `json:"received_at"`
}

// VerificationStatus is the latest account verification state for a user type.
type VerificationStatus struct {
	UserType     string    `json:"user_type"`
	Status       string    `json:"status"`
	BusinessName string    `json:"business_name,omitempty"`
	AdminNotes   string    `json:"admin_notes,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

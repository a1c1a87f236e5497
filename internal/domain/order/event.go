package order

import "time"

// EventType is the discriminator of a notification event.
type EventType string

// Notification event tags.
const (
	EventStatusUpdate          EventType = "order_status_update"
	EventCourierAssigned       EventType = "courier_assigned"
	EventPaymentConfirmed      EventType = "payment_confirmed"
	EventDeliveryOTP           EventType = "delivery_otp"
	EventCancelledSuggestions  EventType = "order.cancelled_suggestions"
	EventVerificationChanged   EventType = "verification.status_changed"
	verificationEnvelopeType             = "verification_notification"
)

// Event is one typed message delivered over the push channel. The set of
// implementations is closed to this package.
type Event interface {
	Type() EventType
	// Order returns the order the event refers to, or "" when the frame carried none.
	Order() string
	sealed()
}

// StatusUpdate reports a new order status.
type StatusUpdate struct {
	OrderID       string
	Status        string
	StatusDisplay string
	Title         string
	Description   string
	Icon          string
	Timestamp     time.Time
}

// CourierAssigned replaces the order's courier.
type CourierAssigned struct {
	OrderID string
	Courier Courier
}

// PaymentConfirmed marks payment as confirmed.
type PaymentConfirmed struct {
	OrderID     string
	Method      string
	Reference   string
	ConfirmedAt time.Time
}

// DeliveryOTP carries the code the customer shows the courier.
type DeliveryOTP struct {
	OrderID string
	OTP     string
}

// CancelledSuggestions offers alternatives after a cancellation.
type CancelledSuggestions struct {
	OrderID string
	Reason  string
	Vendors []SuggestedVendor
}

// VerificationChanged reports an account verification status change.
type VerificationChanged struct {
	Status VerificationStatus
}

func (StatusUpdate) Type() EventType         { return EventStatusUpdate }
func (CourierAssigned) Type() EventType      { return EventCourierAssigned }
func (PaymentConfirmed) Type() EventType     { return EventPaymentConfirmed }
func (DeliveryOTP) Type() EventType          { return EventDeliveryOTP }
func (CancelledSuggestions) Type() EventType { return EventCancelledSuggestions }
func (VerificationChanged) Type() EventType  { return EventVerificationChanged }

func (e StatusUpdate) Order() string         { return e.OrderID }
func (e CourierAssigned) Order() string      { return e.OrderID }
func (e PaymentConfirmed) Order() string     { return e.OrderID }
func (e DeliveryOTP) Order() string          { return e.OrderID }
func (e CancelledSuggestions) Order() string { return e.OrderID }
func (VerificationChanged) Order() string    { return "" }

func (StatusUpdate) sealed()         {}
func (CourierAssigned) sealed()      {}
func (PaymentConfirmed) sealed()     {}
func (DeliveryOTP) sealed()          {}
func (CancelledSuggestions) sealed() {}
func (VerificationChanged) sealed()  {}

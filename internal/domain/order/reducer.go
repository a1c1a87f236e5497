package order

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type statusPresentation struct {
	title string
	icon  string
}

var knownStatuses = map[string]statusPresentation{
	"pending":          {title: "Order Pending", icon: "clock"},
	"placed":           {title: "Order Placed", icon: "receipt"},
	"confirmed":        {title: "Order Confirmed", icon: "check-circle"},
	"accepted":         {title: "Order Accepted", icon: "check-circle"},
	"preparing":        {title: "Preparing Your Order", icon: "chef-hat"},
	"ready":            {title: "Ready for Pickup", icon: "package"},
	"picked_up":        {title: "Picked Up", icon: "bike"},
	"out_for_delivery": {title: "Out for Delivery", icon: "truck"},
	"on_the_way":       {title: "On the Way", icon: "truck"},
	"delivered":        {title: "Delivered", icon: "home"},
	"completed":        {title: "Completed", icon: "home"},
	"cancelled":        {title: "Order Cancelled", icon: "x-circle"},
	"rejected":         {title: "Order Rejected", icon: "x-circle"},
}

// StatusTitle derives a human title from a status token.
func StatusTitle(status string) string {
	token := strings.ToLower(strings.TrimSpace(status))
	if p, ok := knownStatuses[token]; ok {
		return p.title
	}
	words := strings.FieldsFunc(token, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	})
	for i, word := range words {
		first, size := utf8.DecodeRuneInString(word)
		words[i] = string(unicode.ToUpper(first)) + word[size:]
	}
	return strings.Join(words, " ")
}

// StatusIcon returns the icon name shown next to a status.
func StatusIcon(status string) string {
	if p, ok := knownStatuses[strings.ToLower(strings.TrimSpace(status))]; ok {
		return p.icon
	}
	return "circle"
}

// Merge folds one event into the snapshot and returns the result. The input is
// never modified.
func Merge(s Snapshot, evt Event, now time.Time) Snapshot {
	next, _ := Apply(s, evt, now)
	return next
}

// Apply is Merge that also reports whether the snapshot changed. When it did not,
// the input snapshot is returned as is.
func Apply(s Snapshot, evt Event, now time.Time) (Snapshot, bool) {
	switch e := evt.(type) {
	case StatusUpdate:
		return applyStatus(s, e, now)
	case CourierAssigned:
		if s.Courier != nil && *s.Courier == e.Courier {
			return s, false
		}
		next := s.Clone()
		courier := e.Courier
		next.Courier = &courier
		next.UpdatedAt = now
		return next, true
	case PaymentConfirmed:
		if s.Payment.Status == PaymentStatusConfirmed {
			return s, false
		}
		next := s.Clone()
		confirmedAt := e.ConfirmedAt
		if confirmedAt.IsZero() {
			confirmedAt = now
		}
		next.Payment = PaymentState{
			Status:      PaymentStatusConfirmed,
			Method:      e.Method,
			Reference:   e.Reference,
			ConfirmedAt: confirmedAt,
		}
		next.UpdatedAt = now
		return next, true
	case DeliveryOTP:
		if s.DeliveryOTP == e.OTP {
			return s, false
		}
		next := s.Clone()
		next.DeliveryOTP = e.OTP
		next.UpdatedAt = now
		return next, true
	default:
		// Suggestions and verification live outside the order snapshot.
		return s, false
	}
}

func applyStatus(s Snapshot, e StatusUpdate, now time.Time) (Snapshot, bool) {
	status := strings.ToLower(strings.TrimSpace(e.Status))
	if status == "" || status == s.Status {
		return s, false
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if last, ok := s.LastEntry(); ok && ts.Before(last.Timestamp) {
		ts = last.Timestamp
	}
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = StatusTitle(status)
	}
	icon := strings.TrimSpace(e.Icon)
	if icon == "" {
		icon = StatusIcon(status)
	}
	display := strings.TrimSpace(e.StatusDisplay)
	if display == "" {
		display = title
	}

	next := s.Clone()
	next.Timeline = append(next.Timeline, TimelineEntry{
		Status:      status,
		Title:       title,
		Description: strings.TrimSpace(e.Description),
		Timestamp:   ts,
		Completed:   true,
		Icon:        icon,
	})
	next.Status = status
	next.StatusDisplay = display
	next.UpdatedAt = now
	return next, true
}

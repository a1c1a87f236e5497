package order

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/ordersync/internal/domain/errs"
)

const decodeComponent = "order.decode"

// ErrUnknownEvent marks frames whose type tag is outside the event union.
var ErrUnknownEvent = errors.New("unknown event type")

// looseString accepts JSON strings and numbers.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = looseString(strings.TrimSpace(str))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*s = looseString(num.String())
	return nil
}

// looseTime accepts RFC 3339 strings, naive ISO timestamps and unix seconds or milliseconds.
type looseTime time.Time

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *looseTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = looseTime{}
		return nil
	}
	if data[0] != '"' {
		var num json.Number
		if err := json.Unmarshal(data, &num); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		value, err := num.Int64()
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		if value > 1e12 {
			*t = looseTime(time.UnixMilli(value).UTC())
		} else {
			*t = looseTime(time.Unix(value, 0).UTC())
		}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*t = looseTime{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		*t = looseTime(parsed.UTC())
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			*t = looseTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("timestamp %q: unsupported format", raw)
}

func (t looseTime) Time() time.Time { return time.Time(t) }

type envelope struct {
	Type    string          `json:"type"`
	OrderID looseString     `json:"order_id"`
	Data    json.RawMessage `json:"data"`
}

type statusPayload struct {
	Status        looseString `json:"status"`
	StatusDisplay looseString `json:"status_display"`
	Title         looseString `json:"title"`
	Description   looseString `json:"description"`
	Icon          looseString `json:"icon"`
	Timestamp     looseTime   `json:"timestamp"`
}

type courierPayload struct {
	ID          looseString `json:"id"`
	Name        looseString `json:"name"`
	Phone       looseString `json:"phone"`
	Vehicle     looseString `json:"vehicle"`
	VehicleType looseString `json:"vehicle_type"`
	PhotoURL    looseString `json:"photo_url"`
}

type courierFrame struct {
	Courier *courierPayload `json:"courier"`
}

type paymentFrame struct {
	Method        looseString `json:"payment_method"`
	Reference     looseString `json:"transaction_id"`
	Timestamp     looseTime   `json:"timestamp"`
	PaymentStatus looseString `json:"payment_status"`
}

type otpFrame struct {
	OTP looseString `json:"otp"`
}

type suggestionPayload struct {
	VendorID looseString `json:"vendor_id"`
	ID       looseString `json:"id"`
	Name     looseString `json:"name"`
	Reason   looseString `json:"reason"`
}

type suggestionsFrame struct {
	Reason      looseString          `json:"reason"`
	Message     looseString          `json:"message"`
	Suggestions *[]suggestionPayload `json:"suggestions"`
}

type verificationPayload struct {
	Type         string      `json:"type"`
	UserType     looseString `json:"user_type"`
	Status       looseString `json:"status"`
	BusinessName looseString `json:"business_name"`
	AdminNotes   looseString `json:"admin_notes"`
	Timestamp    looseTime   `json:"timestamp"`
}

// Decode parses one push-channel frame into a typed event. Frames missing the
// fields required by their tag are rejected; unknown tags wrap ErrUnknownEvent.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, protocolError("malformed frame", "", err)
	}
	tag := strings.TrimSpace(env.Type)
	orderID := string(env.OrderID)

	switch EventType(tag) {
	case EventStatusUpdate:
		var payload statusPayload
		if err := json.Unmarshal(frame, &payload); err != nil {
			return nil, protocolError("decode status update", tag, err)
		}
		if payload.Status == "" {
			return nil, missingField(tag, "status")
		}
		return StatusUpdate{
			OrderID:       orderID,
			Status:        strings.ToLower(string(payload.Status)),
			StatusDisplay: string(payload.StatusDisplay),
			Title:         string(payload.Title),
			Description:   string(payload.Description),
			Icon:          string(payload.Icon),
			Timestamp:     payload.Timestamp.Time(),
		}, nil
	case EventCourierAssigned:
		var payload courierFrame
		if err := json.Unmarshal(frame, &payload); err != nil {
			return nil, protocolError("decode courier", tag, err)
		}
		if payload.Courier == nil || (payload.Courier.Name == "" && payload.Courier.ID == "") {
			return nil, missingField(tag, "courier")
		}
		vehicle := payload.Courier.Vehicle
		if vehicle == "" {
			vehicle = payload.Courier.VehicleType
		}
		return CourierAssigned{
			OrderID: orderID,
			Courier: Courier{
				ID:       string(payload.Courier.ID),
				Name:     string(payload.Courier.Name),
				Phone:    string(payload.Courier.Phone),
				Vehicle:  string(vehicle),
				PhotoURL: string(payload.Courier.PhotoURL),
			},
		}, nil
	case EventPaymentConfirmed:
		var payload paymentFrame
		if err := json.Unmarshal(frame, &payload); err != nil {
			return nil, protocolError("decode payment", tag, err)
		}
		return PaymentConfirmed{
			OrderID:     orderID,
			Method:      string(payload.Method),
			Reference:   string(payload.Reference),
			ConfirmedAt: payload.Timestamp.Time(),
		}, nil
	case EventDeliveryOTP:
		var payload otpFrame
		if err := json.Unmarshal(frame, &payload); err != nil {
			return nil, protocolError("decode otp", tag, err)
		}
		if payload.OTP == "" {
			return nil, missingField(tag, "otp")
		}
		return DeliveryOTP{OrderID: orderID, OTP: string(payload.OTP)}, nil
	case EventCancelledSuggestions:
		return decodeSuggestions(frame, tag, orderID)
	case EventVerificationChanged:
		return decodeVerification(frame, tag)
	}

	if tag == verificationEnvelopeType {
		if len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
			return nil, missingField(tag, "data")
		}
		return decodeVerification(env.Data, tag)
	}
	if tag == "" {
		return nil, missingField(tag, "type")
	}
	return nil, protocolError("unrecognised event", tag, ErrUnknownEvent)
}

func decodeSuggestions(frame []byte, tag, orderID string) (Event, error) {
	var payload suggestionsFrame
	if err := json.Unmarshal(frame, &payload); err != nil {
		return nil, protocolError("decode suggestions", tag, err)
	}
	if payload.Suggestions == nil {
		return nil, missingField(tag, "suggestions")
	}
	reason := payload.Reason
	if reason == "" {
		reason = payload.Message
	}
	vendors := make([]SuggestedVendor, 0, len(*payload.Suggestions))
	for _, raw := range *payload.Suggestions {
		idText := raw.VendorID
		if idText == "" {
			idText = raw.ID
		}
		id, err := strconv.ParseInt(string(idText), 10, 64)
		if err != nil {
			return nil, protocolError("suggestion vendor id", tag, err)
		}
		vendors = append(vendors, SuggestedVendor{VendorID: id, Name: string(raw.Name), Reason: string(raw.Reason)})
	}
	return CancelledSuggestions{OrderID: orderID, Reason: string(reason), Vendors: vendors}, nil
}

func decodeVerification(data []byte, tag string) (Event, error) {
	var payload verificationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, protocolError("decode verification", tag, err)
	}
	if inner := strings.TrimSpace(payload.Type); inner != "" && inner != string(EventVerificationChanged) {
		return nil, protocolError("unrecognised verification event", inner, ErrUnknownEvent)
	}
	if payload.UserType == "" {
		return nil, missingField(tag, "user_type")
	}
	if payload.Status == "" {
		return nil, missingField(tag, "status")
	}
	return VerificationChanged{Status: VerificationStatus{
		UserType:     strings.ToLower(string(payload.UserType)),
		Status:       strings.ToLower(string(payload.Status)),
		BusinessName: string(payload.BusinessName),
		AdminNotes:   string(payload.AdminNotes),
		Timestamp:    payload.Timestamp.Time(),
	}}, nil
}

func missingField(tag, field string) error {
	return errs.New(decodeComponent, errs.CodeProtocol,
		errs.WithMessage("missing required field"),
		errs.WithField("type", tag),
		errs.WithField("field", field))
}

func protocolError(message, tag string, cause error) error {
	opts := []errs.Option{errs.WithMessage(message), errs.WithCause(cause)}
	if tag != "" {
		opts = append(opts, errs.WithField("type", tag))
	}
	return errs.New(decodeComponent, errs.CodeProtocol, opts...)
}

// Package capabilities implements the booking actions the model can request
// during a call.
package capabilities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/callagent/internal/bookings"
	"github.com/ent0n29/callagent/internal/observability"
	"github.com/ent0n29/callagent/internal/telephony"
	"github.com/ent0n29/callagent/internal/tools"
)

const (
	noBookingForRegistration = "No booking found for this registration number."
	noBookingForPhone        = "No booking found for this phone number."
	transferredReply         = "The call was transferred successfully, say goodbye to the customer."
)

// CallUpdater replaces a live call's TwiML; *telephony.TwilioClient satisfies it.
type CallUpdater interface {
	UpdateCallTwiML(ctx context.Context, callSID, twiml string) error
}

type Deps struct {
	Store    bookings.Store
	Notifier Notifier
	Calls    CallUpdater
	// TransferNumber receives transferred calls.
	TransferNumber string
	Location       *time.Location
	Now            func() time.Time
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// Register binds every capability in the manifest to its implementation.
func Register(reg *tools.Registry, deps Deps) error {
	if deps.Store == nil {
		return errors.New("capabilities: booking store is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(deps.Logger)
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &service{deps: deps}

	impls := map[string]tools.Capability{
		"findBooking":        s.findBooking,
		"findBookingByPhone": s.findBookingByPhone,
		"updateETA":          s.updateETA,
		"whatsappMessage":    s.whatsappMessage,
		"transferCall":       s.transferCall,
	}
	for name, fn := range impls {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

type service struct {
	deps Deps
}

type bookingDetails struct {
	Found            *bool  `json:"found,omitempty"`
	CustomerName     string `json:"customerName"`
	Terminal         string `json:"terminal"`
	BookingTime      string `json:"bookingTime"`
	ContactNumber    string `json:"contactNumber"`
	AllocatedCarPark string `json:"allocatedCarPark"`
	Registration     string `json:"registration"`
}

type notFound struct {
	Found *bool  `json:"found,omitempty"`
	Error string `json:"error"`
}

func (s *service) details(b bookings.Booking) bookingDetails {
	name := b.CustomerName
	if strings.TrimSpace(name) == "" {
		name = "Not provided"
	}
	return bookingDetails{
		CustomerName:     name,
		Terminal:         b.Terminal,
		BookingTime:      SpokenDateTime(b.EntryTime.In(s.deps.Location)),
		ContactNumber:    groupContactNumber(b.ContactNumber),
		AllocatedCarPark: b.AllocatedCarPark,
		Registration:     b.Registration,
	}
}

func (s *service) findBooking(ctx context.Context, args map[string]any) (any, error) {
	reg := bookings.NormalizeRegistration(stringArg(args, "registration"))
	b, err := s.deps.Store.FindByRegistration(ctx, reg)
	if errors.Is(err, bookings.ErrNotFound) {
		s.deps.Logger.Warn("no booking for registration", "registration", reg)
		return notFound{Error: noBookingForRegistration}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find booking: %w", err)
	}
	return s.details(b), nil
}

func (s *service) findBookingByPhone(ctx context.Context, args map[string]any) (any, error) {
	found := false
	phone := stringArg(args, "phoneNumber")
	b, err := s.deps.Store.FindByPhone(ctx, phone)
	if errors.Is(err, bookings.ErrNotFound) {
		return notFound{Found: &found, Error: noBookingForPhone}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find booking by phone: %w", err)
	}
	found = true
	out := s.details(b)
	out.Found = &found
	out.ContactNumber = b.ContactNumber
	return out, nil
}

type etaUpdated struct {
	Success      string `json:"success"`
	Registration string `json:"registration"`
	FormattedETA string `json:"formattedETA"`
}

type payloadError struct {
	Error string `json:"error"`
}

func (s *service) updateETA(ctx context.Context, args map[string]any) (any, error) {
	reg := bookings.NormalizeRegistration(stringArg(args, "registration"))
	now := s.deps.Now().In(s.deps.Location)
	eta, err := ParseETA(stringArg(args, "customerETA"), now)
	if err != nil {
		return payloadError{Error: "Invalid time format provided."}, nil
	}
	b, err := s.deps.Store.UpdateETA(ctx, reg, eta)
	if errors.Is(err, bookings.ErrNotFound) {
		return payloadError{Error: noBookingForRegistration}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update eta: %w", err)
	}
	s.deps.Logger.Info("eta updated", "registration", b.Registration, "eta", eta.Format(time.RFC3339))
	return etaUpdated{
		Success:      "ETA updated successfully.",
		Registration: b.Registration,
		FormattedETA: SpokenDateTime(eta),
	}, nil
}

type notified struct {
	Success   string `json:"success"`
	MessageID string `json:"messageId"`
}

func (s *service) whatsappMessage(ctx context.Context, args map[string]any) (any, error) {
	reg := bookings.NormalizeRegistration(stringArg(args, "registration"))
	b, err := s.deps.Store.FindByRegistration(ctx, reg)
	if errors.Is(err, bookings.ErrNotFound) {
		return payloadError{Error: noBookingForRegistration}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find booking: %w", err)
	}

	id, err := s.deps.Notifier.Notify(ctx, Notification{Booking: b, Body: s.driverRequest(b)})
	if err != nil {
		s.deps.Metrics.IncOutboundMessage("manager", "error")
		return nil, fmt.Errorf("notify manager: %w", err)
	}
	s.deps.Metrics.IncOutboundMessage("manager", "sent")
	return notified{Success: "Manager notified successfully.", MessageID: id}, nil
}

func (s *service) driverRequest(b bookings.Booking) string {
	entry := "N/A"
	if !b.EntryTime.IsZero() {
		entry = b.EntryTime.In(s.deps.Location).Format("02/01/2006 15:04")
	}
	eta := "N/A"
	if !b.CurrentETA.IsZero() {
		eta = b.CurrentETA.In(s.deps.Location).Format("02/01/2006 15:04")
	}
	var sb strings.Builder
	sb.WriteString("New Booking Requires Driver Assignment:\n")
	fmt.Fprintf(&sb, "- Vehicle: %s\n", orNA(b.VehicleMake))
	fmt.Fprintf(&sb, "- Registration: %s\n", b.Registration)
	fmt.Fprintf(&sb, "- Customer Name: %s\n", orNA(b.CustomerName))
	fmt.Fprintf(&sb, "- Contact Number: %s\n", orNA(b.ContactNumber))
	fmt.Fprintf(&sb, "- Entry Date/Time: %s\n", entry)
	fmt.Fprintf(&sb, "- Estimated ETA: %s\n", eta)
	fmt.Fprintf(&sb, "- Terminal: %s\n", orNA(b.Terminal))
	sb.WriteString("\nPlease assign a driver for this booking.")
	return sb.String()
}

func (s *service) transferCall(ctx context.Context, args map[string]any) (any, error) {
	if s.deps.Calls == nil {
		return nil, errors.New("call transfer is not configured")
	}
	callSID := stringArg(args, "callSid")
	twiml, err := telephony.DialTwiML(s.deps.TransferNumber)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Calls.UpdateCallTwiML(ctx, callSID, twiml); err != nil {
		return nil, fmt.Errorf("transfer call %s: %w", callSID, err)
	}
	s.deps.Logger.Info("call transferred", "call_sid", callSID)
	return transferredReply, nil
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

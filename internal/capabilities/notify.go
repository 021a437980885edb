package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ent0n29/callagent/internal/bookings"
)

// Notification asks the manager group to assign a driver to a booking.
type Notification struct {
	Booking bookings.Booking
	Body    string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) (messageID string, err error)
}

// MessageSender sends one text message; *telephony.TwilioClient satisfies it.
type MessageSender interface {
	SendMessage(ctx context.Context, from, to, body string) (string, error)
}

// WhatsAppNotifier delivers notifications to a WhatsApp group through Twilio.
type WhatsAppNotifier struct {
	sender MessageSender
	from   string
	to     string
}

func NewWhatsAppNotifier(sender MessageSender, from, to string) *WhatsAppNotifier {
	return &WhatsAppNotifier{sender: sender, from: whatsappAddress(from), to: whatsappAddress(to)}
}

func (w *WhatsAppNotifier) Notify(ctx context.Context, n Notification) (string, error) {
	return w.sender.SendMessage(ctx, w.from, w.to, n.Body)
}

func whatsappAddress(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// Publisher is the slice of *nats.Conn the NATS notifier uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSNotifier publishes notifications for a dispatcher service to fan out.
type NATSNotifier struct {
	pub     Publisher
	subject string
	now     func() time.Time
}

func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	if strings.TrimSpace(subject) == "" {
		subject = "callagent.booking.driver_requested"
	}
	return &NATSNotifier{pub: pub, subject: subject, now: time.Now}
}

type natsNotification struct {
	ID           string           `json:"id"`
	Registration string           `json:"registration"`
	Booking      bookings.Booking `json:"booking"`
	Body         string           `json:"body"`
	SentAt       time.Time        `json:"sent_at"`
}

func (n *NATSNotifier) Notify(_ context.Context, note Notification) (string, error) {
	id := uuid.NewString()
	data, err := json.Marshal(natsNotification{
		ID:           id,
		Registration: note.Booking.Registration,
		Booking:      note.Booking,
		Body:         note.Body,
		SentAt:       n.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	msg := nats.NewMsg(n.subject)
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Data = data
	if err := n.pub.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return id, nil
}

// ConnectNATS dials the broker with reconnects enabled.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("callagent"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// LogNotifier only logs; it backs local runs without a messaging provider.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) (string, error) {
	id := "log_" + uuid.NewString()
	l.logger.Info("manager notification", "message_id", id, "registration", n.Booking.Registration)
	return id, nil
}

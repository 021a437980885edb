package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/callagent/internal/bookings"
	"github.com/ent0n29/callagent/internal/tools"
)

var testNow = time.Date(2026, 7, 1, 14, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.notes = append(r.notes, n)
	return "SM123", nil
}

type recordingCalls struct {
	callSID string
	twiml   string
	err     error
}

func (r *recordingCalls) UpdateCallTwiML(_ context.Context, callSID, twiml string) error {
	r.callSID, r.twiml = callSID, twiml
	return r.err
}

type fixture struct {
	reg      *tools.Registry
	store    *bookings.InMemoryStore
	notifier *recordingNotifier
	calls    *recordingCalls
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	defs, err := tools.DefaultDefinitions()
	require.NoError(t, err)
	f := fixture{
		reg: tools.NewRegistry(defs),
		store: bookings.NewInMemoryStore(bookings.Booking{
			Registration:     "AB12CDE",
			CustomerName:     "Jane Smith",
			ContactNumber:    "07700900123",
			VehicleMake:      "Volvo",
			Terminal:         "T2",
			AllocatedCarPark: "Car Park B, Level 2",
			EntryTime:        time.Date(2026, 7, 2, 16, 30, 0, 0, time.UTC),
		}),
		notifier: &recordingNotifier{},
		calls:    &recordingCalls{},
	}
	require.NoError(t, Register(f.reg, Deps{
		Store:          f.store,
		Notifier:       f.notifier,
		Calls:          f.calls,
		TransferNumber: "+441610000000",
		Now:            func() time.Time { return testNow },
	}))
	return f
}

func (f fixture) invoke(t *testing.T, name string, args map[string]any) map[string]any {
	t.Helper()
	res := f.reg.Invoke(context.Background(), name, args, tools.InvokeMeta{CallSID: "CA1"})
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out), res.Content)
	return out
}

func TestRegisterBindsEveryDeclaredCapability(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"findBooking", "findBookingByPhone", "updateETA", "whatsappMessage", "transferCall"}, f.reg.Names())
	assert.Error(t, Register(f.reg, Deps{}))
}

func TestFindBooking(t *testing.T) {
	f := newFixture(t)
	out := f.invoke(t, "findBooking", map[string]any{"registration": "ab12 cde"})
	assert.Equal(t, "Jane Smith", out["customerName"])
	assert.Equal(t, "July 2nd at 4:30 PM", out["bookingTime"])
	assert.Equal(t, "0770 090 0123", out["contactNumber"])
	assert.Equal(t, "AB12CDE", out["registration"])
	assert.NotContains(t, out, "found")

	out = f.invoke(t, "findBooking", map[string]any{"registration": "ZZ99 ZZZ"})
	assert.Equal(t, noBookingForRegistration, out["error"])
}

func TestFindBookingByPhone(t *testing.T) {
	f := newFixture(t)
	out := f.invoke(t, "findBookingByPhone", map[string]any{"phoneNumber": "+44 7700 900123"})
	assert.Equal(t, true, out["found"])
	assert.Equal(t, "AB12CDE", out["registration"])
	assert.Equal(t, "07700900123", out["contactNumber"])

	out = f.invoke(t, "findBookingByPhone", map[string]any{"phoneNumber": "0123"})
	assert.Equal(t, false, out["found"])
	assert.Equal(t, noBookingForPhone, out["error"])
}

func TestUpdateETA(t *testing.T) {
	f := newFixture(t)
	out := f.invoke(t, "updateETA", map[string]any{"registration": "AB12CDE", "customerETA": "in 20 minutes"})
	assert.Equal(t, "ETA updated successfully.", out["success"])
	assert.Equal(t, "July 1st at 2:50 PM", out["formattedETA"])

	b, err := f.store.FindByRegistration(context.Background(), "AB12CDE")
	require.NoError(t, err)
	assert.True(t, b.CurrentETA.Equal(testNow.Add(20*time.Minute)))

	out = f.invoke(t, "updateETA", map[string]any{"registration": "AB12CDE", "customerETA": "soon"})
	assert.Equal(t, "Invalid time format provided.", out["error"])

	out = f.invoke(t, "updateETA", map[string]any{"registration": "XX11XXX", "customerETA": "5pm"})
	assert.Equal(t, noBookingForRegistration, out["error"])
}

func TestParseETA(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"20 minutes", testNow.Add(20 * time.Minute)},
		{"about 2 hours", testNow.Add(2 * time.Hour)},
		{"4:30 pm", time.Date(2026, 7, 1, 16, 30, 0, 0, time.UTC)},
		{"16.45", time.Date(2026, 7, 1, 16, 45, 0, 0, time.UTC)},
		{"6am", time.Date(2026, 7, 2, 6, 0, 0, 0, time.UTC)},
		{"12 a.m.", time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)},
		{"2:00 PM", time.Date(2026, 7, 2, 14, 0, 0, 0, time.UTC)},
		{"48 hours", testNow.Add(48 * time.Hour)},
	}
	for _, tc := range cases {
		got, err := ParseETA(tc.in, testNow)
		require.NoError(t, err, tc.in)
		assert.True(t, tc.want.Equal(got), "%s: got %s want %s", tc.in, got, tc.want)
	}
	for _, bad := range []string{"", "soon", "25:00", "13pm", "49 hours", "2881 minutes", "999999999 hours", "99999999999999999999 minutes"} {
		_, err := ParseETA(bad, testNow)
		assert.Error(t, err, bad)
	}
}

func TestSpokenDateTimeOrdinals(t *testing.T) {
	assert.Equal(t, "March 1st at 9:05 AM", SpokenDateTime(time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)))
	assert.Equal(t, "March 12th at 12:00 PM", SpokenDateTime(time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "March 23rd at 11:59 PM", SpokenDateTime(time.Date(2026, 3, 23, 23, 59, 0, 0, time.UTC)))
}

func TestWhatsappMessageNotifiesManager(t *testing.T) {
	f := newFixture(t)
	out := f.invoke(t, "whatsappMessage", map[string]any{"registration": "ab12cde"})
	assert.Equal(t, "Manager notified successfully.", out["success"])
	assert.Equal(t, "SM123", out["messageId"])

	require.Len(t, f.notifier.notes, 1)
	body := f.notifier.notes[0].Body
	assert.True(t, strings.HasPrefix(body, "New Booking Requires Driver Assignment:"))
	assert.Contains(t, body, "- Vehicle: Volvo")
	assert.Contains(t, body, "- Entry Date/Time: 02/07/2026 16:30")
	assert.Contains(t, body, "- Estimated ETA: N/A")
	assert.Contains(t, body, "Please assign a driver for this booking.")

	f.notifier.err = errors.New("twilio down")
	res := f.reg.Invoke(context.Background(), "whatsappMessage", map[string]any{"registration": "AB12CDE"}, tools.InvokeMeta{})
	assert.ErrorIs(t, res.Err, tools.ErrCapabilityFailed)
}

func TestTransferCallUpdatesTwiML(t *testing.T) {
	f := newFixture(t)
	res := f.reg.Invoke(context.Background(), "transferCall", map[string]any{"callSid": "CA1"}, tools.InvokeMeta{CallSID: "CA1"})
	require.NoError(t, res.Err)
	assert.Equal(t, transferredReply, res.Content)
	assert.Equal(t, "CA1", f.calls.callSID)
	assert.Contains(t, f.calls.twiml, "<Dial>+441610000000</Dial>")

	f.calls.err = errors.New("call not in progress")
	res = f.reg.Invoke(context.Background(), "transferCall", map[string]any{"callSid": "CA1"}, tools.InvokeMeta{CallSID: "CA1"})
	assert.ErrorIs(t, res.Err, tools.ErrCapabilityFailed)
}

type fakePublisher struct {
	msgs []*nats.Msg
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	p.msgs = append(p.msgs, m)
	return nil
}

func TestNATSNotifierPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub, "")
	id, err := n.Notify(context.Background(), Notification{Booking: bookings.Booking{Registration: "AB12CDE"}, Body: "assign"})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "callagent.booking.driver_requested", msg.Subject)
	assert.Equal(t, id, msg.Header.Get(nats.MsgIdHdr))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "AB12CDE", payload["registration"])
	assert.Equal(t, "assign", payload["body"])
}

type fakeSender struct{ from, to, body string }

func (s *fakeSender) SendMessage(_ context.Context, from, to, body string) (string, error) {
	s.from, s.to, s.body = from, to, body
	return "SM1", nil
}

func TestWhatsAppNotifierPrefixesAddresses(t *testing.T) {
	sender := &fakeSender{}
	id, err := NewWhatsAppNotifier(sender, "+14155238886", "whatsapp:+447700900000").Notify(context.Background(), Notification{Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "SM1", id)
	assert.Equal(t, "whatsapp:+14155238886", sender.from)
	assert.Equal(t, "whatsapp:+447700900000", sender.to)
}

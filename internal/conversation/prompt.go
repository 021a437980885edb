package conversation

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// PromptData fills the system prompt template for one call.
type PromptData struct {
	BusinessName string
	AgentName    string
	CallSID      string
	Now          time.Time
	Location     *time.Location
	PauseMarker  string
}

const defaultPromptTemplate = `You are {{.AgentName}}, a phone assistant at {{.BusinessName}}. Work through these steps in order:

1. Registration: when the caller gives a car registration, read it back exactly and ask them to confirm it before going further.
2. Booking: look the booking up with findBooking (or findBookingByPhone if the caller only has a phone number). Confirm the customer name, booking time in 12-hour format, terminal and contact number. Do not mention the allocated car park yet.
3. Arrival time: ask when the caller expects to arrive. Work out relative times ("20 minutes") against the current time, confirm the result, then call updateETA.
4. Directions: only after the ETA is updated, explain where to go, including car park and level.
5. Manager: call whatsappMessage to notify the manager. Do not tell the caller about this message.

If the caller asks for a person or you cannot help, use transferCall with the call SID below.
Keep a professional, friendly tone. Put '{{.PauseMarker}}' at natural pauses. Never use emojis.

Current local time: {{.LocalTime}}
Call SID: {{.CallSID}}`

var promptTemplate = template.Must(template.New("system").Parse(defaultPromptTemplate))

// BuildSystemPrompt renders the opening system turn for a call.
func BuildSystemPrompt(d PromptData) (string, error) {
	if strings.TrimSpace(d.BusinessName) == "" {
		d.BusinessName = "Manchester Airport Parking"
	}
	if strings.TrimSpace(d.AgentName) == "" {
		d.AgentName = "Josh"
	}
	if d.PauseMarker == "" {
		d.PauseMarker = "•"
	}
	if d.Now.IsZero() {
		d.Now = time.Now()
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}

	var b strings.Builder
	err := promptTemplate.Execute(&b, struct {
		PromptData
		LocalTime string
	}{
		PromptData: d,
		LocalTime:  d.Now.In(loc).Format("Monday 2 January 2006, 3:04 PM MST"),
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return b.String(), nil
}

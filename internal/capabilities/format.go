package capabilities

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	relativeETAPattern = regexp.MustCompile(`(?i)(\d+)\s*(minutes?|mins?|hours?|hrs?)\b`)
	maxRelativeETA     = 48 * time.Hour
	clockETAPattern    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:[:.]?(\d{2}))?\s*(a\.?m\.?|p\.?m\.?)?`)
)

// errInvalidETA is reported to the model as a payload, not as a failure.
var errInvalidETA = errors.New("invalid time format provided")

// ParseETA resolves a spoken arrival time against now. Relative times ("in 20
// minutes", "2 hours") up to 48 hours out are added to now; clock times ("4:30 pm", "16:30",
// "6am") land on today, or tomorrow when already past.
func ParseETA(input string, now time.Time) (time.Time, error) {
	text := strings.TrimSpace(input)
	if m := relativeETAPattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, errInvalidETA
		}
		unit := time.Minute
		if strings.HasPrefix(strings.ToLower(m[2]), "h") {
			unit = time.Hour
		}
		if n > int(maxRelativeETA/unit) {
			return time.Time{}, errInvalidETA
		}
		return now.Add(time.Duration(n) * unit), nil
	}

	m := clockETAPattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, errInvalidETA
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if ampm := strings.ToLower(m[3]); ampm != "" {
		if hour < 1 || hour > 12 {
			return time.Time{}, errInvalidETA
		}
		if strings.HasPrefix(ampm, "p") && hour != 12 {
			hour += 12
		}
		if strings.HasPrefix(ampm, "a") && hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return time.Time{}, errInvalidETA
	}
	eta := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if eta.Before(now) {
		eta = eta.AddDate(0, 0, 1)
	}
	return eta, nil
}

// SpokenDateTime renders "January 2nd at 4:30 PM".
func SpokenDateTime(t time.Time) string {
	return t.Format("January") + " " + ordinal(t.Day()) + " at " + t.Format("3:04 PM")
}

func ordinal(day int) string {
	suffix := "th"
	switch {
	case day%100 >= 11 && day%100 <= 13:
	case day%10 == 1:
		suffix = "st"
	case day%10 == 2:
		suffix = "nd"
	case day%10 == 3:
		suffix = "rd"
	}
	return strconv.Itoa(day) + suffix
}

// groupContactNumber splits a number as "0770 090 0123" so it is read back in groups.
func groupContactNumber(number string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) < 10 {
		return strings.TrimSpace(number)
	}
	return digits[:4] + " " + digits[4:7] + " " + digits[7:]
}

func orNA(v string) string {
	if strings.TrimSpace(v) == "" {
		return "N/A"
	}
	return v
}

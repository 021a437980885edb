package telephony

import (
	"encoding/xml"
	"fmt"
	"strings"
)

type twimlStream struct {
	URL string `xml:"url,attr"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Dial    string        `xml:"Dial,omitempty"`
}

// ConnectStreamTwiML answers an incoming call by bridging its audio to the
// media stream websocket at streamURL.
func ConnectStreamTwiML(streamURL string) (string, error) {
	if strings.TrimSpace(streamURL) == "" {
		return "", fmt.Errorf("stream url is required")
	}
	return renderTwiML(twimlResponse{Connect: &twimlConnect{Stream: twimlStream{URL: streamURL}}})
}

// DialTwiML redirects a live call to number.
func DialTwiML(number string) (string, error) {
	if strings.TrimSpace(number) == "" {
		return "", fmt.Errorf("transfer number is required")
	}
	return renderTwiML(twimlResponse{Dial: number})
}

func renderTwiML(r twimlResponse) (string, error) {
	b, err := xml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return xml.Header + string(b), nil
}

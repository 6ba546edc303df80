package twilio

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
)

type voiceResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     string   `xml:"Say,omitempty"`
	Pause   *pause   `xml:"Pause,omitempty"`
	Connect *connect `xml:"Connect,omitempty"`
}

type pause struct {
	Length int `xml:"length,attr"`
}

type connect struct {
	Stream stream `xml:"Stream"`
}

type stream struct {
	URL string `xml:"url,attr"`
}

// VoiceResponse renders the call-setup TwiML document: an optional
// disclosure announcement, a short pause, then a Connect/Stream verb
// pointing the provider at the caller-scoped media-stream endpoint.
func VoiceResponse(host, caller, announcement string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("twiml host must not be empty")
	}
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return "", fmt.Errorf("twiml caller must not be empty")
	}

	streamURL := fmt.Sprintf("wss://%s/%s/media-stream", host, url.PathEscape(caller))
	doc := voiceResponse{
		Connect: &connect{Stream: stream{URL: streamURL}},
	}
	if announcement = strings.TrimSpace(announcement); announcement != "" {
		doc.Say = announcement
		doc.Pause = &pause{Length: 1}
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal twiml: %w", err)
	}
	return xml.Header + string(body), nil
}

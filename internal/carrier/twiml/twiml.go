// Package twiml builds the small set of XML voice-response documents this
// service's voice webhooks ever return.
package twiml

import (
	"encoding/xml"
	"fmt"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

type gather struct {
	XMLName     xml.Name `xml:"Gather"`
	Action      string   `xml:"action,attr"`
	Method      string   `xml:"method,attr"`
	NumDigits   int      `xml:"numDigits,attr,omitempty"`
	Timeout     int      `xml:"timeout,attr,omitempty"`
	FinishOnKey string   `xml:"finishOnKey,attr,omitempty"`
	Play        *play    `xml:"Play,omitempty"`
	Say         *say     `xml:"Say,omitempty"`
}

type play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type dial struct {
	XMLName    xml.Name `xml:"Dial"`
	Action     string   `xml:"action,attr"`
	Method     string   `xml:"method,attr"`
	Timeout    int      `xml:"timeout,attr,omitempty"`
	CallerID   string   `xml:"callerId,attr,omitempty"`
	NumberText string   `xml:",chardata"`
}

type connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  stream   `xml:"Stream"`
}

type stream struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
	Track   string   `xml:"track,attr,omitempty"`
}

type reject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

func render(elems ...any) string {
	var body []byte
	for _, e := range elems {
		b, err := xml.Marshal(e)
		if err != nil {
			continue
		}
		body = append(body, b...)
	}
	return fmt.Sprintf("%s<Response>%s</Response>", xmlHeader, body)
}

// Empty returns an acknowledging empty voice response.
func Empty() string {
	return fmt.Sprintf("%s<Response></Response>", xmlHeader)
}

// GatherDigits returns a <Gather> prompting for DTMF digits, optionally
// playing an audio prompt URL first.
func GatherDigits(actionURL string, numDigits, timeoutSeconds int, promptAudioURL, sayText string) string {
	g := gather{Action: actionURL, Method: "POST", NumDigits: numDigits, Timeout: timeoutSeconds}
	if promptAudioURL != "" {
		g.Play = &play{URL: promptAudioURL}
	}
	if sayText != "" {
		g.Say = &say{Text: sayText}
	}
	return render(g)
}

// Reject returns a <Reject> document carrying the given reason
// attribute.
func Reject(reason string) string {
	return render(reject{Reason: reason})
}

// Dial returns a <Dial> to the given number, calling back actionURL once
// the dial completes, used to ring the human operator during transfer.
func Dial(actionURL, number, callerID string, timeoutSeconds int) string {
	return render(dial{Action: actionURL, Method: "POST", Timeout: timeoutSeconds, CallerID: callerID, NumberText: number})
}

// ConnectStream returns a <Connect><Stream> document that opens the
// bidirectional media stream the audio capture pipeline consumes.
func ConnectStream(streamURL, track string) string {
	return render(connect{Stream: stream{URL: streamURL, Track: track}})
}

// SayAndHangup returns a <Say> followed by <Hangup>, used for terminal
// voice-call outcomes (offer expired, max attempts reached).
func SayAndHangup(text string) string {
	return render(say{Text: text}, hangup{})
}

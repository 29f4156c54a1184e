package ivr

import (
	"fmt"
	"time"

	"github.com/wolfman30/shiftcascade/internal/callsession"
)

// maxAttempts is the count of invalid/empty inputs within one phase at
// which the call escalates to a human (the third such input transfers),
// per spec.md §4.5's "too many failures → human transfer" escape.
const maxAttempts = 3

// prompt is one canonical phase prompt: the text to speak and the DTMF
// policy the Voice Bridge should apply while collecting the caller's
// next input. numDigits is 0 for phases the bridge should let run until
// the caller presses '#' or falls silent (freeform input).
type prompt struct {
	Text      string
	NumDigits int
}

func pinAuthPrompt() prompt {
	return prompt{Text: "Please enter your 4-digit PIN.", NumDigits: 4}
}

func retryPrompt(base prompt) prompt {
	return prompt{Text: "Sorry, I didn't get that. " + base.Text, NumDigits: base.NumDigits}
}

func providerSelectionPrompt(sess *callsession.Session, names []string) prompt {
	text := "You work with more than one provider. "
	for i, name := range names {
		text += fmt.Sprintf("Press %d for %s. ", i+1, name)
	}
	return prompt{Text: text, NumDigits: 1}
}

func collectJobCodePrompt() prompt {
	return prompt{Text: "Please enter the 6-digit job code from your shift text or schedule.", NumDigits: 6}
}

func confirmJobCodePrompt(code string) prompt {
	return prompt{Text: fmt.Sprintf("You entered job code %s. Press 1 to confirm, or 2 to re-enter it.", code), NumDigits: 1}
}

func jobOptionsPrompt() prompt {
	return prompt{Text: "Press 1 to reschedule this shift, 2 to leave it open for someone else, 3 to talk to a representative, or 4 to enter a different job code.", NumDigits: 1}
}

func collectReasonPrompt() prompt {
	return prompt{Text: "Briefly say why you can't make this shift, then stay on the line.", NumDigits: 0}
}

func confirmLeaveOpenPrompt() prompt {
	return prompt{Text: "Press 1 to confirm this shift should be reopened for another caregiver, or 2 to go back.", NumDigits: 1}
}

func collectDayPrompt() prompt {
	return prompt{Text: "Enter the two-digit day you'd like to reschedule to.", NumDigits: 2}
}

func collectMonthPrompt() prompt {
	return prompt{Text: "Enter the two-digit month.", NumDigits: 2}
}

func collectTimePrompt() prompt {
	return prompt{Text: "Enter the new start time as four digits, 24-hour clock. For example, 2 30pm is 1430.", NumDigits: 4}
}

func confirmDateTimePrompt(when time.Time) prompt {
	return prompt{Text: fmt.Sprintf("Reschedule to %s. Press 1 to confirm, or 2 to start over.", when.Format("Mon Jan 2 at 3:04pm")), NumDigits: 1}
}

func transferPrompt() prompt {
	return prompt{Text: "Connecting you to a representative, please hold.", NumDigits: 0}
}

func isValidTwoDigitRange(value string, min, max int) (int, bool) {
	if len(value) != 2 {
		return 0, false
	}
	n := 0
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	if n < min || n > max {
		return 0, false
	}
	return n, true
}

// daysInMonth returns how many days a given month has in year, honoring
// leap years for February.
func daysInMonth(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nextOccurrenceOf resolves the next future local moment matching
// day/month/hour/minute, rolling into next year if that date has
// already passed this year, since spec.md §4.5 requires the
// rescheduled time be in the future.
func nextOccurrenceOf(day, month, hour, minute int, now time.Time) (time.Time, error) {
	if day < 1 || day > daysInMonth(now.Year(), month) {
		return time.Time{}, fmt.Errorf("ivr: %02d/%02d is not a valid calendar date", day, month)
	}
	candidate := time.Date(now.Year(), time.Month(month), day, hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = time.Date(now.Year()+1, time.Month(month), day, hour, minute, 0, 0, now.Location())
	}
	return candidate, nil
}

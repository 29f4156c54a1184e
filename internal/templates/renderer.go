// Package templates renders the fixed set of SMS/voice prompt templates
// this service ever sends. Unlike a general-purpose renderer, the
// variable set is closed and unknown placeholders are left exactly as
// written rather than erroring — an operator typo in a provider-supplied
// template should never make a shift-filling text fail to send.
package templates

import "regexp"

var placeholderPattern = regexp.MustCompile(`{{\s*(\w+)\s*}}`)

// Vars is the fixed set of substitution variables available to every
// template this service renders.
type Vars struct {
	EmployeeName string
	PatientName  string
	Date         string
	Time         string
	StartTime    string
	EndTime      string
	Suburb       string
}

func (v Vars) lookup(name string) (string, bool) {
	switch name {
	case "employeeName":
		return v.EmployeeName, true
	case "patientName":
		return v.PatientName, true
	case "date":
		return v.Date, true
	case "time":
		return v.Time, true
	case "startTime":
		return v.StartTime, true
	case "endTime":
		return v.EndTime, true
	case "suburb":
		return v.Suburb, true
	default:
		return "", false
	}
}

// Render substitutes every {{name}} placeholder found in tmpl with its
// value from vars. A placeholder whose name isn't one of the fixed
// variables is left in the output verbatim.
func Render(tmpl string, vars Vars) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		value, ok := vars.lookup(sub[1])
		if !ok {
			return match
		}
		return value
	})
}

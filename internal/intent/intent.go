// Package intent contains the deterministic text classifiers the chat
// router uses before falling back to the language model: intent
// detection for goal starts, response classification while a goal is
// active, and slot extraction for dates, times, and lead names.
//
// All functions are pure with respect to their inputs; the only
// ambient dependency is the clock passed to NewClassifier, which
// anchors relative dates.
package intent

import (
	"regexp"
	"strings"
	"time"

	"github.com/harborcrm/harbor/internal/goals"
)

// ResponseType classifies a user message while a goal is active.
type ResponseType string

const (
	ResponseConfirm     ResponseType = "confirm"
	ResponseCancel      ResponseType = "cancel"
	ResponseReschedule  ResponseType = "reschedule"
	ResponseProvideInfo ResponseType = "provide_info"
	ResponseUnclear     ResponseType = "unclear"
)

// Detection is the outcome of DetectIntent.
type Detection struct {
	Detected bool
	GoalType string
}

// Classifier evaluates user text against the curated phrase library.
// The zero value is not usable; construct with NewClassifier.
type Classifier struct {
	now func() time.Time
	loc *time.Location
}

// NewClassifier builds a classifier anchored at the given clock. A nil
// clock uses time.Now in the local zone.
func NewClassifier(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{now: now, loc: time.Local}
}

// SetLocation overrides the zone used to resolve relative dates.
func (c *Classifier) SetLocation(loc *time.Location) {
	if loc != nil {
		c.loc = loc
	}
}

// intentPatterns maps each goal type to the phrases that start it.
// Matching is substring-based over the lowercased input and is
// deliberately conservative: ambiguous text stays undetected and falls
// through to the model.
var intentPatterns = map[string][]string{
	goals.TypeScheduleCall: {
		"schedule a call",
		"schedule call",
		"set up a call",
		"setup a call",
		"arrange a call",
		"book a call",
		"call with",
		"phone call with",
	},
	goals.TypeBookMeeting: {
		"book a meeting",
		"schedule a meeting",
		"set up a meeting",
		"setup a meeting",
		"arrange a meeting",
		"meeting with",
	},
	goals.TypeSendEmail: {
		"send an email",
		"send email",
		"email to",
		"write an email",
		"draft an email",
	},
	goals.TypeCreateReminder: {
		"remind me",
		"set a reminder",
		"create a reminder",
		"add a reminder",
	},
}

// greetings and data questions never start a goal even when they
// contain an overlapping word.
var nonIntentPrefixes = []string{
	"hi", "hello", "hey", "good morning", "good afternoon", "good evening",
	"how many", "what is", "what's", "who is", "who's", "show me", "list",
	"when is", "where is", "do we have", "can you tell me",
}

// DetectIntent reports whether the text opens one of the known goal
// types. Checks goal types in a fixed order so overlapping phrase
// libraries stay deterministic.
func (c *Classifier) DetectIntent(text string) Detection {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Detection{}
	}
	for _, prefix := range nonIntentPrefixes {
		if lower == prefix || strings.HasPrefix(lower, prefix+" ") || strings.HasPrefix(lower, prefix+",") {
			return Detection{}
		}
	}
	for _, goalType := range []string{
		goals.TypeScheduleCall,
		goals.TypeBookMeeting,
		goals.TypeSendEmail,
		goals.TypeCreateReminder,
	} {
		for _, phrase := range intentPatterns[goalType] {
			if strings.Contains(lower, phrase) {
				return Detection{Detected: true, GoalType: goalType}
			}
		}
	}
	return Detection{}
}

var (
	confirmTokens = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "yup": true,
		"ok": true, "okay": true, "sure": true, "confirm": true,
		"confirmed": true, "proceed": true, "go ahead": true,
		"sounds good": true, "do it": true, "please do": true,
	}
	cancelTokens = map[string]bool{
		"no": true, "n": true, "nope": true, "cancel": true, "stop": true,
		"nevermind": true, "never mind": true, "forget it": true,
		"don't": true, "dont": true, "abort": true,
	}
	rescheduleMarkers = []string{
		"reschedule", "change the time", "change time", "different time",
		"another time", "move it", "move the", "push it", "push the",
		"earlier", "later instead",
	}
)

// properNamePattern matches a capitalized first name with an optional
// capitalized last name.
var properNamePattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`)

// ClassifyResponse maps a user message to the action it implies for
// the active goal.
func (c *Classifier) ClassifyResponse(text string) ResponseType {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ResponseUnclear
	}
	lower := strings.ToLower(strings.Trim(trimmed, ".!?, "))

	if confirmTokens[lower] {
		return ResponseConfirm
	}
	if cancelTokens[lower] {
		return ResponseCancel
	}
	for _, marker := range rescheduleMarkers {
		if strings.Contains(lower, marker) {
			return ResponseReschedule
		}
	}

	// A leading decision phrase wins over whatever trails it: "Yes
	// please" confirms and "no thanks" cancels even though the full
	// text is not in the token sets. Checked after the reschedule
	// markers so "no, another time" still moves the slot.
	for token := range confirmTokens {
		if strings.HasPrefix(lower, token+" ") || strings.HasPrefix(lower, token+",") {
			return ResponseConfirm
		}
	}
	for token := range cancelTokens {
		if strings.HasPrefix(lower, token+" ") || strings.HasPrefix(lower, token+",") {
			return ResponseCancel
		}
	}

	if c.ExtractDateTime(trimmed) != nil || properNamePattern.MatchString(trimmed) {
		return ResponseProvideInfo
	}
	return ResponseUnclear
}

var (
	timePattern    = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	time24Pattern  = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	weekdayPattern = regexp.MustCompile(`\b(?:next\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	datePattern    = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ExtractDateTime resolves a date and time slot from free text.
// Relative dates anchor at the classifier's clock; a date without a
// time defaults to 10:00 local. Returns nil when the text carries no
// date and no time indicator.
func (c *Classifier) ExtractDateTime(text string) *goals.DateTime {
	lower := strings.ToLower(text)
	now := c.now().In(c.loc)

	var (
		date    time.Time
		hasDate bool
	)
	switch {
	case strings.Contains(lower, "today"):
		date, hasDate = now, true
	case strings.Contains(lower, "tomorrow"):
		date, hasDate = now.AddDate(0, 0, 1), true
	default:
		if m := datePattern.FindStringSubmatch(text); m != nil {
			parsed, err := time.ParseInLocation("2006-01-02", m[0], c.loc)
			if err == nil {
				date, hasDate = parsed, true
			}
		} else if m := weekdayPattern.FindStringSubmatch(lower); m != nil {
			target := weekdays[m[1]]
			days := (int(target) - int(now.Weekday()) + 7) % 7
			// "friday" on a Friday and "next friday" both mean the
			// coming one, a week out.
			if days == 0 {
				days = 7
			}
			date, hasDate = now.AddDate(0, 0, days), true
		}
	}

	hour, minute := 10, 0
	hasTime := false
	if m := timePattern.FindStringSubmatch(lower); m != nil {
		hour = atoi(m[1])
		if m[2] != "" {
			minute = atoi(m[2])
		}
		if m[3] == "pm" && hour < 12 {
			hour += 12
		}
		if m[3] == "am" && hour == 12 {
			hour = 0
		}
		hasTime = hour < 24 && minute < 60
	} else if m := time24Pattern.FindStringSubmatch(lower); m != nil {
		h, min := atoi(m[1]), atoi(m[2])
		if h < 24 && min < 60 {
			hour, minute, hasTime = h, min, true
		}
	}

	if !hasDate && !hasTime {
		return nil
	}
	if !hasDate {
		date = now
		// A bare time already in the past today means the next day.
		if hour < now.Hour() || (hour == now.Hour() && minute <= now.Minute()) {
			date = now.AddDate(0, 0, 1)
		}
	}

	ts := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, c.loc)
	return &goals.DateTime{
		Date:      ts.Format("2006-01-02"),
		Time:      ts.Format("15:04"),
		Timestamp: ts,
	}
}

// leadNameStopWords are words that follow a trigger preposition but
// are never lead names.
var leadNameStopWords = map[string]bool{
	"me": true, "them": true, "him": true, "her": true, "us": true,
	"you": true, "the": true, "a": true, "an": true, "at": true,
	"on": true, "in": true, "tomorrow": true, "today": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"next": true, "this": true, "my": true, "our": true,
}

// The capture requires an uppercase initial so a trigger followed by
// ordinary prose ("call with someone") never matches, and so "call
// with John" resolves the name rather than the trigger word "with".
var leadNameTriggers = regexp.MustCompile(
	`(?:\bwith\b|\bfor\b|\bcall\b|\bemail\b|\bto\b|\bremind\b)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)

// ExtractLeadName pulls a lead name out of free text, or returns ""
// when no plausible name is present. Accepts a single first name or a
// First Last pair after a trigger word.
func (c *Classifier) ExtractLeadName(text string) string {
	for _, m := range leadNameTriggers.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(m[1])
		words := strings.Fields(candidate)
		if len(words) == 0 {
			continue
		}
		if leadNameStopWords[strings.ToLower(words[0])] {
			continue
		}
		if len(words) == 2 && leadNameStopWords[strings.ToLower(words[1])] {
			return words[0]
		}
		return strings.Join(words, " ")
	}
	return ""
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

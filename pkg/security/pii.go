package security

import (
	"regexp"
	"strings"
)

// PIIMatch describes one detected piece of personal data
type PIIMatch struct {
	Category string `json:"category"`
	Value    string `json:"value"`
}

// PIIDetector scans free-form text for personal data before it leaves the
// pipeline. Detection is pattern based; it errs on the side of flagging.
type PIIDetector struct {
	patterns map[string]*regexp.Regexp
}

// NewPIIDetector creates a detector with the built-in pattern set
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{
		patterns: map[string]*regexp.Regexp{
			"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			"phone":       regexp.MustCompile(`(?:\+|00)[1-9]\d{1,2}[\s\-]?(?:\(0\))?[\s\-]?\d{2,3}(?:[\s\-]?\d{2,4}){2,3}`),
			"iban":        regexp.MustCompile(`\b[A-Z]{2}\d{2}[\sA-Z0-9]{11,30}\b`),
			"credit_card": regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
			"ssn":         regexp.MustCompile(`\b756\.\d{4}\.\d{4}\.\d{2}\b`),
		},
	}
}

// Detect returns every match found in the given text
func (d *PIIDetector) Detect(text string) []PIIMatch {
	var matches []PIIMatch
	for category, pattern := range d.patterns {
		for _, value := range pattern.FindAllString(text, -1) {
			matches = append(matches, PIIMatch{
				Category: category,
				Value:    value,
			})
		}
	}
	return matches
}

// ContainsPII reports whether the given text holds any personal data
func (d *PIIDetector) ContainsPII(text string) bool {
	for _, pattern := range d.patterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// Mask replaces every detected value with a category placeholder
func (d *PIIDetector) Mask(text string) string {
	for category, pattern := range d.patterns {
		text = pattern.ReplaceAllString(text, "["+strings.ToUpper(category)+"]")
	}
	return text
}

package event

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidFormat is returned when a log entry carries no recognizable station event.
var ErrInvalidFormat = errors.New("invalid log entry format")

// eventPattern matches an event tag followed, anywhere later on the line, by a
// lower-case colon separated MAC address. Interface names, timestamps and vendor
// strings sit between the two in real access point output. The gap is lazy so the
// tag pairs with the first MAC after it.
var eventPattern = regexp.MustCompile(`(?P<action>JOIN|LEAVE).+?(?P<mac>[0-9a-f]{2}(?::[0-9a-f]{2}){5})`)

var (
	actionGroup = eventPattern.SubexpIndex("action")
	macGroup    = eventPattern.SubexpIndex("mac")
)

// maxPreviewLen bounds how much of an entry is echoed into diagnostics.
const maxPreviewLen = 128

// LogEntry is one unit of text received from an access point.
type LogEntry struct {
	value string
}

// NewLogEntry wraps text as a LogEntry.
func NewLogEntry(text string) LogEntry {
	return LogEntry{value: text}
}

// EntryFromBytes builds a LogEntry from raw socket bytes. Invalid UTF-8 sequences are
// replaced with U+FFFD.
func EntryFromBytes(raw []byte) LogEntry {
	return LogEntry{value: strings.ToValidUTF8(string(raw), "\uFFFD")}
}

// Text returns the full entry text.
func (e LogEntry) Text() string {
	return e.value
}

// Preview returns the entry text truncated for safe inclusion in log records.
func (e LogEntry) Preview() string {
	if len(e.value) <= maxPreviewLen {
		return e.value
	}
	cut := maxPreviewLen
	// back off to a rune boundary
	for cut > 0 && !isRuneStart(e.value[cut]) {
		cut--
	}
	return e.value[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Parse extracts the first station event from the entry.
func Parse(entry LogEntry) (Action, error) {
	match := eventPattern.FindStringSubmatch(entry.value)
	if match == nil {
		return Action{}, ErrInvalidFormat
	}

	tag, mac := match[actionGroup], match[macGroup]
	if tag == "" || mac == "" {
		return Action{}, ErrInvalidFormat
	}

	action, err := FromTag(tag, mac)
	if err != nil {
		return Action{}, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	return action, nil
}

// ParseLine is Parse over a plain string.
func ParseLine(line string) (Action, error) {
	return Parse(NewLogEntry(line))
}

// Package streaming turns an incrementally produced text stream into a bounded,
// ordered sequence of chat messages that are edited in place as text arrives.
//
// A Stream owns one logical reply. It feeds chunks into Units, one transport
// message each, splitting into a new Unit when the length limit is reached or
// when the producer pauses longer than the idle-split gap.
package streaming

import (
	"time"
	"unicode/utf8"
)

// Transport shape constants. These follow Discord's limits and are not
// runtime-configurable.
const (
	MaxMessageLength = 2000
	EditThreshold    = 800
	IdleSplitGap     = 1000 * time.Millisecond
	DebounceDelay    = 300 * time.Millisecond
	FinalizeWait     = 10 * time.Second
)

// Options tunes a Stream. Zero fields fall back to the package constants.
type Options struct {
	MaxLength     int
	EditThreshold int
	IdleSplit     time.Duration
	Debounce      time.Duration
	FinalizeWait  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxLength <= 0 {
		o.MaxLength = MaxMessageLength
	}
	if o.EditThreshold <= 0 {
		o.EditThreshold = EditThreshold
	}
	if o.IdleSplit <= 0 {
		o.IdleSplit = IdleSplitGap
	}
	if o.Debounce <= 0 {
		o.Debounce = DebounceDelay
	}
	if o.FinalizeWait <= 0 {
		o.FinalizeWait = FinalizeWait
	}
	return o
}

// runeLen counts characters the way the transport does.
func runeLen(s string) int { return utf8.RuneCountInString(s) }

// splitAt returns the first n characters of s and the rest.
func splitAt(s string, n int) (head, rest string) {
	if n <= 0 {
		return "", s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}

// truncate bounds s to n characters.
func truncate(s string, n int) string {
	head, _ := splitAt(s, n)
	return head
}

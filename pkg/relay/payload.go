// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// UnknownValue is the sentinel used for sender and channel metadata that the
// backend did not supply or that could not be fetched.
const UnknownValue = "unknown"

// ForwardingPayload is the structured record delivered to the Notifier when
// a message matches a user's filter.
type ForwardingPayload struct {
	SenderID     string
	SenderName   string
	SenderHandle string
	Channel      string
	SentAt       time.Time
	Text         string
}

// Header renders the metadata block of the alert without the message body.
func (p *ForwardingPayload) Header() string {
	var b strings.Builder
	b.WriteString("Match found!\n")
	fmt.Fprintf(&b, "Sender: @%s\n", p.SenderHandle)
	fmt.Fprintf(&b, "Name: %s\n", p.SenderName)
	fmt.Fprintf(&b, "ID: %s\n", p.SenderID)
	fmt.Fprintf(&b, "Channel: %s\n", p.Channel)
	fmt.Fprintf(&b, "Time: %s", p.SentAt.Format("2006-01-02 15:04:05"))
	return b.String()
}

// Render renders the complete alert message.
func (p *ForwardingPayload) Render() string {
	return p.Header() + "\nText: " + p.Text
}

// chunkMarkerOverhead reserves room in each body chunk for the "(i/n) "
// part marker.
const chunkMarkerOverhead = 12

// SplitPayload renders the payload into one or more ordered messages, each
// no longer than max bytes. When the full rendering fits, a single message
// is returned. Otherwise the first message carries the metadata header and
// the remaining messages carry the body split into "(i/n) "-marked chunks.
// Every byte of the body appears in exactly one chunk.
func SplitPayload(p *ForwardingPayload, max int) []string {
	full := p.Render()
	if max <= 0 || len(full) <= max {
		return []string{full}
	}

	size := max - chunkMarkerOverhead
	if size < 1 {
		size = 1
	}
	pieces := splitRunes(p.Text, size)

	out := make([]string, 0, len(pieces)+1)
	out = append(out, p.Header())
	for i, piece := range pieces {
		out = append(out, fmt.Sprintf("(%d/%d) %s", i+1, len(pieces), piece))
	}
	return out
}

// splitRunes splits s into pieces of at most size bytes without cutting
// through a multi-byte rune.
func splitRunes(s string, size int) []string {
	var pieces []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		pieces = append(pieces, s[:cut])
		s = s[cut:]
	}
	return append(pieces, s)
}

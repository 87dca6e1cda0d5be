// Package format renders a marketplace listing as a plain-text chat message.
//
// Everything here is pure and stateless.
package format

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"kworkbot/internal/marketplace"
)

// MaxDescription caps the description so a rendered message stays well below
// Telegram's 4096-character limit.
const MaxDescription = 2500

const ellipsis = "…"

const projectURL = "https://kwork.ru/projects/%d/view"

// Rule table applied by CleanText, in order:
//  1. <br>, <br/>, <br /> (any case, any inner spacing) -> "\n"
//  2. HTML entities (&amp; &quot; &#39; &nbsp; ...) -> their characters
//  3. leading/trailing whitespace trimmed
var reLineBreak = regexp.MustCompile(`(?i)<br\s*/?>`)

// CleanText converts the simple HTML-ish text returned by the marketplace API
// into readable plain text.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = reLineBreak.ReplaceAllString(s, "\n")
	s = html.UnescapeString(s)
	return strings.TrimSpace(s)
}

// OffersLabel tags a listing by how many responses it already has.
//
//	< 5    Actual
//	5..10  50/50
//	> 10   maybe not actual
func OffersLabel(offers int) string {
	switch {
	case offers < 5:
		return " ( Actual! )"
	case offers <= 10:
		return " ( 50/50 actual :/ )"
	default:
		return " ( Maybe not actual :( )"
	}
}

// Truncate caps s at maxRunes characters and appends an ellipsis when
// anything was cut. It never splits a multi-byte character.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i] + ellipsis
		}
		n++
	}
	return s
}

// Message renders l for delivery. Title and description are cleaned before
// the description is length-capped.
func Message(l marketplace.Listing) string {
	title := CleanText(l.Title)
	description := Truncate(CleanText(l.Description), MaxDescription)

	var b strings.Builder
	b.Grow(len(title) + len(description) + 160)
	b.WriteString("New Project:\n")
	b.WriteString("Title: ")
	b.WriteString(title)
	b.WriteString(", Price: ")
	b.WriteString(l.Price.String())
	b.WriteString("₽\n")
	b.WriteString("Description: ")
	b.WriteString(description)
	b.WriteString("\nResponses: ")
	b.WriteString(strconv.Itoa(l.Offers))
	b.WriteString(OffersLabel(l.Offers))
	b.WriteString("\nLink: ")
	b.WriteString(ListingURL(l.ID))
	return b.String()
}

// ListingURL is the public page of a project.
func ListingURL(id int64) string {
	return fmt.Sprintf(projectURL, id)
}

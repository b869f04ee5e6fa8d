// Package expand implements incrond's command-template substitution and
// argument tokenization: placeholders are substituted left-to-right
// against one fired event, then the resulting string is split into
// argv tokens using a one-character backslash escape.
package expand

import (
	"fmt"
	"strings"

	"github.com/relvacode/incrond/internal/inotify"
)

// Context carries everything a template placeholder can reference.
type Context struct {
	WatchedPath string       // "$@": the path the watch was added for
	Name        string       // "$#": basename of the child the event concerns
	Mask        inotify.Mask // "$%" (symbolic) / "$&" (numeric)
}

// quote escape-quotes s for use in $@/$#: a backslash is doubled, then
// a space becomes "\ ".
func quote(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case ' ':
			b.WriteString(`\ `)
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Substitute scans template left to right and returns the concrete
// command string for ctx, expanding each recognized placeholder.
func Substitute(template string, ctx Context) string {
	var b strings.Builder
	runes := []rune(template)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c != '$' {
			b.WriteRune(c)
			continue
		}
		if i+1 >= len(runes) {
			// "$" at end of string: literal $.
			b.WriteByte('$')
			break
		}
		switch runes[i+1] {
		case '$':
			b.WriteByte('$')
		case '@':
			b.WriteString(quote(ctx.WatchedPath))
		case '#':
			b.WriteString(quote(ctx.Name))
		case '%':
			b.WriteString(ctx.Mask.String())
		case '&':
			b.WriteString(fmt.Sprintf("%d", uint32(ctx.Mask)))
		default:
			// "$x" for any other x: drop the $, keep x.
			b.WriteRune(runes[i+1])
		}
		i++
	}
	return b.String()
}

// ErrEmptyCommand is returned by Tokenize when a template expands to no
// tokens at all.
var ErrEmptyCommand = fmt.Errorf("expand: empty command")

// Tokenize splits cmd on whitespace, honoring a one-character backslash
// escape (a backslash makes the following character literal, including
// another backslash or a space), and elides empty tokens produced by
// consecutive delimiters. An empty result is an error
func Tokenize(cmd string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	has := false

	flush := func() {
		if has {
			tokens = append(tokens, cur.String())
			cur.Reset()
			has = false
		}
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\\' && i+1 < len(runes):
			cur.WriteRune(runes[i+1])
			has = true
			i++
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteRune(c)
			has = true
		}
	}
	flush()

	if len(tokens) == 0 {
		return nil, ErrEmptyCommand
	}
	return tokens, nil
}

// Expand is the composition of Substitute and Tokenize for one rule
// template against one event context.
func Expand(template string, ctx Context) ([]string, error) {
	return Tokenize(Substitute(template, ctx))
}

package voice

import "strings"

const (
	spokenOpen      = "[tts]"
	spokenClose     = "[/tts]"
	suppressedOpen  = "[tti]"
	suppressedClose = "[/tti]"
)

var delimiters = []string{spokenOpen, spokenClose, suppressedOpen, suppressedClose}

// TagStripper filters a token stream for speech. [tts] delimiters are removed
// and their content kept; [tti] blocks are removed entirely. Any other
// bracketed text passes through unchanged. Delimiters may be split across
// Feed calls.
type TagStripper struct {
	buf        strings.Builder
	pending    string
	suppressed bool
}

// Feed consumes one token and returns the text that is now safe to speak.
func (t *TagStripper) Feed(token string) string {
	t.pending += token
	t.buf.Reset()
	t.drain()
	return t.buf.String()
}

// Flush returns any trailing buffered text. An unterminated [tti] block is
// discarded.
func (t *TagStripper) Flush() string {
	rest := t.pending
	t.pending = ""
	if t.suppressed {
		t.suppressed = false
		return ""
	}
	return rest
}

func (t *TagStripper) drain() {
	for t.pending != "" {
		if t.suppressed {
			i := strings.Index(t.pending, suppressedClose)
			if i < 0 {
				if keep := len(suppressedClose) - 1; len(t.pending) > keep {
					t.pending = t.pending[len(t.pending)-keep:]
				}
				return
			}
			t.pending = t.pending[i+len(suppressedClose):]
			t.suppressed = false
			continue
		}

		i := strings.IndexByte(t.pending, '[')
		if i < 0 {
			t.buf.WriteString(t.pending)
			t.pending = ""
			return
		}
		t.buf.WriteString(t.pending[:i])
		t.pending = t.pending[i:]

		if d, ok := matchDelimiter(t.pending); ok {
			t.pending = t.pending[len(d):]
			if d == suppressedOpen {
				t.suppressed = true
			}
			continue
		}
		if isDelimiterPrefix(t.pending) {
			return
		}
		t.buf.WriteByte('[')
		t.pending = t.pending[1:]
	}
}

func matchDelimiter(s string) (string, bool) {
	for _, d := range delimiters {
		if strings.HasPrefix(s, d) {
			return d, true
		}
	}
	return "", false
}

func isDelimiterPrefix(s string) bool {
	for _, d := range delimiters {
		if len(s) < len(d) && strings.HasPrefix(d, s) {
			return true
		}
	}
	return false
}

// StripTags applies a TagStripper to a complete string.
func StripTags(s string) string {
	var t TagStripper
	return t.Feed(s) + t.Flush()
}

// Package keyword scans transcript text for spoken trigger words and turns them
// into actions instead of literal text.
//
// Three kinds of keyword exist:
//
//   - the end-utterance keyword truncates the utterance: the keyword and
//     everything after it are never typed;
//   - the enter keyword is replaced in place by an Enter key press;
//   - configured actions are replaced in place by arbitrary key chords.
//
// Matching is case-insensitive on whole words; punctuation glued to the end of
// a keyword ("stop." or "enter,") belongs to the match. An optional phonetic
// mode also accepts words whose Double Metaphone codes agree with a keyword and
// whose Jaro-Winkler similarity is high enough, which helps with recognisers
// that hear "enta" for "enter".
//
// The engine produces a Rendering: the text with every in-place keyword
// replaced by a private-use sentinel rune. Renderings are what the transcript
// reconciler compares between partial and final segments, so an action
// already emitted from a partial is recognised, not repeated, when the final
// confirms it.
package keyword

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Role is the kind of a keyword.
type Role int

const (
	RoleEnd Role = iota
	RoleEnter
	RoleAction
)

// String returns "end", "enter" or "action".
func (r Role) String() string {
	switch r {
	case RoleEnd:
		return "end"
	case RoleEnter:
		return "enter"
	default:
		return "action"
	}
}

// SegmentKind says whether text came from a partial or a final segment.
type SegmentKind int

const (
	Partial SegmentKind = iota
	Final
)

// String returns "partial" or "final".
func (k SegmentKind) String() string {
	if k == Final {
		return "final"
	}
	return "partial"
}

// sentinelBase is the first rune of the Unicode private use area. Keyword i is
// rendered as sentinelBase+i.
const sentinelBase = '\uE000'

const maxKeywords = 0xF8FF - sentinelBase

const defaultPhoneticThreshold = 0.88

// Action maps an extra spoken word to a key chord.
type Action struct {
	Word     string
	Keys     []string
	ForceEnd bool
}

// Config configures an Engine. Empty words disable their keyword.
type Config struct {
	EndUtterance string
	Enter        string

	// EnterForceEnd requests a forced end of utterance when the enter keyword
	// is heard in a partial. The end keyword always forces.
	EnterForceEnd bool

	Actions []Action

	// Phonetic enables Double Metaphone + Jaro-Winkler tolerant matching.
	Phonetic bool

	// PhoneticThreshold is the minimum Jaro-Winkler score for a phonetic
	// match. Defaults to 0.88.
	PhoneticThreshold float64
}

// Keyword is one configured trigger word.
type Keyword struct {
	Word     string
	Role     Role
	Keys     []string
	ForceEnd bool
}

// Match is one keyword occurrence in a text. Start and End are byte offsets;
// End includes trailing punctuation.
type Match struct {
	Keyword  string
	Index    int
	Role     Role
	Start    int
	End      int
	Phonetic bool
}

// Engine matches keywords. It is immutable after construction and safe for
// concurrent use.
type Engine struct {
	keywords  []Keyword
	patterns  []*regexp.Regexp
	codes     []map[string]struct{}
	phonetic  bool
	threshold float64
}

// Word characters are Unicode letters, digits and underscore. RE2's \w and
// \b only know ASCII, so boundaries are checked by hand.
var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+[^\p{L}\p{N}_\s]*`)

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

// findAll returns the non-overlapping matches of re in text whose first
// group starts and ends on a word boundary. A candidate inside a longer word
// is skipped and the search resumes one rune later.
func findAll(re *regexp.Regexp, text string) [][2]int {
	var out [][2]int
	for off := 0; off < len(text); {
		loc := re.FindStringSubmatchIndex(text[off:])
		if loc == nil {
			break
		}
		start, wordEnd, end := off+loc[2], off+loc[3], off+loc[1]
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[wordEnd:])
		if (start == 0 || !isWordRune(before)) && (wordEnd == len(text) || !isWordRune(after)) {
			out = append(out, [2]int{start, end})
			off = max(end, start+1)
			continue
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		off = start + size
	}
	return out
}

// New builds an Engine from cfg. Words are compared case-insensitively and
// must be unique.
func New(cfg Config) (*Engine, error) {
	e := &Engine{phonetic: cfg.Phonetic, threshold: cfg.PhoneticThreshold}
	if e.threshold <= 0 {
		e.threshold = defaultPhoneticThreshold
	}

	var errs []error
	seen := map[string]bool{}
	add := func(k Keyword) {
		k.Word = strings.ToLower(strings.Join(strings.Fields(k.Word), " "))
		if k.Word == "" {
			return
		}
		if seen[k.Word] {
			errs = append(errs, fmt.Errorf("keyword: duplicate word %q", k.Word))
			return
		}
		seen[k.Word] = true
		e.keywords = append(e.keywords, k)
	}
	add(Keyword{Word: cfg.EndUtterance, Role: RoleEnd, ForceEnd: true})
	add(Keyword{Word: cfg.Enter, Role: RoleEnter, Keys: []string{"Return"}, ForceEnd: cfg.EnterForceEnd})
	for _, a := range cfg.Actions {
		if strings.TrimSpace(a.Word) != "" && len(a.Keys) == 0 {
			errs = append(errs, fmt.Errorf("keyword: action %q has no keys", a.Word))
			continue
		}
		add(Keyword{Word: a.Word, Role: RoleAction, Keys: slices.Clone(a.Keys), ForceEnd: a.ForceEnd})
	}
	if len(e.keywords) > maxKeywords {
		errs = append(errs, fmt.Errorf("keyword: too many keywords (%d)", len(e.keywords)))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	for _, k := range e.keywords {
		words := strings.Fields(k.Word)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		e.patterns = append(e.patterns, regexp.MustCompile(`(?i)(`+strings.Join(words, `\s+`)+`)[^\p{L}\p{N}_\s]*`))
		e.codes = append(e.codes, metaphoneCodes(words))
	}
	return e, nil
}

// Keywords returns the configured keywords in priority order.
func (e *Engine) Keywords() []Keyword { return slices.Clone(e.keywords) }

// Keyword returns the keyword at index i.
func (e *Engine) Keyword(i int) Keyword { return e.keywords[i] }

// Sentinel returns the rune that stands for keyword i in a rendering.
func Sentinel(i int) rune { return sentinelBase + rune(i) }

// Lookup returns the keyword a sentinel rune stands for.
func (e *Engine) Lookup(r rune) (Keyword, bool) {
	i := int(r - sentinelBase)
	if r < sentinelBase || i >= len(e.keywords) {
		return Keyword{}, false
	}
	return e.keywords[i], true
}

// IsSentinel reports whether r is in the sentinel range.
func IsSentinel(r rune) bool { return r >= sentinelBase && r <= 0xF8FF }

// Scan returns every non-overlapping keyword occurrence in text ordered by
// position. When two keywords overlap the earlier, then longer, one wins.
func (e *Engine) Scan(text string) []Match {
	var all []Match
	for i, re := range e.patterns {
		for _, loc := range findAll(re, text) {
			all = append(all, Match{Keyword: e.keywords[i].Word, Index: i, Role: e.keywords[i].Role, Start: loc[0], End: loc[1]})
		}
	}
	if e.phonetic {
		all = append(all, e.scanPhonetic(text, all)...)
	}
	slices.SortStableFunc(all, func(a, b Match) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return (b.End - b.Start) - (a.End - a.Start)
	})
	out := all[:0]
	end := 0
	for _, m := range all {
		if m.Start < end {
			continue
		}
		out = append(out, m)
		end = m.End
	}
	return out
}

// scanPhonetic finds single words that sound like a single-word keyword and
// are not already covered by an exact match.
func (e *Engine) scanPhonetic(text string, exact []Match) []Match {
	var out []Match
	for _, loc := range wordPattern.FindAllStringIndex(text, -1) {
		if covered(exact, loc[0], loc[1]) {
			continue
		}
		word := strings.ToLower(strings.TrimRightFunc(text[loc[0]:loc[1]], isPunct))
		codes := metaphoneCodes([]string{word})
		best, bestScore := -1, 0.0
		for i, k := range e.keywords {
			if strings.Contains(k.Word, " ") || !overlap(codes, e.codes[i]) {
				continue
			}
			if s := matchr.JaroWinkler(word, k.Word, false); s >= e.threshold && s > bestScore {
				best, bestScore = i, s
			}
		}
		if best >= 0 {
			out = append(out, Match{Keyword: e.keywords[best].Word, Index: best, Role: e.keywords[best].Role, Start: loc[0], End: loc[1], Phonetic: true})
		}
	}
	return out
}

// Rendering is the canonical form of a transcript after keyword processing.
type Rendering struct {
	// Text is the literal text with every enter/action keyword replaced by
	// its sentinel rune and everything from the end keyword onward removed.
	Text string

	// Matches are the keywords that shaped Text, in order. If Truncated, the
	// last one is the end keyword.
	Matches []Match

	// Truncated is true when an end keyword cut the text.
	Truncated bool

	// head is the byte length of Text up to and including the first match's
	// replacement.
	head int
}

// Render applies keyword processing to text.
func (e *Engine) Render(text string) Rendering {
	var (
		b   strings.Builder
		r   Rendering
		pos int
	)
	for _, m := range e.Scan(text) {
		b.WriteString(text[pos:m.Start])
		r.Matches = append(r.Matches, m)
		if m.Role == RoleEnd {
			r.Truncated = true
			if len(r.Matches) == 1 {
				r.head = b.Len()
			}
			r.Text = b.String()
			return r
		}
		b.WriteRune(Sentinel(m.Index))
		if len(r.Matches) == 1 {
			r.head = b.Len()
		}
		pos = m.End
	}
	b.WriteString(text[pos:])
	r.Text = b.String()
	if len(r.Matches) == 0 {
		r.head = len(r.Text)
	}
	return r
}

// Head returns the rendering up to and including the first keyword's effect:
// the text before it plus its sentinel, or only the text before it for the
// end keyword. Without keywords Head equals Text.
func (r Rendering) Head() string { return r.Text[:r.head] }

// HasKeyword reports whether any keyword matched.
func (r Rendering) HasKeyword() bool { return len(r.Matches) > 0 }

// First returns the first match. It panics if there is none.
func (r Rendering) First() Match { return r.Matches[0] }

// Strip returns the rendering with sentinels removed; used for logging.
func Strip(s string) string {
	return strings.Map(func(r rune) rune {
		if IsSentinel(r) {
			return -1
		}
		return r
	}, s)
}

// RuneCount returns the number of runes in s.
func RuneCount(s string) int { return utf8.RuneCountInString(s) }

func metaphoneCodes(words []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

func covered(ms []Match, start, end int) bool {
	for _, m := range ms {
		if start < m.End && m.Start < end {
			return true
		}
	}
	return false
}

func isPunct(r rune) bool { return !isWordRune(r) }

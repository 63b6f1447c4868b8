package transcript

import (
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/voicetyper/internal/keyword"
)

// revise returns how many runes to delete from the end of cur and what to
// append so that it reads target. ok is false if the deletion would cross a
// key action sentinel.
func revise(cur, target string) (backspaces int, add string, ok bool) {
	n := commonPrefix(cur, target)
	gone := cur[n:]
	if strings.IndexFunc(gone, keyword.IsSentinel) >= 0 {
		return 0, "", false
	}
	return utf8.RuneCountInString(gone), target[n:], true
}

// commonPrefix returns the byte length of the longest common rune prefix.
func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) {
		ra, sa := utf8.DecodeRuneInString(a[n:])
		rb, sb := utf8.DecodeRuneInString(b[n:])
		if ra != rb || sa != sb {
			break
		}
		n += sa
	}
	return n
}

func countActions(s string) int {
	n := 0
	for _, c := range s {
		if keyword.IsSentinel(c) {
			n++
		}
	}
	return n
}

// lastActionEnd returns the byte offset just past the last sentinel in s, or
// 0 if there is none.
func lastActionEnd(s string) int {
	i := strings.LastIndexFunc(s, keyword.IsSentinel)
	if i < 0 {
		return 0
	}
	_, size := utf8.DecodeRuneInString(s[i:])
	return i + size
}

// nthActionEnd returns the byte offset just past the n-th sentinel in s, 0 for
// n == 0, or -1 if s has fewer than n sentinels.
func nthActionEnd(s string, n int) int {
	if n == 0 {
		return 0
	}
	seen := 0
	for i, c := range s {
		if keyword.IsSentinel(c) {
			seen++
			if seen == n {
				return i + utf8.RuneLen(c)
			}
		}
	}
	return -1
}

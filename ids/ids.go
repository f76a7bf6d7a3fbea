// This package defines the participant identifier used throughout palaver. A member id
// is an opaque transport-assigned address; the only structure assumed is a total order.
package ids

import "strings"

type Member string

func Compare(a, b Member) int {
	return strings.Compare(string(a), string(b))
}

type ByLexicographical []Member

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return s[i] < s[j] }

package docscan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrFolderNotFound is returned when no child directory matches a keyword.
var ErrFolderNotFound = errors.New("no folder matches keyword")

// AmbiguousFolderError is returned when two or more child directories match
// a keyword. The resolver never guesses between them: ambiguity is always an
// error, so a document can never be dispatched to the wrong recipient.
type AmbiguousFolderError struct {
	Keyword    string
	Candidates []string
}

func (e *AmbiguousFolderError) Error() string {
	return fmt.Sprintf("keyword %q matches %d folders: %s",
		e.Keyword, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

var foldTransformer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldName normalizes a name for fuzzy comparison: accents are stripped
// (NFKD decomposition with combining marks removed), the result is
// lower-cased, and runs of whitespace collapse to single spaces.
func foldName(s string) string {
	stripped, _, err := transform.String(foldTransformer, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(strings.ToLower(stripped)), " ")
}

// ResolveFolder maps a keyword to exactly one immediate child directory of
// root. A directory matches when its folded name contains the folded
// keyword as a substring (see foldName). Zero matches yield
// ErrFolderNotFound; two or more yield an AmbiguousFolderError listing the
// candidates in sorted order.
func ResolveFolder(root, keyword string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("reading root %s: %w", root, err)
	}

	needle := foldName(keyword)
	var matches []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if strings.Contains(foldName(entry.Name()), needle) {
			matches = append(matches, entry.Name())
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("keyword %q under %s: %w", keyword, root, ErrFolderNotFound)
	case 1:
		return filepath.Join(root, matches[0]), nil
	default:
		sort.Strings(matches)
		return "", &AmbiguousFolderError{Keyword: keyword, Candidates: matches}
	}
}

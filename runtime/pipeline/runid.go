package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	runIDLayout      = "20060102-150405"
	keywordMaxLength = 20
	fallbackKeyword  = "agent"
	runIDMaxLength   = 128
)

// ErrInvalidRunID is returned for run ids that cannot key records,
// artifacts and routes.
var ErrInvalidRunID = errors.New("pipeline: invalid run id")

var (
	wordPattern  = regexp.MustCompile(`[a-z]+`)
	runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

	stopWords = map[string]struct{}{
		"i": {}, "want": {}, "need": {}, "would": {}, "like": {}, "create": {},
		"build": {}, "make": {}, "generate": {}, "develop": {}, "design": {},
		"implement": {}, "a": {}, "an": {}, "the": {}, "to": {}, "for": {},
		"with": {}, "that": {}, "can": {}, "could": {}, "should": {}, "will": {},
		"agent": {}, "system": {}, "application": {}, "app": {}, "service": {},
		"tool": {},
	}
)

// NewRunID returns "run-<keyword>-<YYYYMMDD-HHMMSS>" where the keyword is
// the first meaningful word of request and the timestamp is now in UTC.
func NewRunID(request string, now time.Time) string {
	return "run-" + Keyword(request) + "-" + now.UTC().Format(runIDLayout)
}

// Keyword extracts the run keyword from request: the first lowercase word of
// at least three letters that is not a stop word, else the first word, else
// "agent". Keywords are at most twenty characters long.
func Keyword(request string) string {
	words := wordPattern.FindAllString(strings.ToLower(request), -1)
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		return truncate(w)
	}
	if len(words) > 0 {
		return truncate(words[0])
	}
	return fallbackKeyword
}

func truncate(w string) string {
	if len(w) > keywordMaxLength {
		return w[:keywordMaxLength]
	}
	return w
}

// ValidateRunID checks that id starts with a letter or digit, holds only
// letters, digits, '.', '_' and '-', and is at most 128 bytes long. Generated
// ids always pass.
func ValidateRunID(id string) error {
	if len(id) > runIDMaxLength || !runIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	return nil
}

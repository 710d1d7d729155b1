package filerepo

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	// tempFilePrefix marks partially placed files inside the repository directory
	tempFilePrefix string = ".resource-cache-"
)

var (
	disambiguationSuffixRegexp = regexp.MustCompile(`^(.*) \(([1-9][0-9]*)\)$`)
)

// FileNameMapper maps a key to the base name of its file in the repository directory
type FileNameMapper[K comparable] func(key K) string

// FileKeyParser maps a file name found in the repository directory back to its key.
// Returns false for names that do not belong to the repository.
type FileKeyParser[K comparable] func(name string) (K, bool)

// StringNameMapper uses string keys as file names
func StringNameMapper(key string) string {
	return key
}

// StringKeyParser accepts any valid, non-hidden file name as a key.
// Names ending with a disambiguation suffix, e.g., "a (1).txt", are reserved for copies.
func StringKeyParser(name string) (string, bool) {
	if !IsValidFileName(name) || strings.HasPrefix(name, ".") {
		return "", false
	}

	if _, hasSuffix := StripDisambiguationSuffix(name); hasSuffix {
		return "", false
	}
	return name, true
}

// IntNameMapper uses decimal representation of int keys as file names
func IntNameMapper(key int) string {
	return strconv.Itoa(key)
}

// IntKeyParser accepts canonical decimal names only
func IntKeyParser(name string) (int, bool) {
	value, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}

	if strconv.Itoa(value) != name {
		return 0, false
	}
	return value, true
}

// IsValidFileName returns true if name can be placed directly in a directory
func IsValidFileName(name string) bool {
	if len(name) == 0 || name == "." || name == ".." {
		return false
	}

	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	return filepath.Base(name) == name
}

// MakeDisambiguatedName returns name with " (n)" inserted before its extension, e.g., "a (1).txt"
func MakeDisambiguatedName(name string, n int) string {
	if n <= 0 {
		return name
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if len(base) == 0 {
		// hidden file without extension, e.g., ".profile"
		return fmt.Sprintf("%s (%d)", name, n)
	}
	return fmt.Sprintf("%s (%d)%s", base, n, ext)
}

// StripDisambiguationSuffix reverses MakeDisambiguatedName.
// Returns the original name and true if name carries a suffix.
func StripDisambiguationSuffix(name string) (string, bool) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	matches := disambiguationSuffixRegexp.FindStringSubmatch(base)
	if matches == nil {
		// hidden file without extension
		matches = disambiguationSuffixRegexp.FindStringSubmatch(name)
		if matches == nil {
			return name, false
		}
		return matches[1], true
	}

	if len(matches[1]) == 0 {
		return name, false
	}
	return matches[1] + ext, true
}

func isTempFileName(name string) bool {
	return strings.HasPrefix(name, tempFilePrefix)
}

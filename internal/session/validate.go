package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

const namePattern = `^[a-z0-9_-]{1,64}$`

var nameRegexp = regexp.MustCompile(namePattern)

// ValidateName checks that name is usable as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, namePattern)
	}
	return nil
}

// List returns the names of the session directories under BaseDir, sorted.
// Entries that are not valid session names are skipped.
func List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "sessions"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Package initrd patches vendor installer ramdisks with overlay archives
// shipped in dom0, keyed by the checksum of the vendor image.
package initrd

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Kind is the container format of a vendor ramdisk.
type Kind string

const (
	KindCPIO Kind = "cpio"
	KindExt2 Kind = "ext2"
)

// Rule says how to patch the ramdisk with the given checksum.
type Rule struct {
	Checksum string
	Kind     Kind
	// Overlay is the archive name relative to the fixup directory.
	Overlay string
	// Distro is informational only.
	Distro string
	// Source and Line locate the rule in its map file.
	Source string
	Line   int
}

// Table is the set of fixup rules keyed by lowercase hex md5.
type Table struct {
	rules map[string]Rule
}

// NewTable builds a table from rules. Later rules override earlier ones
// with the same checksum.
func NewTable(rules ...Rule) *Table {
	t := &Table{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		t.rules[strings.ToLower(r.Checksum)] = r
	}
	return t
}

// Lookup returns the rule for checksum.
func (t *Table) Lookup(checksum string) (Rule, bool) {
	if t == nil {
		return Rule{}, false
	}
	r, ok := t.rules[strings.ToLower(checksum)]
	return r, ok
}

// Len returns the number of distinct checksums in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// LoadTable reads every *.map file in dir in name order. A missing
// directory yields an empty table.
func LoadTable(dir string) (*Table, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		logrus.Debugf("fixup directory %s not present", dir)
		return NewTable(), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read fixup directory %s", dir)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".map") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var rules []Rule
	for _, name := range names {
		rs, err := parseMapFile(dir, name)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rs...)
	}

	t := NewTable(rules...)
	logrus.Debugf("loaded %d initrd fixups from %d map files", t.Len(), len(names))
	return t, nil
}

func parseMapFile(dir, name string) ([]Rule, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "open map file %s", name)
	}
	defer f.Close()

	var rules []Rule
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rule, err := parseRule(line)
		switch {
		case errors.Is(err, errBadKind):
			return nil, errors.Newf("incorrect initrd type in file %s/%s line %d: must be cpio or ext2", dir, name, lineno)
		case err != nil:
			return nil, errors.Newf("missing field in file %s/%s line %d", dir, name, lineno)
		}
		rule.Source = name
		rule.Line = lineno
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read map file %s", name)
	}
	return rules, nil
}

var (
	errMissingField = errors.New("missing field")
	errBadKind      = errors.New("incorrect initrd type")
)

// parseRule splits "md5 kind overlay distro..." where the last field keeps
// the rest of the line.
func parseRule(line string) (Rule, error) {
	fields := make([]string, 0, 4)
	rest := line
	for len(fields) < 3 {
		rest = strings.TrimLeft(rest, " \t")
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			return Rule{}, errMissingField
		}
		fields = append(fields, rest[:i])
		rest = rest[i:]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return Rule{}, errMissingField
	}

	kind := Kind(fields[1])
	if kind != KindCPIO && kind != KindExt2 {
		return Rule{}, errBadKind
	}

	return Rule{
		Checksum: strings.ToLower(fields[0]),
		Kind:     kind,
		Overlay:  fields[2],
		Distro:   rest,
	}, nil
}

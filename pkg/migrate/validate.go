package migrate

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"go.uber.org/multierr"
)

var migrationNameRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

const (
	markerUp        = "-- +goose Up"
	markerDown      = "-- +goose Down"
	markerStmtBegin = "-- +goose StatementBegin"
	markerStmtEnd   = "-- +goose StatementEnd"
)

// ValidateDir checks the migrations under dir. See ValidateFS.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	return ValidateFS(os.DirFS(dir))
}

// ValidateFS checks every .sql file at the root of fsys: goose filename
// with a unique 14-digit version, an Up section followed by a non-empty
// Down section, and balanced StatementBegin/StatementEnd blocks. All
// problems are reported together.
func ValidateFS(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	var errs error
	versions := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		m := migrationNameRe.FindStringSubmatch(name)
		if m == nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: expected YYYYMMDDHHMMSS_name.sql", name))
			continue
		}
		if prev, dup := versions[m[1]]; dup {
			errs = multierr.Append(errs, fmt.Errorf("%s: version %s already used by %s", name, m[1], prev))
		}
		versions[m[1]] = name

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		errs = multierr.Append(errs, checkSections(name, string(body)))
	}
	return errs
}

func checkSections(name, body string) error {
	var (
		errs      error
		section   string
		inBlock   bool
		downLines int
	)
	scanner := bufio.NewScanner(strings.NewReader(body))
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case markerUp:
			if section != "" {
				errs = multierr.Append(errs, fmt.Errorf("%s:%d: Up must be the first section", name, line))
			}
			section = "up"
		case markerDown:
			if section != "up" {
				errs = multierr.Append(errs, fmt.Errorf("%s:%d: Down without a preceding Up", name, line))
			}
			if inBlock {
				errs = multierr.Append(errs, fmt.Errorf("%s:%d: Down inside an open statement block", name, line))
			}
			section = "down"
		case markerStmtBegin:
			if inBlock {
				errs = multierr.Append(errs, fmt.Errorf("%s:%d: nested StatementBegin", name, line))
			}
			inBlock = true
		case markerStmtEnd:
			if !inBlock {
				errs = multierr.Append(errs, fmt.Errorf("%s:%d: StatementEnd without StatementBegin", name, line))
			}
			inBlock = false
		default:
			if section == "down" && text != "" && !strings.HasPrefix(text, "--") {
				downLines++
			}
		}
	}
	switch {
	case section == "":
		errs = multierr.Append(errs, fmt.Errorf("%s: missing %q", name, markerUp))
	case section == "up":
		errs = multierr.Append(errs, fmt.Errorf("%s: missing %q", name, markerDown))
	case downLines == 0:
		errs = multierr.Append(errs, fmt.Errorf("%s: Down section has no statements", name))
	}
	if inBlock {
		errs = multierr.Append(errs, fmt.Errorf("%s: unterminated StatementBegin", name))
	}
	return errs
}

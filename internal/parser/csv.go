// Package parser provides CSV parsing for annotation task files.
package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Skip reasons assigned by the parser. The ingestion service layers its own
// reasons (duplicates, keyword mismatches) on top of these.
const (
	ReasonMissingField = "missing_field"
	ReasonParseError   = "parse_error"
)

var requiredColumns = []string{"external_id", "task", "response"}

// ErrMissingColumns means the header lacks one of the required columns; the
// whole file is unusable, not just individual rows.
var ErrMissingColumns = errors.New("parser: header is missing required columns")

// TaskRow is one parsed annotation task.
type TaskRow struct {
	Line        int
	ExternalID  string
	Task        string
	Response    string
	Environment string
}

// RowError records a single skipped row and why.
type RowError struct {
	Line   int
	Reason string
	Detail string
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s (%s)", e.Line, e.Reason, e.Detail)
}

// TaskFile is the result of parsing: usable rows plus per-row skip records.
type TaskFile struct {
	Rows    []TaskRow
	Skipped []RowError
}

// ParseTasks reads a CSV task file. The header must contain external_id,
// task and response (environment is optional). A bad header fails the whole
// parse; bad individual rows are recorded in Skipped and parsing continues.
func ParseTasks(r io.Reader) (*TaskFile, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // ragged rows are a per-row error, not fatal
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	envIdx, hasEnv := cols["environment"]

	file := &TaskFile{}
	line := 1 // header was line 1
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				file.Skipped = append(file.Skipped, RowError{
					Line:   line,
					Reason: ReasonParseError,
					Detail: parseErr.Err.Error(),
				})
				continue
			}
			return nil, fmt.Errorf("read csv row: %w", err)
		}

		row := TaskRow{Line: line}
		if bad := extractFields(record, cols, &row); bad != "" {
			file.Skipped = append(file.Skipped, RowError{
				Line:   line,
				Reason: ReasonMissingField,
				Detail: bad,
			})
			continue
		}
		if hasEnv && envIdx < len(record) {
			row.Environment = strings.TrimSpace(record[envIdx])
		}

		file.Rows = append(file.Rows, row)
	}

	return file, nil
}

// extractFields fills the required fields, returning the name of the first
// missing or empty one.
func extractFields(record []string, cols map[string]int, row *TaskRow) string {
	for _, name := range requiredColumns {
		idx := cols[name]
		if idx >= len(record) || strings.TrimSpace(record[idx]) == "" {
			return name
		}
		value := strings.TrimSpace(record[idx])
		switch name {
		case "external_id":
			row.ExternalID = value
		case "task":
			row.Task = value
		case "response":
			row.Response = value
		}
	}
	return ""
}

// MatchesKeywords reports whether the task or response contains at least one
// of the given keywords, case-insensitively. An empty keyword list matches
// everything.
func MatchesKeywords(row TaskRow, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(row.Task + " " + row.Response)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Package recipients reads campaign target rows from CSV exports.
package recipients

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kursadbilgin/campaign-mailer/internal/domain"
)

const defaultMaxRows = 10000

// Row is a single recipient with its substitution variables.
type Row struct {
	Email  string            `json:"email"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Vars returns the substitution variables of the row. The recipient address
// is always available as "email".
func (r Row) Vars() map[string]string {
	vars := make(map[string]string, len(r.Fields)+1)
	for k, v := range r.Fields {
		vars[k] = v
	}
	if _, ok := vars["email"]; !ok {
		vars["email"] = r.Email
	}
	return vars
}

// ParseCSV parses a CSV with a header row containing an "email" column
// (case-insensitive). Every other column becomes a field. Rows with an empty
// email or a wrong column count are skipped.
func ParseCSV(r io.Reader, maxRows int) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: csv is empty", domain.ErrValidation)
		}
		return nil, fmt.Errorf("%w: failed to read csv header: %v", domain.ErrValidation, err)
	}

	emailIdx := -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		if emailIdx == -1 && strings.EqualFold(h, "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, fmt.Errorf("%w: csv must contain an email column", domain.ErrValidation)
	}

	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}

	rows := make([]Row, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read csv row: %v", domain.ErrValidation, err)
		}
		if len(record) != len(headers) {
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		fields := make(map[string]string, len(headers)-1)
		for i := range record {
			if i == emailIdx || normalized[i] == "" {
				continue
			}
			fields[normalized[i]] = strings.TrimSpace(record[i])
		}

		rows = append(rows, Row{Email: email, Fields: fields})
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: csv must contain at least one recipient row", domain.ErrValidation)
	}

	return rows, nil
}

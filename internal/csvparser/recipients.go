package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"MailDispatch/internal/models"
)

var (
	ErrNoEmailColumn = errors.New("csv must contain an Email column")
	ErrEmptyHeader   = errors.New("csv header row is empty")
	ErrNoRows        = errors.New("csv must contain at least one data row")
)

const defaultMaxRows = 1000

// ParseRecipients reads recipients from a CSV with a header row. The "Email"
// column is required; optional "ID" and "Name" columns fill those fields
// (all case-insensitive). Every other column becomes personalization data
// keyed by its header.
//
// maxRows limits how many data rows are parsed (excluding header). Rows with
// the wrong number of columns or a blank email are skipped.
func ParseRecipients(r io.Reader, maxRows int) ([]models.Recipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	emailIdx, idIdx, nameIdx := -1, -1, -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		switch {
		case strings.EqualFold(h, "email"):
			emailIdx = i
		case strings.EqualFold(h, "id"):
			idIdx = i
		case strings.EqualFold(h, "name"):
			nameIdx = i
		}
	}
	if len(headers) == 1 && normalized[0] == "" {
		return nil, ErrEmptyHeader
	}
	if emailIdx == -1 {
		return nil, ErrNoEmailColumn
	}

	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}

	rows := make([]models.Recipient, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		rcpt := models.Recipient{Email: email}
		if idIdx >= 0 {
			rcpt.ID = strings.TrimSpace(record[idIdx])
		}
		if nameIdx >= 0 {
			rcpt.Name = strings.TrimSpace(record[nameIdx])
		}

		for i := range record {
			if i == emailIdx || i == idIdx || i == nameIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			if rcpt.Data == nil {
				rcpt.Data = make(map[string]string, len(headers))
			}
			rcpt.Data[key] = strings.TrimSpace(record[i])
		}

		rows = append(rows, rcpt)
	}

	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	return rows, nil
}

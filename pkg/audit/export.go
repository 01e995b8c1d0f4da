package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
)

// exportJSON exports audit entries as a JSON array
func exportJSON(entries []*Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

// exportNDJSON exports audit entries as newline-delimited JSON
func exportNDJSON(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports audit entries as CSV
func exportCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"Timestamp",
		"OrganizationID",
		"ActorID",
		"Action",
		"ResourceType",
		"ResourceID",
		"OldValue",
		"NewValue",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		orgID := ""
		if entry.OrganizationID != nil {
			orgID = strconv.FormatInt(*entry.OrganizationID, 10)
		}

		record := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			orgID,
			entry.ActorID,
			string(entry.Action),
			entry.ResourceType,
			entry.ResourceID,
			string(entry.OldValue),
			string(entry.NewValue),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return buf.Bytes(), nil
}

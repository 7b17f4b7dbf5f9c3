package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"cok/internal/cidr"
)

// ParseSourceCSV reads valid knock sources from the "Network Segment"
// column of a CSV file. Single addresses become /32 blocks. Rows that are
// not IPv4 blocks are skipped.
func ParseSourceCSV(r io.Reader) (cidr.Set, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	netSegCol := -1
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), "Network Segment") {
			netSegCol = i
			break
		}
	}
	if netSegCol == -1 {
		return nil, fmt.Errorf("could not find 'Network Segment' column in source file")
	}

	var set cidr.Set
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if netSegCol >= len(record) {
			continue
		}
		b, err := cidr.Parse(strings.TrimSpace(record[netSegCol]))
		if err != nil {
			continue // Skip invalid entries
		}
		set = append(set, b)
	}
	return set, nil
}

// Package samplesheet parses Illumina v2 sample sheets into a structured
// document and computes the canonical content checksum used by external
// consumers to verify integrity without re-fetching.
package samplesheet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ChecksumAlgorithm tags the digest emitted alongside sample sheet events.
const ChecksumAlgorithm = "sha256"

// Row is one record of a tabular data section, keyed by snake-cased column name.
type Row map[string]string

// Section holds the contents of a sheet section that is neither the
// well-known header/reads/BCLConvert sections. Settings-style sections fill
// Settings; tabular sections fill Rows.
type Section struct {
	Settings map[string]string `json:"settings,omitempty"`
	Rows     []Row             `json:"rows,omitempty"`
}

// Document is the structured representation of a v2 sample sheet.
type Document struct {
	Header             map[string]string  `json:"header,omitempty"`
	Reads              map[string]string  `json:"reads,omitempty"`
	BCLConvertSettings map[string]string  `json:"bclconvert_settings,omitempty"`
	BCLConvertData     []Row              `json:"bclconvert_data,omitempty"`
	Extra              map[string]Section `json:"extra,omitempty"`
}

// IsZero reports whether the document carries no parsed content.
func (d Document) IsZero() bool {
	return len(d.Header) == 0 && len(d.Reads) == 0 &&
		len(d.BCLConvertSettings) == 0 && len(d.BCLConvertData) == 0 && len(d.Extra) == 0
}

// SampleIDs returns the de-duplicated sample identifiers from the BCLConvert
// data section in order of first occurrence. Empty when the section is absent.
func (d Document) SampleIDs() []string {
	if len(d.BCLConvertData) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(d.BCLConvertData))
	var ids []string
	for _, row := range d.BCLConvertData {
		id := row["sample_id"]
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Equal reports whether two documents carry identical structured content.
// Comparison runs over the canonical encoding, so incidental ordering of the
// raw source does not matter.
func (d Document) Equal(other Document) bool {
	return string(d.canonical()) == string(other.canonical())
}

// Checksum returns the hex SHA-256 digest of the canonicalized content:
// stable key ordering, no incidental whitespace.
func (d Document) Checksum() string {
	sum := sha256.Sum256(d.canonical())
	return hex.EncodeToString(sum[:])
}

// canonical renders the document as deterministic JSON. Map keys are emitted
// sorted by encoding/json; struct fields keep declaration order.
func (d Document) canonical() []byte {
	raw, err := json.Marshal(d)
	if err != nil {
		// Document contains only strings and maps of strings.
		panic(err)
	}
	return raw
}

// ChecksumRaw digests raw sample sheet text after parsing and
// canonicalization, so the result matches Document.Checksum for the same
// content regardless of source formatting.
func ChecksumRaw(raw string) (string, error) {
	doc, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return doc.Checksum(), nil
}

// ParseError reports malformed sample sheet input. It never escapes the
// ingestion boundary: one bad sheet must not abort batch processing.
type ParseError struct {
	Line   int
	Reason string
}

func (e ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("samplesheet: line %d: %s", e.Line, e.Reason)
	}
	return "samplesheet: " + e.Reason
}

// Parse converts raw v2 sample sheet text into a Document. Sections open
// with a [Name] line; Header/Reads and *_Settings sections hold key,value
// pairs, *_Data sections hold a column header row followed by data rows.
func Parse(raw string) (Document, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Document{}, ParseError{Reason: "empty content"}
	}

	doc := Document{}
	var (
		section string
		columns []string
		rows    []Row
		kv      map[string]string
	)

	flush := func() {
		if section == "" {
			return
		}
		switch canonicalSection(section) {
		case "header":
			doc.Header = kv
		case "reads":
			doc.Reads = kv
		case "bclconvert_settings":
			doc.BCLConvertSettings = kv
		case "bclconvert_data":
			doc.BCLConvertData = rows
		default:
			if doc.Extra == nil {
				doc.Extra = make(map[string]Section)
			}
			doc.Extra[canonicalSection(section)] = Section{Settings: kv, Rows: rows}
		}
		section, columns, rows, kv = "", nil, nil, nil
	}

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(strings.Trim(strings.TrimSpace(line), ","))
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "[") {
			if !strings.HasSuffix(trimmed, "]") {
				return Document{}, ParseError{Line: i + 1, Reason: "unterminated section marker"}
			}
			flush()
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			if section == "" {
				return Document{}, ParseError{Line: i + 1, Reason: "empty section name"}
			}
			continue
		}
		if section == "" {
			return Document{}, ParseError{Line: i + 1, Reason: "content before first section"}
		}

		fields := splitCSV(line)
		if isDataSection(section) {
			if columns == nil {
				columns = make([]string, len(fields))
				for j, name := range fields {
					columns[j] = snakeCase(name)
				}
				continue
			}
			row := make(Row, len(columns))
			for j, col := range columns {
				if j < len(fields) {
					row[col] = strings.TrimSpace(fields[j])
				}
			}
			rows = append(rows, row)
			continue
		}

		if kv == nil {
			kv = make(map[string]string)
		}
		key := snakeCase(fields[0])
		if key == "" {
			return Document{}, ParseError{Line: i + 1, Reason: "empty key"}
		}
		value := ""
		if len(fields) > 1 {
			value = strings.TrimSpace(fields[1])
		}
		kv[key] = value
	}
	flush()

	if doc.IsZero() {
		return Document{}, ParseError{Reason: "no sections found"}
	}
	return doc, nil
}

func splitCSV(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	// Drop trailing empty cells left by padded v2 sheets.
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func isDataSection(section string) bool {
	return strings.HasSuffix(strings.ToLower(section), "_data")
}

func canonicalSection(section string) string {
	return strings.ToLower(strings.TrimSpace(section))
}

// snakeCase normalizes column and key names: "Sample_ID" and "SampleID" both
// become "sample_id".
func snakeCase(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	var prevLower bool
	for _, r := range name {
		switch {
		case r == ' ' || r == '-' || r == '_':
			if b.Len() > 0 {
				b.WriteByte('_')
			}
			prevLower = false
		case r >= 'A' && r <= 'Z':
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
		}
	}
	return strings.Trim(b.String(), "_")
}

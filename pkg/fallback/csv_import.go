package fallback

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/edudirectory/edusync/pkg/records"
)

// Column names of the universities export.
const (
	columnName    = "university_name"
	columnLogoURL = "logo_url"
)

// Markers of logo URLs scraped from wiki media pages, inline data, or
// placeholder text; none of them render as an image.
var invalidLogoMarkers = []string{"#/media", "data:image", "Not have", "Dangerous"}

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// UniversityID derives the stable record id for a university name.
func UniversityID(name string) string {
	return "uni-" + strings.ToLower(nonAlphanumeric.ReplaceAllString(name, ""))
}

// ValidLogoURL reports whether a scraped logo URL is usable.
func ValidLogoURL(u string) bool {
	if u == "" {
		return false
	}
	for _, m := range invalidLogoMarkers {
		if strings.Contains(u, m) {
			return false
		}
	}
	return true
}

// ImportUniversitiesCSV converts the universities export into university
// records. Rows without a name are skipped; an invalid logo URL drops the
// logo but keeps the university. Extra columns are carried as fields.
func ImportUniversitiesCSV(r io.Reader) ([]records.StaticRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	nameCol, ok := index[columnName]
	if !ok {
		return nil, fmt.Errorf("csv is missing the %q column", columnName)
	}

	byID := map[string]records.StaticRecord{}
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if nameCol >= len(row) {
			continue
		}
		name := strings.TrimSpace(row[nameCol])
		if name == "" {
			continue
		}

		fields := records.JSONAny{"name": name}
		for col, i := range index {
			if i == nameCol || i >= len(row) {
				continue
			}
			v := strings.TrimSpace(row[i])
			if col == columnLogoURL {
				if ValidLogoURL(v) {
					fields["logoUrl"] = v
				}
				continue
			}
			if v != "" {
				fields[col] = v
			}
		}

		id := UniversityID(name)
		byID[id] = records.StaticRecord{
			ID:         id,
			EntityType: records.EntityUniversity,
			Fields:     fields,
			Version:    1,
		}
	}

	out := make([]records.StaticRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

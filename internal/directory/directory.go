// Package directory loads the roster of schools to scan from a CSV export.
package directory

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// School is one roster row: a school, its website, and its district's
// website when known. Name and State together identify a school across
// runs.
type School struct {
	Name         string
	State        string
	City         string
	URL          string
	DistrictName string
	DistrictURL  string
}

// Identity returns the stable "name|state" key used for checkpoint and
// resume bookkeeping.
func (s School) Identity() string {
	return strings.ToLower(strings.TrimSpace(s.Name)) + "|" + strings.ToUpper(strings.TrimSpace(s.State))
}

// HasURL reports whether the school has any site to crawl.
func (s School) HasURL() bool {
	return s.URL != "" || s.DistrictURL != ""
}

// Load reads the roster CSV at path. The file must carry a header row;
// column order is free. Recognized headers: school_name, state, city,
// website, district_name, district_website.
func Load(path string) ([]School, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads roster rows from r.
func Parse(r io.Reader) ([]School, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read roster header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"school_name", "state"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("roster is missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var schools []School
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read roster line %d: %w", line, err)
		}
		s := School{
			Name:         field(row, "school_name"),
			State:        strings.ToUpper(field(row, "state")),
			City:         field(row, "city"),
			URL:          field(row, "website"),
			DistrictName: field(row, "district_name"),
			DistrictURL:  field(row, "district_website"),
		}
		if s.Name == "" {
			continue
		}
		schools = append(schools, s)
	}
	return schools, nil
}

// Filter narrows the roster to one state and an optional site cap. A cap of
// zero means no limit.
func Filter(schools []School, state string, maxSites int) []School {
	state = strings.ToUpper(strings.TrimSpace(state))
	var out []School
	for _, s := range schools {
		if state != "" && s.State != state {
			continue
		}
		out = append(out, s)
		if maxSites > 0 && len(out) >= maxSites {
			break
		}
	}
	return out
}

package registry

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode"

	log "github.com/sirupsen/logrus"
)

// Columns is the column list requested from snapper, in positional order.
var Columns = []string{"number", "pre-number", "active", "default", "date", "description", "userdata"}

const (
	colNumber = iota
	colParent
	colActive
	colDefault
	colDate
	colDescription
	colUserdata
)

// headerNames maps header spellings to column slots.
var headerNames = map[string]int{
	"#":           colNumber,
	"number":      colNumber,
	"pre #":       colParent,
	"pre-number":  colParent,
	"pre":         colParent,
	"active":      colActive,
	"default":     colDefault,
	"date":        colDate,
	"description": colDescription,
	"userdata":    colUserdata,
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"Mon 02 Jan 2006 03:04:05 PM MST",
	"Mon 02 Jan 2006 15:04:05 MST",
	"Mon Jan _2 15:04:05 2006",
}

// ParseListing parses a registry listing. Each line is split on ';' when it
// contains one, otherwise on ','. A header row, if present, decides column
// positions; otherwise Columns order is assumed. Rows without a parseable
// number are skipped.
func ParseListing(text string) ([]Record, error) {
	slots := positional()
	seen := make(map[int]bool)
	var records []Record

	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || isRule(line) {
			continue
		}
		fields, err := splitLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		if m, ok := header(fields); ok {
			slots = m
			continue
		}

		rec, ok := parseRow(fields, slots)
		if !ok {
			log.Debugf("[Registry] skipping line %d: %q", n+1, line)
			continue
		}
		if seen[rec.ID] {
			log.Warnf("[Registry] duplicate snapshot id %d, keeping the first", rec.ID)
			continue
		}
		seen[rec.ID] = true
		records = append(records, rec)
	}
	return records, nil
}

func positional() map[int]int {
	m := make(map[int]int, len(Columns))
	for i := range Columns {
		m[i] = i
	}
	return m
}

// isRule matches the separator line of snapper's table output.
func isRule(line string) bool {
	return strings.Trim(line, "-+=| ") == ""
}

func splitLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.Comma = ','
	if strings.Contains(line, ";") {
		r.Comma = ';'
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	fields, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	return fields, err
}

// header returns the slot to field-index mapping if fields is a header row.
func header(fields []string) (map[int]int, bool) {
	if len(fields) == 0 {
		return nil, false
	}
	if slot, ok := headerNames[strings.ToLower(strings.TrimSpace(fields[0]))]; !ok || slot != colNumber {
		return nil, false
	}
	m := make(map[int]int)
	for i, f := range fields {
		if slot, ok := headerNames[strings.ToLower(strings.TrimSpace(f))]; ok {
			m[slot] = i
		}
	}
	return m, true
}

func parseRow(fields []string, slots map[int]int) (Record, bool) {
	get := func(slot int) string {
		i, ok := slots[slot]
		if !ok || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}

	num := stripSpace(get(colNumber))
	var rec Record
	// text-mode markers on the number column
	switch {
	case strings.HasSuffix(num, "*"):
		rec.Active, rec.Default = true, true
	case strings.HasSuffix(num, "-"):
		rec.Active = true
	case strings.HasSuffix(num, "+"):
		rec.Default = true
	}
	num = strings.TrimRight(num, "*-+")
	id, err := strconv.Atoi(num)
	if err != nil || id < 0 {
		return Record{}, false
	}
	rec.ID = id

	if p := stripSpace(get(colParent)); p != "" && p != "-" {
		if pid, err := strconv.Atoi(p); err == nil {
			rec.ParentID, rec.HasParent = pid, true
		}
	}
	if v, ok := slots[colActive]; ok && v < len(fields) {
		rec.Active = rec.Active || parseFlag(fields[v])
	}
	if v, ok := slots[colDefault]; ok && v < len(fields) {
		rec.Default = rec.Default || parseFlag(fields[v])
	}
	rec.Date = get(colDate)
	rec.Created = parseDate(rec.Date)
	rec.Description = get(colDescription)
	rec.Userdata = ParseUserdata(get(colUserdata))
	return rec, true
}

// stripSpace removes every whitespace rune, including embedded ones.
func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func parseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "1", "*":
		return true
	}
	return false
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ParseUserdata parses "k=v, k2=v2". Pairs without '=' are dropped.
func ParseUserdata(s string) map[string]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

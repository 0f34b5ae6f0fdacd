// Package lineprotocol implements the subset of the InfluxDB line protocol
// used on the ingestion path: one measurement name with a tag set, a field
// set and a nanosecond timestamp per line.
package lineprotocol

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedRecord is returned when a line cannot be parsed into a Point.
// It signals a drop-and-log condition, not a processing failure.
var ErrMalformedRecord = errors.New("malformed line protocol record")

// Point is one decoded line: measurement name, indexed tags, fields and the
// timestamp in nanoseconds since epoch.
type Point struct {
	Name      string
	Tags      map[string]string
	Fields    map[string]string
	Timestamp time.Time
}

// MeasurementName extracts only the measurement name of a line without
// decoding the rest. Used to decide whether a line is billable before
// spending a full parse on it.
func MeasurementName(line string) string {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case ',', ' ':
			return line[:i]
		}
	}
	return line
}

// Decode parses a single line into a Point. Quoted field values are
// unquoted. A line missing one of the three segments, or containing a pair
// without '=', yields ErrMalformedRecord.
func Decode(line string) (Point, error) {
	segments := splitUnescaped(strings.TrimSpace(line), ' ')
	if len(segments) != 3 {
		return Point{}, fmt.Errorf("%w: expected 3 space-separated segments, got %d", ErrMalformedRecord, len(segments))
	}

	nameAndTags := splitUnescaped(segments[0], ',')
	name := unescape(nameAndTags[0])
	if name == "" {
		return Point{}, fmt.Errorf("%w: empty measurement name", ErrMalformedRecord)
	}

	tags := make(map[string]string, len(nameAndTags)-1)
	for _, pair := range nameAndTags[1:] {
		k, v, err := splitPair(pair)
		if err != nil {
			return Point{}, err
		}
		tags[k] = v
	}

	fields := make(map[string]string)
	for _, pair := range splitUnescaped(segments[1], ',') {
		k, v, err := splitPair(pair)
		if err != nil {
			return Point{}, err
		}
		// string field values are transmitted quoted
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			v = v[1 : len(v)-1]
		}
		fields[k] = v
	}
	if len(fields) == 0 {
		return Point{}, fmt.Errorf("%w: no fields", ErrMalformedRecord)
	}

	ns, err := strconv.ParseInt(segments[2], 10, 64)
	if err != nil {
		return Point{}, fmt.Errorf("%w: invalid timestamp %q", ErrMalformedRecord, segments[2])
	}

	return Point{
		Name:      name,
		Tags:      tags,
		Fields:    fields,
		Timestamp: time.Unix(0, ns).UTC(),
	}, nil
}

// Encode serializes a Point back into line protocol. Tags and fields are
// written in lexical key order so that output is deterministic.
func Encode(p Point) string {
	var b strings.Builder
	b.WriteString(escape(p.Name))
	for _, k := range sortedKeys(p.Tags) {
		b.WriteByte(',')
		b.WriteString(escape(k))
		b.WriteByte('=')
		b.WriteString(escape(p.Tags[k]))
	}
	b.WriteByte(' ')
	for i, k := range sortedKeys(p.Fields) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(escape(k))
		b.WriteByte('=')
		v := p.Fields[k]
		if isNumeric(v) {
			b.WriteString(v)
		} else {
			b.WriteByte('"')
			b.WriteString(v)
			b.WriteByte('"')
		}
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Timestamp.UnixNano(), 10))
	return b.String()
}

func splitPair(pair string) (string, string, error) {
	idx := indexUnescaped(pair, '=')
	if idx < 0 {
		return "", "", fmt.Errorf("%w: pair %q has no '='", ErrMalformedRecord, pair)
	}
	return unescape(pair[:idx]), unescape(pair[idx+1:]), nil
}

// splitUnescaped splits s on every sep that is neither preceded by a
// backslash nor inside a double-quoted field value.
func splitUnescaped(s string, sep byte) []string {
	var parts []string
	start := 0
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			inQuotes = !inQuotes
		case sep:
			if inQuotes {
				continue
			}
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func indexUnescaped(s string, sep byte) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			return i
		}
	}
	return -1
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ',', ' ', '=', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSuffix(s, "i"), 64)
	return err == nil && s != ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package journal reads and writes the committed JSONL issue journal.
//
// The journal is one JSON object per line, sorted by issue id, with a stable
// field order so that diffs stay reviewable. Fields we do not understand are
// preserved byte-for-byte across a read/write round trip.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stitchwork/stitch/internal/types"
)

// knownFields are the issue fields the codec owns. Anything else found on a
// journal line is carried in Record.Extras.
var knownFields = map[string]bool{
	"id": true, "title": true, "description": true,
	"status": true, "priority": true, "issue_type": true,
	"created_at": true, "updated_at": true, "closed_at": true,
	"assignee": true, "labels": true, "external_ref": true,
	"milestone_id": true,
}

// Record is one journal line: a parsed issue plus any fields written by a
// newer or foreign tool that we round-trip untouched.
type Record struct {
	Issue  types.Issue
	Extras map[string]json.RawMessage
}

// ParseError describes a journal line that could not be decoded. Bad lines
// are skipped, not fatal, so a single corrupt entry never blocks import.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("journal line %d: %v", e.Line, e.Err)
}

// ReadFile parses the journal at path. Malformed lines are skipped and
// returned as ParseErrors alongside the good records.
func ReadFile(path string) ([]Record, []*ParseError, error) {
	// #nosec G304 - path comes from repo config
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses JSONL journal content from r.
func Read(r io.Reader) ([]Record, []*ParseError, error) {
	var records []Record
	var bad []*ParseError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := decodeLine(line)
		if err != nil {
			bad = append(bad, &ParseError{Line: lineNum, Err: err})
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return records, bad, nil
}

func decodeLine(line []byte) (Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Record{}, err
	}

	var issue types.Issue
	if err := json.Unmarshal(line, &issue); err != nil {
		return Record{}, err
	}
	issue.SetDefaults()
	if err := issue.Validate(); err != nil {
		return Record{}, err
	}

	var extras map[string]json.RawMessage
	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if extras == nil {
			extras = make(map[string]json.RawMessage)
		}
		extras[k] = v
	}
	return Record{Issue: issue, Extras: extras}, nil
}

// EncodeLine renders one record as a single JSON line in the canonical field
// order, followed by any preserved extra fields in sorted key order.
func EncodeLine(rec Record) ([]byte, error) {
	i := &rec.Issue
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%s", key, b)
		return nil
	}

	if err := writeField("id", i.ID); err != nil {
		return nil, err
	}
	if err := writeField("title", i.Title); err != nil {
		return nil, err
	}
	if err := writeField("description", i.Description); err != nil {
		return nil, err
	}
	if err := writeField("status", i.Status); err != nil {
		return nil, err
	}
	if err := writeField("priority", i.Priority); err != nil {
		return nil, err
	}
	if err := writeField("issue_type", i.IssueType); err != nil {
		return nil, err
	}
	if err := writeField("created_at", i.CreatedAt.UTC()); err != nil {
		return nil, err
	}
	if err := writeField("updated_at", i.UpdatedAt.UTC()); err != nil {
		return nil, err
	}
	if i.ClosedAt != nil {
		if err := writeField("closed_at", i.ClosedAt.UTC()); err != nil {
			return nil, err
		}
	}
	if i.Assignee != "" {
		if err := writeField("assignee", i.Assignee); err != nil {
			return nil, err
		}
	}
	if i.MilestoneID != "" {
		if err := writeField("milestone_id", i.MilestoneID); err != nil {
			return nil, err
		}
	}
	if len(i.Labels) > 0 {
		labels := append([]string(nil), i.Labels...)
		sort.Strings(labels)
		if err := writeField("labels", labels); err != nil {
			return nil, err
		}
	}
	if i.ExternalRef != nil {
		if err := writeField("external_ref", *i.ExternalRef); err != nil {
			return nil, err
		}
	}

	if len(rec.Extras) > 0 {
		keys := make([]string, 0, len(rec.Extras))
		for k := range rec.Extras {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if buf.Len() > 1 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(&buf, "%q:%s", k, rec.Extras[k])
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Encode renders records as journal content: sorted by issue id, one line
// each, trailing newline.
func Encode(records []Record) ([]byte, error) {
	sorted := append([]Record(nil), records...)
	sort.Slice(sorted, func(a, b int) bool {
		return sorted[a].Issue.ID < sorted[b].Issue.ID
	})

	var buf bytes.Buffer
	for _, rec := range sorted {
		line, err := EncodeLine(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", rec.Issue.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// WriteFile atomically replaces the journal at path with records. The write
// goes to a temp file in the same directory, then renames into place.
func WriteFile(path string, records []Record) error {
	content, err := Encode(records)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create journal dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".journal-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp journal: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	return nil
}

// LogParseErrors reports skipped lines to the given logger.
func LogParseErrors(logger *log.Logger, path string, errs []*ParseError) {
	for _, pe := range errs {
		logger.Printf("skipping bad journal line in %s: %v", filepath.Base(path), pe)
	}
}

// Fingerprint returns a cheap content identity for change detection: the
// journal content with whitespace-only differences ignored.
func Fingerprint(content []byte) string {
	lines := strings.Split(string(content), "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

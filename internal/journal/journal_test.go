package journal

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stitchwork/stitch/internal/types"
)

func TestReadSkipsMalformedLines(t *testing.T) {
	content := strings.Join([]string{
		`{"id":"st-1","title":"First","status":"open","priority":2,"issue_type":"task","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`,
		`{not json at all`,
		``,
		`{"id":"st-2","title":"Second","status":"open","priority":1,"issue_type":"bug","created_at":"2026-01-02T00:00:00Z","updated_at":"2026-01-02T00:00:00Z"}`,
		`{"id":"","title":"no id"}`,
	}, "\n")

	records, bad, err := Read(strings.NewReader(content))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if len(bad) != 2 {
		t.Fatalf("got %d parse errors, want 2", len(bad))
	}
	if bad[0].Line != 2 || bad[1].Line != 5 {
		t.Errorf("bad lines = %d, %d; want 2, 5", bad[0].Line, bad[1].Line)
	}
	if records[0].Issue.ID != "st-1" || records[1].Issue.ID != "st-2" {
		t.Errorf("unexpected ids: %s, %s", records[0].Issue.ID, records[1].Issue.ID)
	}
}

func TestUnknownFieldsPreserved(t *testing.T) {
	line := `{"id":"st-1","title":"T","status":"open","priority":2,"issue_type":"task","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","custom_field":{"nested":true},"zz_tool":"other"}`

	records, bad, err := Read(strings.NewReader(line))
	if err != nil || len(bad) != 0 {
		t.Fatalf("Read() records=%d bad=%d err=%v", len(records), len(bad), err)
	}
	rec := records[0]
	if len(rec.Extras) != 2 {
		t.Fatalf("extras = %v, want 2 entries", rec.Extras)
	}

	out, err := EncodeLine(rec)
	if err != nil {
		t.Fatalf("EncodeLine() error = %v", err)
	}
	if !bytes.Contains(out, []byte(`"custom_field":{"nested":true}`)) {
		t.Errorf("custom_field not preserved: %s", out)
	}
	if !bytes.Contains(out, []byte(`"zz_tool":"other"`)) {
		t.Errorf("zz_tool not preserved: %s", out)
	}
}

func TestEncodeStableFieldOrder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ref := "gh-7"
	rec := Record{Issue: types.Issue{
		ID: "st-1", Title: "T", Description: "d",
		Status: types.StatusOpen, Priority: 0, IssueType: types.TypeBug,
		CreatedAt: now, UpdatedAt: now,
		Assignee: "alice", Labels: []string{"b", "a"},
		ExternalRef: &ref,
	}}

	out, err := EncodeLine(rec)
	if err != nil {
		t.Fatalf("EncodeLine() error = %v", err)
	}
	want := `{"id":"st-1","title":"T","description":"d","status":"open","priority":0,"issue_type":"bug","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","assignee":"alice","labels":["a","b"],"external_ref":"gh-7"}`
	if string(out) != want {
		t.Errorf("line = %s\nwant   %s", out, want)
	}

	// Line must stay valid JSON.
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("encoded line is not valid JSON: %v", err)
	}
}

func TestEncodeSortsById(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string) Record {
		return Record{Issue: types.Issue{
			ID: id, Title: "t", Status: types.StatusOpen,
			Priority: 2, IssueType: types.TypeTask,
			CreatedAt: now, UpdatedAt: now,
		}}
	}
	out, err := Encode([]Record{mk("st-9"), mk("st-1"), mk("st-5")})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i, want := range []string{"st-1", "st-5", "st-9"} {
		if !strings.Contains(lines[i], `"id":"`+want+`"`) {
			t.Errorf("line %d = %s, want id %s", i, lines[i], want)
		}
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".stitch", "issues.jsonl")

	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	recs := []Record{
		{Issue: types.Issue{
			ID: "st-1", Title: "First", Status: types.StatusOpen,
			Priority: 1, IssueType: types.TypeFeature,
			CreatedAt: now, UpdatedAt: now,
		}},
	}
	if err := WriteFile(path, recs); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got, bad, err := ReadFile(path)
	if err != nil || len(bad) != 0 {
		t.Fatalf("ReadFile() bad=%d err=%v", len(bad), err)
	}
	if len(got) != 1 || got[0].Issue.Title != "First" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".journal-") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestReadFileMissingIsEmpty(t *testing.T) {
	recs, bad, err := ReadFile(filepath.Join(t.TempDir(), "nope.jsonl"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(recs) != 0 || len(bad) != 0 {
		t.Errorf("expected empty result, got %d/%d", len(recs), len(bad))
	}
}

func TestFingerprintIgnoresWhitespace(t *testing.T) {
	a := Fingerprint([]byte("{\"id\":\"st-1\"}\n\n{\"id\":\"st-2\"}\n"))
	b := Fingerprint([]byte("  {\"id\":\"st-1\"}  \n{\"id\":\"st-2\"}"))
	if a != b {
		t.Errorf("fingerprints differ:\n%s\n%s", a, b)
	}
}

package sessionstore

import (
	"testing"
	"time"
)

func TestFormatTranscript(t *testing.T) {
	history := []Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
		{Role: "user", Content: "bye"},
	}
	want := "USER: hello\nASSISTANT: hi there\nUSER: bye"
	if got := formatTranscript(history); got != want {
		t.Errorf("formatTranscript = %q, want %q", got, want)
	}
}

type fakeRow struct {
	vals []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch v := r.vals[i].(type) {
		case string:
			*d.(*string) = v
		case []byte:
			*d.(*[]byte) = v
		case bool:
			*d.(*bool) = v
		case time.Time:
			*d.(*time.Time) = v
		}
	}
	return nil
}

func TestScanSessionDecodesHistory(t *testing.T) {
	now := time.Now()
	row := fakeRow{vals: []any{
		"id-1", "Title", "Summary",
		[]byte(`[{"role":"user","content":"q"},{"role":"assistant","content":"a"}]`),
		true, false, now, now, now,
	}}

	sess, err := scanSession(row)
	if err != nil {
		t.Fatalf("scanSession: %v", err)
	}
	if sess.ID != "id-1" || !sess.IsActive || sess.IsSummarized {
		t.Errorf("session = %+v", sess)
	}
	if len(sess.History) != 2 || sess.History[1].Content != "a" {
		t.Errorf("history = %+v", sess.History)
	}
}

func TestScanSessionRejectsBadHistory(t *testing.T) {
	now := time.Now()
	row := fakeRow{vals: []any{
		"id-1", "", "", []byte(`{not json`), true, false, now, now, now,
	}}
	if _, err := scanSession(row); err == nil {
		t.Fatal("expected decode error")
	}
}

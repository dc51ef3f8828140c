package restapi

import "testing"

func TestFilterMatches(t *testing.T) {
	f, err := NewFilter(`record.state == "suspended" && record.attempt > 1`)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := f.Matches(map[string]any{"state": "suspended", "attempt": 2})
	if err != nil || !ok {
		t.Errorf("suspended/2 should match, got ok=%v err=%v", ok, err)
	}
	ok, err = f.Matches(map[string]any{"state": "running", "attempt": 5})
	if err != nil || ok {
		t.Errorf("running should not match, got ok=%v err=%v", ok, err)
	}
	ok, err = f.Matches(map[string]any{"state": "suspended", "attempt": 1})
	if err != nil || ok {
		t.Errorf("attempt 1 should not match, got ok=%v err=%v", ok, err)
	}
}

func TestFilterRejectsBadExpressions(t *testing.T) {
	if _, err := NewFilter(""); err == nil {
		t.Error("empty expression should fail to compile")
	}
	if _, err := NewFilter(`record.state ==`); err == nil {
		t.Error("syntax error should fail to compile")
	}
}

func TestFilterNonBooleanResult(t *testing.T) {
	f, err := NewFilter(`record.state`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Matches(map[string]any{"state": "running"}); err == nil {
		t.Error("a string-valued expression should error at evaluation")
	}
}

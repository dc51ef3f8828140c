package weaver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestShouldRetryClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
		{os.ErrNotExist, false},
		{Error{Code: StoreIOFailure, Err: errors.New("disk gone")}, false},
		{Error{Code: CheckpointFormatFailure, Err: errors.New("bad magic")}, false},
		{Error{Code: TaskKilled, Err: errors.New("killed")}, false},
		{Error{Code: CommitConflict, Err: errors.New("version moved")}, true},
		{errors.New("connection reset by peer"), true},
		{fmt.Errorf("write failed: %w", errors.New("read-only file system")), false},
	}
	for _, tc := range cases {
		if got := ShouldRetry(tc.err); got != tc.want {
			t.Errorf("ShouldRetry(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	gaveUp := false
	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return Error{Code: TaskKilled, Err: errors.New("killed")}
	}, func(ctx context.Context) { gaveUp = true })
	if err == nil {
		t.Fatal("permanent error swallowed")
	}
	if attempts != 1 {
		t.Errorf("permanent error was retried %d times", attempts)
	}
	if !gaveUp {
		t.Error("give-up callback did not run")
	}
}

func TestRetrySucceedsWithoutError(t *testing.T) {
	attempts := 0
	if err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	if attempts != 1 {
		t.Errorf("successful task ran %d times", attempts)
	}
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

type netTimeout struct{}

func (netTimeout) Error() string { return "i/o" }
func (netTimeout) Timeout() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  Category
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, CategoryTimeout, true},
		{"wrapped deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), CategoryTimeout, true},
		{"timeout interface", netTimeout{}, CategoryTimeout, true},
		{"timed out exit", &ExitError{ExitCode: -1, TimedOut: true}, CategoryTimeout, true},
		{"timed out text", errors.New("Operation Timed Out"), CategoryTimeout, true},
		{"conn refused", errors.New("dial tcp 127.0.0.1:80: connect: connection refused"), CategoryNetwork, true},
		{"econnreset", errors.New("read: ECONNRESET"), CategoryNetwork, true},
		{"no such host", errors.New("lookup x: no such host"), CategoryNetwork, true},
		{"oom", errors.New("fatal: out of memory"), CategoryResource, true},
		{"emfile", errors.New("open: too many open files"), CategoryResource, true},
		{"rate limit text", errors.New("rate limit exceeded"), CategoryTransient, true},
		{"status 429", statusErr{429}, CategoryTransient, true},
		{"429 in status text", errors.New("request failed: HTTP 429"), CategoryTransient, true},
		{"429 status line", errors.New("HTTP/1.1 429 slow down"), CategoryTransient, true},
		{"429 inside a number", errors.New("agent exited: processed 14290 files before crash"), CategoryUnknown, false},
		{"429 as a count", errors.New("copied 429 files, then crashed"), CategoryUnknown, false},
		{"tempfail exit", &ExitError{ExitCode: ExitTempFail}, CategoryTransient, true},
		{"unauthorized", errors.New("401 Unauthorized"), CategoryAuthentication, false},
		{"status 403", statusErr{403}, CategoryAuthentication, false},
		{"noperm exit", &ExitError{ExitCode: ExitNoPerm}, CategoryAuthentication, false},
		{"invalid", errors.New("invalid argument --foo"), CategoryValidation, false},
		{"malformed", errors.New("malformed json"), CategoryValidation, false},
		{"unknown", errors.New("something odd"), CategoryUnknown, false},
		{"plain exit", &ExitError{ExitCode: 1}, CategoryUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Category != tt.category {
				t.Errorf("Classify(%v).Category = %s, want %s", tt.err, got.Category, tt.category)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Classify(%v).Retryable = %v, want %v", tt.err, got.Retryable, tt.retryable)
			}
			if !errors.Is(&got, tt.err) {
				t.Errorf("Classified does not wrap %v", tt.err)
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	got := Classify(nil)
	if got.Category != CategoryUnknown || got.Retryable || got.Err != nil {
		t.Errorf("Classify(nil) = %+v", got)
	}
}

func TestClassify_TimeoutBeatsText(t *testing.T) {
	err := &ExitError{TimedOut: true, Stderr: "unauthorized"}
	if got := Classify(err).Category; got != CategoryTimeout {
		t.Errorf("category = %s, want timeout", got)
	}
}

func TestClassify_RetryAfter(t *testing.T) {
	tests := []struct {
		msg  string
		want time.Duration
	}{
		{"rate limit hit, retry after 5", 5 * time.Second},
		{"too many requests: Retry-After: 30s", 30 * time.Second},
		{"overloaded, retry after 250ms", 250 * time.Millisecond},
		{"rate limit exceeded", DefaultRetryAfter},
	}
	for _, tt := range tests {
		got := Classify(errors.New(tt.msg))
		if got.Category != CategoryTransient {
			t.Fatalf("%q: category = %s, want transient", tt.msg, got.Category)
		}
		if got.RetryAfter != tt.want {
			t.Errorf("%q: RetryAfter = %v, want %v", tt.msg, got.RetryAfter, tt.want)
		}
	}
}

func TestExitError_Message(t *testing.T) {
	err := &ExitError{ExitCode: 3, Stderr: "first\nlast line\n"}
	if got, want := err.Error(), "command exited with code 3: last line"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

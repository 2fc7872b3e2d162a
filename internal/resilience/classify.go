package resilience

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Category groups failures by what retrying them would achieve.
type Category string

const (
	CategoryTimeout        Category = "timeout"
	CategoryNetwork        Category = "network"
	CategoryResource       Category = "resource"
	CategoryTransient      Category = "transient"
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategoryUnknown        Category = "unknown"
)

// DefaultRetryAfter is suggested for rate-limited failures that carry no hint.
const DefaultRetryAfter = 60 * time.Second

// Exit codes from sysexits(3) that carry a structured meaning.
const (
	ExitTempFail = 75 // EX_TEMPFAIL: try again later
	ExitNoPerm   = 77 // EX_NOPERM: permission denied
)

// Classified is the outcome of Classify. It wraps the original error.
type Classified struct {
	Category   Category
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (c *Classified) Error() string {
	if c.Err == nil {
		return string(c.Category)
	}
	return fmt.Sprintf("%s: %v", c.Category, c.Err)
}

func (c *Classified) Unwrap() error {
	return c.Err
}

// ExitError reports a command that ran but did not exit cleanly.
type ExitError struct {
	ExitCode int
	TimedOut bool
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.TimedOut {
		return "command timed out"
	}
	msg := fmt.Sprintf("command exited with code %d", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

// Timeout lets ExitError satisfy the same check as net.Error.
func (e *ExitError) Timeout() bool {
	return e.TimedOut
}

type timeoutError interface {
	Timeout() bool
}

type statusCoder interface {
	StatusCode() int
}

var (
	timeoutPatterns = []string{
		"timed out",
		"etimedout",
		"deadline exceeded",
	}
	networkPatterns = []string{
		"econnrefused",
		"connection refused",
		"econnreset",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"unexpected eof",
		"enotfound",
	}
	resourcePatterns = []string{
		"out of memory",
		"enomem",
		"cannot allocate memory",
		"resource temporarily unavailable",
		"too many open files",
		"emfile",
		"no space left",
	}
	transientPatterns = []string{
		"rate limit",
		"rate-limit",
		"too many requests",
		"try again",
		"overloaded",
	}
	authPatterns = []string{
		"unauthorized",
		"forbidden",
		"authentication failed",
		"invalid api key",
	}
	validationPatterns = []string{
		"invalid",
		"malformed",
	}

	// 429 only counts as part of a status phrase, never as a bare number.
	status429Re  = regexp.MustCompile(`\b(?:status|code|error|http)\b\D{0,3}429\b|\bhttp/\d(?:\.\d)?\s+429\b`)
	retryAfterRe = regexp.MustCompile(`retry[- ]after[:= ]+(\d+)\s*(ms|s|sec|seconds?)?`)
)

// Classify maps a failure to a category and a retry verdict.
// Structured signals are checked before message text; a timeout wins over everything.
func Classify(err error) Classified {
	if err == nil {
		return Classified{Category: CategoryUnknown}
	}
	if isTimeout(err) {
		return Classified{Category: CategoryTimeout, Retryable: true, Err: err}
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, timeoutPatterns) {
		return Classified{Category: CategoryTimeout, Retryable: true, Err: err}
	}
	if containsAny(msg, networkPatterns) {
		return Classified{Category: CategoryNetwork, Retryable: true, Err: err}
	}
	if containsAny(msg, resourcePatterns) {
		return Classified{Category: CategoryResource, Retryable: true, Err: err}
	}

	status := structuredStatus(err)
	if status == 429 || exitCode(err) == ExitTempFail || containsAny(msg, transientPatterns) ||
		status429Re.MatchString(msg) {
		return Classified{
			Category:   CategoryTransient,
			Retryable:  true,
			RetryAfter: parseRetryAfter(msg),
			Err:        err,
		}
	}
	if status == 401 || status == 403 || exitCode(err) == ExitNoPerm ||
		containsAny(msg, authPatterns) {
		return Classified{Category: CategoryAuthentication, Err: err}
	}
	if containsAny(msg, validationPatterns) {
		return Classified{Category: CategoryValidation, Err: err}
	}
	return Classified{Category: CategoryUnknown, Err: err}
}

// IsRetryable is shorthand for Classify(err).Retryable.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}

func structuredStatus(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func exitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode
	}
	return -1
}

func parseRetryAfter(msg string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(msg)
	if m == nil {
		return DefaultRetryAfter
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return DefaultRetryAfter
	}
	if m[2] == "ms" {
		return time.Duration(n) * time.Millisecond
	}
	return time.Duration(n) * time.Second
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

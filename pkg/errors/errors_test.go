package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestRetryabilityByType(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeTelemetry, true},
		{ErrorTypeAuth, false},
		{ErrorTypeSubmit, false},
		{ErrorTypeThermal, false},
		{ErrorTypeProtocol, false},
		{ErrorTypeShutdown, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := New(tt.errType, "op", "message")
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable(%s) = %v, want %v", tt.errType, got, tt.retryable)
			}
		})
	}
}

func TestWrapPreservesRetryability(t *testing.T) {
	inner := New(ErrorTypeAuth, "authorize", "bad credentials")
	outer := Wrap(inner, ErrorTypeNetwork, "connect", "handshake failed")

	if outer.Retryable {
		t.Error("wrapping a terminal auth error must not make it retryable")
	}
	if !IsType(outer, ErrorTypeNetwork) {
		t.Error("outer type lost in wrap")
	}
	if !stderrors.Is(outer, inner) {
		t.Error("wrapped error does not unwrap to its cause")
	}
}

func TestWrapNil(t *testing.T) {
	if got := Wrap(nil, ErrorTypeNetwork, "op", "msg"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeThermal, "sensor_read", "device overheating")
	wrapped := fmt.Errorf("worker 3: %w", err)

	if !IsType(wrapped, ErrorTypeThermal) {
		t.Error("IsType failed through fmt.Errorf wrapping")
	}
	if IsType(wrapped, ErrorTypeNetwork) {
		t.Error("IsType matched the wrong type")
	}
	if IsType(stderrors.New("plain"), ErrorTypeNetwork) {
		t.Error("IsType matched a plain error")
	}
}

func TestTypeOf(t *testing.T) {
	err := New(ErrorTypeAuth, "authorize", "bad credentials")

	if got := TypeOf(err); got != ErrorTypeAuth {
		t.Errorf("TypeOf = %v, want auth", got)
	}
	if got := TypeOf(fmt.Errorf("connect: %w", err)); got != ErrorTypeAuth {
		t.Errorf("TypeOf through fmt.Errorf = %v, want auth", got)
	}
	if got := TypeOf(stderrors.New("plain")); got != "" {
		t.Errorf("TypeOf(plain) = %q, want empty", got)
	}
	if got := TypeOf(nil); got != "" {
		t.Errorf("TypeOf(nil) = %q, want empty", got)
	}
}

func TestIsRetryableByPattern(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "connection refused", err: stderrors.New("dial tcp: connection refused"), retryable: true},
		{name: "broken pipe", err: stderrors.New("write: broken pipe"), retryable: true},
		{name: "plain failure", err: stderrors.New("invalid wallet"), retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrorTypeSubmit, "submit_share", "rejected").
		WithContext("share_id", "abc").
		WithContext("job_id", "j1")

	ctx := GetContext(err)
	if ctx["share_id"] != "abc" || ctx["job_id"] != "j1" {
		t.Errorf("context = %v, want share_id and job_id entries", ctx)
	}
}

func TestErrorString(t *testing.T) {
	err := New(ErrorTypeNetwork, "connect", "dial failed")
	want := "network operation 'connect' failed: dial failed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(stderrors.New("refused"), ErrorTypeNetwork, "connect", "dial failed")
	if wrapped.Error() != "network operation 'connect' failed: dial failed (caused by: refused)" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

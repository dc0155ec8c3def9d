package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesScopeAndCause(t *testing.T) {
	err := New(
		"stream/subscribe",
		CodeSubscription,
		WithMessage("handshake rejected"),
		WithRawCode("AUTH_EXPIRED"),
		WithRawMessage("token no longer valid"),
		WithCause(errors.New("gateway status error")),
	)

	out := err.Error()
	if !strings.Contains(out, "scope=stream/subscribe") {
		t.Fatalf("expected scope marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=subscription") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "raw_code=\"AUTH_EXPIRED\"") {
		t.Fatalf("expected raw code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"gateway status error\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New("gateway/dial", CodeTransport, WithCause(cause))

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the cause")
	}
}

func TestCodeOfWalksWrapChain(t *testing.T) {
	inner := New("stream/conn", CodeTransport, WithMessage("read failed"))
	wrapped := fmt.Errorf("session ended: %w", inner)

	if got := CodeOf(wrapped); got != CodeTransport {
		t.Fatalf("expected transport code, got %q", got)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("expected empty code for unstructured error")
	}
}

func TestHasCode(t *testing.T) {
	err := New("stream/watchdog", CodeStaleness)
	if !HasCode(err, CodeStaleness) {
		t.Fatal("expected staleness code match")
	}
	if HasCode(err, CodeTransport) {
		t.Fatal("unexpected transport code match")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("expected <nil>, got %q", e.Error())
	}
}

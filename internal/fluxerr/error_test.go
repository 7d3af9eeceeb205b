package fluxerr

import (
	"errors"
	"testing"
)

func TestClassOfUnwrapsKind(t *testing.T) {
	err := Timeoutf("query exceeded %s", "30s")
	if ClassOf(err) != QueryTimeout {
		t.Fatalf("expected QueryTimeout, got %s", ClassOf(err))
	}
	wrapped := errors.New("boom")
	if ClassOf(wrapped) != Unknown {
		t.Fatalf("expected Unknown for plain error, got %s", ClassOf(wrapped))
	}
}

func TestWrapTransientNilIsNil(t *testing.T) {
	if WrapTransient(nil) != nil {
		t.Fatalf("expected nil wrap of nil error")
	}
}

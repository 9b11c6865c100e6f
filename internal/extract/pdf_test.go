package extract

import (
	"errors"
	"testing"
)

func TestExtract_EmptyInput(t *testing.T) {
	_, err := Extract(nil)
	if !errors.Is(err, ErrUnreadablePDF) {
		t.Fatalf("err = %v, want ErrUnreadablePDF", err)
	}
}

func TestExtract_GarbageInput(t *testing.T) {
	_, err := Extract([]byte("this is not a pdf at all"))
	if !errors.Is(err, ErrUnreadablePDF) {
		t.Fatalf("err = %v, want ErrUnreadablePDF", err)
	}
}

func TestExtract_TruncatedHeader(t *testing.T) {
	// A valid header with no body must not panic.
	_, err := Extract([]byte("%PDF-1.7\n"))
	if !errors.Is(err, ErrUnreadablePDF) {
		t.Fatalf("err = %v, want ErrUnreadablePDF", err)
	}
}

package api

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := &Error{Op: "open", Path: "/mnt/a.txt", Err: ErrNotFound}
	if got := err.Error(); got != "open /mnt/a.txt: not found" {
		t.Errorf("unexpected message: %q", got)
	}

	err = &Error{Op: "sync", Err: ErrIO}
	if got := err.Error(); got != "sync: i/o error" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestWrapErrNil(t *testing.T) {
	if WrapErr("open", "/x", nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := fmt.Errorf("cluster 7: %w", ErrCorrupt)
	err := WrapErr("read", "/mnt/a.txt", inner)

	if !errors.Is(err, ErrCorrupt) {
		t.Error("errors.Is should see the sentinel through both wrappers")
	}
	if got := CodeOf(err); got != ErrCorrupt {
		t.Errorf("CodeOf = %v, want ErrCorrupt", got)
	}
	if got := CodeOf(errors.New("unrelated")); got != nil {
		t.Errorf("CodeOf(unrelated) = %v, want nil", got)
	}
}

func TestAccessFlags(t *testing.T) {
	if !AccessWrite(O_WRONLY) || !AccessWrite(O_RDWR) || AccessWrite(O_RDONLY) {
		t.Error("AccessWrite misclassified a mode")
	}
	if !AccessRead(O_RDONLY) || !AccessRead(O_RDWR) || AccessRead(O_WRONLY) {
		t.Error("AccessRead misclassified a mode")
	}
	if !AccessWrite(O_RDWR | O_CREAT | O_TRUNC) {
		t.Error("flag bits above the access mode must not affect the result")
	}
}

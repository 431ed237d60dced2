package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("submit: %w", InvalidState("cannot submit approved application"))
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state match, got %v", err)
	}
	if errors.Is(err, ErrForbidden) {
		t.Fatalf("unexpected forbidden match")
	}
	if KindOf(err) != KindInvalidState {
		t.Fatalf("unexpected kind: %s", KindOf(err))
	}
}

func TestErrorsIsMatchesReason(t *testing.T) {
	err := Forbidden(ReasonSelfReview, "cannot review own application")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden match")
	}
	if !errors.Is(err, ForbiddenReason(ReasonSelfReview)) {
		t.Fatalf("expected self review match")
	}
	if errors.Is(err, ForbiddenReason(ReasonNotOwner)) {
		t.Fatalf("unexpected not owner match")
	}
	if ReasonOf(err) != ReasonSelfReview {
		t.Fatalf("unexpected reason: %s", ReasonOf(err))
	}
}

func TestForeignErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal kind")
	}
	if ReasonOf(err) != ReasonNone {
		t.Fatalf("expected no reason")
	}
	wrapped := Wrap(err, KindConflict, ReasonDuplicateEmail, "email already exists")
	if !errors.Is(wrapped, err) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if wrapped.Error() != "email already exists: boom" {
		t.Fatalf("unexpected message: %q", wrapped.Error())
	}
}

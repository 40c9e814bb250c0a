package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestReasonForError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorReason
	}{
		{ErrUnauthorized, ReasonUnauthorized},
		{fmt.Errorf("PUT /v1/user/playlist/p1: %w", ErrUnauthorized), ReasonUnauthorized},
		{ErrNotFound, ReasonNotFound},
		{&ServerError{StatusCode: 418}, ReasonServer},
		{fmt.Errorf("sync: %w", &ServerError{StatusCode: 422}), ReasonServer},
		{errors.New("decode playlist payload: unexpected EOF"), ReasonUnknown},
		{ErrUnavailable, ReasonUnknown}, // transient errors are requeued, never parked
	}
	for _, tt := range tests {
		if got := ReasonForError(tt.err); got != tt.want {
			t.Errorf("ReasonForError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestServerErrorMessage(t *testing.T) {
	err := &ServerError{StatusCode: 422, Body: "invalid track id"}
	want := "catalog returned unexpected status 422: invalid track id"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := &ServerError{StatusCode: 400}
	if bare.Error() != "catalog returned unexpected status 400" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

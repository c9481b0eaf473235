package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/gatectl/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{header: "Bearer op-secret", want: "op-secret"},
		{header: "bearer   spaced  ", want: "spaced"},
		{header: "Bot op-secret", wantErr: ErrMissingHeader},
		{header: "Bearer ", wantErr: ErrMissingHeader},
		{header: "", wantErr: ErrMissingHeader},
	}
	for _, tc := range tests {
		got, err := BearerToken(tc.header)
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("%q: err = %v, want %v", tc.header, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("%q: token = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestForToken(t *testing.T) {
	testlog.Start(t)
	if err := ForToken("").Validate("anything"); err != nil {
		t.Fatalf("open validator rejected: %v", err)
	}
	if err := ForToken("x").Validate("y"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

package toolerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	cause := errors.New("dial tcp: refused")
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"typed", New(KindBackendError, "bad index", cause), KindBackendError},
		{"wrapped typed", fmt.Errorf("dispatch: %w", Validation("k", "must be >= 1")), KindValidation},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), KindTimeout},
		{"canceled", context.Canceled, KindTimeout},
		{"foreign", cause, KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	err := New(KindBackendUnavailable, "search backend unavailable", cause)
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through errors.Is")
	}
	if got := err.Error(); got != "BackendUnavailable: search backend unavailable" {
		t.Errorf("Error() = %q", got)
	}
	v := Validation("query", "is required")
	if got := v.Error(); got != "ValidationError: query: is required" {
		t.Errorf("Error() = %q", got)
	}
}

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want []string
	}{
		{
			name: "bare sentinel",
			err:  ErrDigestMismatch,
			want: []string{"DIGEST_MISMATCH", "sub-chunk digest mismatch"},
		},
		{
			name: "with cause",
			err:  ErrChannelClosed.WithCause(fmt.Errorf("connection reset")),
			want: []string{"CHANNEL_CLOSED", "connection reset"},
		},
		{
			name: "with details",
			err:  NewDigestMismatchError(7, "aa", "bb"),
			want: []string{"DIGEST_MISMATCH", "flatIndex", "7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := ErrSourceRead.WithCause(cause)
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is() did not find the cause")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := ErrPlanMismatch.WithDetail("announcedSubCount", 9)
	if !stderrors.Is(err, ErrPlanMismatch) {
		t.Error("derived error no longer matches its sentinel")
	}
	if stderrors.Is(err, ErrFraming) {
		t.Error("derived error matches an unrelated sentinel")
	}
}

func TestWithDetailDoesNotMutate(t *testing.T) {
	base := ErrFraming.WithDetail("a", 1)
	derived := base.WithDetail("b", 2)

	if _, ok := base.Details["b"]; ok {
		t.Error("WithDetail mutated the original error")
	}
	if derived.Details["a"] != 1 || derived.Details["b"] != 2 {
		t.Errorf("derived details = %v", derived.Details)
	}
}

func TestGetErrorCode(t *testing.T) {
	if got := GetErrorCode(ErrFatalTransfer); got != "FATAL_TRANSFER" {
		t.Errorf("GetErrorCode() = %q", got)
	}
	if got := GetErrorCode(fmt.Errorf("plain")); got != "" {
		t.Errorf("GetErrorCode(plain error) = %q, want empty", got)
	}
	if !IsTransferError(ErrFraming) {
		t.Error("IsTransferError() rejected a TransferError")
	}
	if IsTransferError(fmt.Errorf("plain")) {
		t.Error("IsTransferError() accepted a plain error")
	}
}

func TestRetriesExhausted(t *testing.T) {
	err := NewRetriesExhaustedError(3, 4)
	if GetErrorCode(err) != "FATAL_TRANSFER" {
		t.Errorf("code = %q, want FATAL_TRANSFER", GetErrorCode(err))
	}
	if !strings.Contains(err.Error(), "retries exhausted") {
		t.Errorf("Error() = %q", err.Error())
	}
}

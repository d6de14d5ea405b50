package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	cause := New("disk full")
	err := Wrapf(cause, "write checkpoint for job %s", "job-1")

	assert.Equal(t, "write checkpoint for job job-1: disk full", err.Error())
	assert.True(t, Is(err, cause))
	assert.Nil(t, Wrap(nil, "nothing to wrap"))
}

func TestDetailsAndHints(t *testing.T) {
	err := WithDetail(New("batch failed"), "Batch: 3")
	err = WithHint(err, "resume with 'erpsync batch resume'")

	assert.Equal(t, []string{"Batch: 3"}, GetAllDetails(err))
	assert.Equal(t, []string{"resume with 'erpsync batch resume'"}, GetAllHints(err))
	assert.Equal(t, "batch failed", err.Error(), "details and hints stay out of the message")
}

func TestSentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
		want bool
	}{
		{"not found sentinel", ErrNotFound, IsNotFoundError, true},
		{"not found constructed", NewNotFoundError("scheduled job %s", "abc"), IsNotFoundError, true},
		{"not found foreign", fmt.Errorf("sync state for erp not found"), IsNotFoundError, true},
		{"not found unrelated", New("boom"), IsNotFoundError, false},
		{"not found nil", nil, IsNotFoundError, false},
		{"invalid constructed", NewInvalidRequestError("batch size %d", -1), IsInvalidRequestError, true},
		{"invalid wrapped twice", Wrap(Wrapf(ErrInvalidRequest, "cron %q", "x"), "schedule"), IsInvalidRequestError, true},
		{"invalid other kind", ErrConflict, IsInvalidRequestError, false},
		{"invalid nil", nil, IsInvalidRequestError, false},
		{"conflict constructed", NewConflictError("adapter %q already registered", "erp"), IsConflictError, true},
		{"conflict nil", nil, IsConflictError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.is(tt.err))
		})
	}
}

func TestConstructedMessage(t *testing.T) {
	err := NewNotFoundError("batch job %s", "j-9")
	require.Error(t, err)
	assert.Equal(t, "batch job j-9: not found", err.Error())
}

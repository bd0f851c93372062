package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pureboot/pureboot/pkg/clone"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/workflow"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", storage.ErrNotFound, http.StatusNotFound},
		{"workflow not found", workflow.ErrWorkflowNotFound, http.StatusNotFound},
		{"missing file", os.ErrNotExist, http.StatusNotFound},

		{"invalid mac", registry.ErrInvalidMAC, http.StatusBadRequest},
		{"invalid serial", registry.ErrInvalidSerial, http.StatusBadRequest},
		{"invalid group name", registry.ErrInvalidGroupName, http.StatusBadRequest},
		{"group cycle", registry.ErrGroupCycle, http.StatusBadRequest},
		{"invalid transition", registry.ErrInvalidTransition, http.StatusBadRequest},
		{"retry limit", registry.ErrRetryLimitExceeded, http.StatusBadRequest},
		{"session state", clone.ErrInvalidSessionState, http.StatusBadRequest},
		{"progress regression", clone.ErrProgressNotMonotonic, http.StatusBadRequest},
		{"session without target", clone.ErrNoTarget, http.StatusBadRequest},
		{"step mismatch", workflow.ErrStepMismatch, http.StatusBadRequest},

		{"duplicate", storage.ErrDuplicate, http.StatusConflict},
		{"group not empty", registry.ErrGroupNotEmpty, http.StatusConflict},
		{"execution not running", workflow.ErrExecutionNotRunning, http.StatusConflict},

		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
			// Wrapped errors map the same way.
			assert.Equal(t, tt.want, statusFor(fmt.Errorf("context: %w", tt.err)))
		})
	}
}

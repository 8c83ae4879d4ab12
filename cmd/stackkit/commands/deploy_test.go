package commands

import (
	"strings"
	"testing"

	"github.com/stackkit/stackkit/pkg/state"
)

func TestDeploymentOutcome(t *testing.T) {
	tests := []struct {
		name    string
		status  state.DeploymentStatus
		wantErr bool
	}{
		{name: "completed", status: state.StatusCompleted, wantErr: false},
		{name: "failed", status: state.StatusFailed, wantErr: true},
		{name: "rolled back", status: state.StatusRolledBack, wantErr: true},
		{name: "partial", status: state.StatusPartial, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dep := &state.Deployment{StackID: "gpu-stack", Status: tt.status}
			err := deploymentOutcome(dep)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected an error for status %s", tt.status)
				}
				if !strings.Contains(err.Error(), string(tt.status)) {
					t.Errorf("Expected error to name the status %s, got %q", tt.status, err)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error for status %s: %v", tt.status, err)
			}
		})
	}
}

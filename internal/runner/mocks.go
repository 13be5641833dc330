package runner

import (
	"context"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockRunner is a mock implementation of Runner for testing.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, cmd Command) error {
	args := m.Called(ctx, cmd)
	return args.Error(0)
}

func (m *MockRunner) Output(ctx context.Context, cmd Command) (string, error) {
	args := m.Called(ctx, cmd)
	return args.String(0), args.Error(1)
}

// RecordingRunner records every command it is asked to run and answers from
// an optional per-command script. Simpler than MockRunner when a test only
// cares about ordering and counts.
type RecordingRunner struct {
	mu       sync.Mutex
	Commands []Command
	Script   func(cmd Command) (string, error)
}

func (r *RecordingRunner) Run(ctx context.Context, cmd Command) error {
	_, err := r.Output(ctx, cmd)
	return err
}

func (r *RecordingRunner) Output(ctx context.Context, cmd Command) (string, error) {
	r.mu.Lock()
	r.Commands = append(r.Commands, cmd)
	r.mu.Unlock()
	if r.Script != nil {
		return r.Script(cmd)
	}
	return "", nil
}

// Ran reports whether any recorded command's rendered form contains substr.
func (r *RecordingRunner) Ran(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.Commands {
		if strings.Contains(c.String(), substr) {
			return true
		}
	}
	return false
}

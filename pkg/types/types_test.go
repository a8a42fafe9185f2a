package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusFailed, StatusTimeout, StatusWarning}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s must be terminal", s)
	}

	nonTerminal := []TaskStatus{StatusPending, StatusRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s must not be terminal", s)
	}
}

func TestRunner_AcceptsType(t *testing.T) {
	r := &Runner{TaskTypes: []string{"encoding", "transcoding"}}
	assert.True(t, r.AcceptsType("encoding"))
	assert.False(t, r.AcceptsType("thumbnailing"))
}

func TestRunner_Online(t *testing.T) {
	now := time.Now()
	r := &Runner{LastHeartbeat: now.Add(-30 * time.Second)}

	assert.True(t, r.Online(time.Minute, now))
	assert.False(t, r.Online(10*time.Second, now))
}

func TestTask_Touch(t *testing.T) {
	base := time.Now()
	task := &Task{UpdatedAt: base}

	task.Touch(base.Add(-time.Second))
	assert.Equal(t, base, task.UpdatedAt, "Touch must not move UpdatedAt backwards")

	later := base.Add(time.Second)
	task.Touch(later)
	assert.Equal(t, later, task.UpdatedAt)
}

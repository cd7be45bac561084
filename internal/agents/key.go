package agents

import (
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/workloop/internal/domain"
)

const (
	sessionKeyPrefix = "agent"
	taskPrefixLen    = 8
)

// SessionKey identifies one agent run. It is derived from the project, the
// role and a prefix of the task id, so the same task and role always map to
// the same gateway session.
type SessionKey struct {
	ProjectID  string
	Role       domain.Role
	TaskPrefix string
}

// NewSessionKey derives the key for a task.
func NewSessionKey(projectID string, role domain.Role, taskID string) SessionKey {
	if role == "" {
		role = domain.RoleDev
	}
	prefix := taskID
	if len(prefix) > taskPrefixLen {
		prefix = prefix[:taskPrefixLen]
	}
	return SessionKey{ProjectID: projectID, Role: role, TaskPrefix: prefix}
}

func (k SessionKey) String() string {
	return strings.Join([]string{sessionKeyPrefix, k.ProjectID, string(k.Role), k.TaskPrefix}, ":")
}

// ParseSessionKey parses the output of SessionKey.String.
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != sessionKeyPrefix {
		return SessionKey{}, fmt.Errorf("invalid session key %q", s)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return SessionKey{}, fmt.Errorf("invalid session key %q", s)
		}
	}
	return SessionKey{ProjectID: parts[1], Role: domain.Role(parts[2]), TaskPrefix: parts[3]}, nil
}

package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBlockedCommand(t *testing.T) {
	tests := []struct {
		command string
		blocked bool
	}{
		{"rm -rf /", true},
		{"sudo rm -rf /var/tmp", true},
		{"echo shutdown", true}, // substring match is intentional
		{"dd if=/dev/zero of=/dev/sda", true},
		{":(){ :|:& };:", true},
		{"ls -la", false},
		{"rm file.txt", false},
		{"echo hello", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.blocked, IsBlockedCommand(tc.command), tc.command)
	}
}

func TestBuildEnvFiltersHostEnvironment(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_TOKEN", "hunter2")

	env := BuildEnv("w1", "/tmp/w1", map[string]string{"NODE_ENV": "test"})

	asMap := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				asMap[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	assert.Equal(t, "/usr/bin", asMap["PATH"])
	assert.Equal(t, "w1", asMap["WORKER_ID"])
	assert.Equal(t, "/tmp/w1", asMap["WORKER_DIR"])
	assert.Equal(t, "test", asMap["NODE_ENV"])
	_, leaked := asMap["SECRET_TOKEN"]
	assert.False(t, leaked, "non-whitelisted host env must not reach the child")
}

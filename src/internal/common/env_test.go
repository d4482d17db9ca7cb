package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvEnabled(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", false},
		{"1", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(DebugEnvVar, tt.value)
			assert.Equal(t, tt.want, EnvEnabled(DebugEnvVar))
		})
	}
}

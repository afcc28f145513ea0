package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single value",
			input:    "job_started",
			expected: []string{"job_started"},
		},
		{
			name:     "two values",
			input:    "job_started, job_failed",
			expected: []string{"job_started", "job_failed"},
		},
		{
			name:     "varied spacing",
			input:    "job_enqueued,  job_completed , job_failed",
			expected: []string{"job_enqueued", "job_completed", "job_failed"},
		},
		{
			name:     "trailing comma",
			input:    "job_failed,",
			expected: []string{"job_failed"},
		},
		{
			name:     "leading comma",
			input:    ",job_failed",
			expected: []string{"job_failed"},
		},
		{
			name:     "only spaces",
			input:    "   ",
			expected: nil,
		},
		{
			name:     "comma only",
			input:    ",",
			expected: nil,
		},
		{
			name:     "multiple consecutive commas",
			input:    ",,job_started,,job_failed,,",
			expected: []string{"job_started", "job_failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseCSV(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestParseCSV_PreservesInput(t *testing.T) {
	input := "job_started, job_failed"
	originalInput := input

	_ = ParseCSV(input)

	assert.Equal(t, originalInput, input, "input should not be modified")
}

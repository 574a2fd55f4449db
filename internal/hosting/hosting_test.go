package hosting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeChecksMixedNodeShapes(t *testing.T) {
	// The rollup mixes check runs (name/status/conclusion) with legacy
	// status contexts (context/state).
	checks := normalizeChecks([]checkNode{
		{Name: "build", Status: "COMPLETED", Conclusion: "SUCCESS"},
		{Name: "e2e", Status: "IN_PROGRESS"},
		{Context: "ci/legacy", State: "SUCCESS"},
		{Context: "ci/broken", State: "FAILURE"},
		{Context: "ci/deploy", State: "ERROR"},
	})

	assert.Equal(t, []Check{
		{Name: "build", Status: "COMPLETED", Conclusion: "success"},
		{Name: "e2e", Status: "IN_PROGRESS", Conclusion: ""},
		{Name: "ci/legacy", Status: "SUCCESS", Conclusion: "success"},
		{Name: "ci/broken", Status: "FAILURE", Conclusion: "failure"},
		{Name: "ci/deploy", Status: "ERROR", Conclusion: "error"},
	}, checks)
}

func TestNormalizeChecksEmpty(t *testing.T) {
	assert.Empty(t, normalizeChecks(nil))
}

package classify

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyDefaultRules(t *testing.T) {
	t.Parallel()

	c := Default()
	tests := []struct {
		name string
		text string
		want string
	}{
		{"empty", "", Unknown},
		{"no match", "something odd happened", Unknown},
		{"go compile error", "./main.go:12:2: undefined: fooBar", "compile_error"},
		{"typescript compile error", "src/app.ts(3,7): error TS2322: Type 'string' is not assignable", "compile_error"},
		{"go test failure", "--- FAIL: TestThing (0.00s)\n    thing_test.go:9: got 1", "test_failure"},
		{"jest failure", "Tests: 3 failing, 10 passed", "test_failure"},
		{"panic in test wins over test failure", "--- FAIL: TestX\npanic: runtime error: index out of range", "panic"},
		{"missing module", "main.go:4:2: no required module provides package example.com/x", "dependency"},
		{"timeout", "build timed out after 10m0s", "timeout"},
		{"deadline", "context deadline exceeded", "timeout"},
		{"rate limit", "rate limit timeout: service codegen", "rate_limit"},
		{"http 429", "anthropic: status 429 Too Many Requests", "rate_limit"},
		{"auth", "POST /v1/messages: 401 Unauthorized", "auth"},
		{"line number is not an auth code", "handler.go:401: expected 2, found 3", "compile_error"},
		{"oom", "signal: killed", "out_of_memory"},
		{"network", "dial tcp 127.0.0.1:6379: connect: connection refused", "network"},
		{"store", "store: claim: database is locked", "store"},
		{"cancelled", "codegen: context canceled", "cancelled"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.text))
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	t.Parallel()

	c := Default()
	text := "--- FAIL: TestRetry (0.01s)"
	first := c.Classify(text)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, c.Classify(text))
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	t.Parallel()

	c := New([]Rule{
		{Pattern: regexp.MustCompile(`flaky`), Category: "flaky"},
		{Pattern: regexp.MustCompile(`FAIL`), Category: "test_failure"},
	})
	assert.Equal(t, "flaky", c.Classify("FAIL: flaky network test"))
	assert.Equal(t, "test_failure", c.Classify("FAIL: TestX"))
}

func TestWithDefaultsEvaluatesCustomRulesFirst(t *testing.T) {
	t.Parallel()

	custom, err := Compile([]RuleSpec{{Pattern: `(?i)snapshot mismatch`, Category: "snapshot"}})
	require.NoError(t, err)

	c := WithDefaults(custom)
	assert.Equal(t, "snapshot", c.Classify("--- FAIL: TestRender: snapshot mismatch"))
	assert.Equal(t, "test_failure", c.Classify("--- FAIL: TestRender"))
}

func TestCompileRejectsBadRules(t *testing.T) {
	t.Parallel()

	_, err := Compile([]RuleSpec{{Pattern: `(`, Category: "broken"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	_, err = Compile([]RuleSpec{{Pattern: `x`, Category: "  "}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category is required")
}

func TestNilClassifierReturnsUnknown(t *testing.T) {
	t.Parallel()

	var c *Classifier
	assert.Equal(t, Unknown, c.Classify("panic: boom"))
}

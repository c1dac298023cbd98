package version

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	if !strings.HasPrefix(UserAgent(), "jpipstream/") {
		t.Fatalf("Unexpected user agent: %s", UserAgent())
	}
}

func TestMatch(t *testing.T) {
	expectations := []struct {
		name     string
		expected string
		actual   string
		fails    bool
	}{
		{name: "equal", expected: "stable-1.0.0", actual: "stable-1.0.0"},
		{name: "mismatch", expected: "stable-1.0.1", actual: "stable-1.0.0", fails: true},
		{name: "empty expected", expected: "", actual: "stable-1.0.0", fails: true},
		{name: "empty actual", expected: "stable-1.0.0", actual: "", fails: true},
	}
	for _, exp := range expectations {
		exp := exp
		t.Run(exp.name, func(t *testing.T) {
			err := Match(exp.expected, exp.actual)
			if exp.fails && err == nil {
				t.Fatal("Expected a version mismatch error")
			}
			if !exp.fails && err != nil {
				t.Fatalf("Unexpected error: %s", err)
			}
		})
	}
}

package version

import (
	"strings"
	"testing"
)

func TestRevisionPrefersInjectedCommit(t *testing.T) {
	prev := Commit
	t.Cleanup(func() { Commit = prev })

	Commit = "abc123"
	if got := Revision(); got != "abc123" {
		t.Fatalf("expected injected commit, got %s", got)
	}
	if full := Full(); !strings.HasPrefix(full, "asset-cache "+Version+" (abc123, go") {
		t.Fatalf("unexpected full version: %s", full)
	}
}

func TestRevisionFallback(t *testing.T) {
	prev := Commit
	t.Cleanup(func() { Commit = prev })

	Commit = ""
	if Revision() == "" {
		t.Fatalf("revision should never be empty")
	}
}

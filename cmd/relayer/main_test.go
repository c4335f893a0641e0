package main

import "testing"

func TestRunRejectsUnknownFlag(t *testing.T) {
	if code := run([]string{"-bogus"}); code != exitBadArgs {
		t.Fatalf("expected exit code %d, got %d", exitBadArgs, code)
	}
}

func TestRunRejectsMissingConfigFile(t *testing.T) {
	if code := run([]string{"-config", "/nonexistent/relayer.toml"}); code != exitBadConfig {
		t.Fatalf("expected exit code %d, got %d", exitBadConfig, code)
	}
}

package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintConfig(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--print-config", "--log-level=debug", "--sink-capacity=7"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, `"Level": "debug"`) || !strings.Contains(s, `"DefaultCapacity": 7`) {
		t.Errorf("unexpected config output:\n%s", s)
	}
}

func TestInvalidFlagValue(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--print-config", "--log-level=loud"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected validation error for --log-level=loud")
	}
}

func TestMissingEnvFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--env-file", "/nonexistent/.env", "--print-config"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for missing env file")
	}
}

package agents

import (
	"context"
	"testing"
	"time"
)

func TestNewRegistryDefaultsToMock(t *testing.T) {
	r, err := NewRegistry(nil, []string{"plan", "code"}, time.Minute)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	a, err := r.Get("plan")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	out, err := a.Execute(context.Background(), Input{WorkflowID: 1, TaskDescription: "x"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Success {
		t.Error("expected mock agent to succeed")
	}
	if len(out.Artifacts) != 1 || out.Artifacts[0].Type != "plan" {
		t.Errorf("expected one plan artifact, got %+v", out.Artifacts)
	}
}

func TestNewRegistryRejectsUnknownKind(t *testing.T) {
	m := &Manifest{Agents: map[string]manifestEntry{
		"code": {Kind: "nonsense"},
	}}
	if _, err := NewRegistry(m, nil, time.Minute); err == nil {
		t.Error("expected error for unknown manifest kind")
	}
}

func TestNewRegistryCommandRequiresCommand(t *testing.T) {
	m := &Manifest{Agents: map[string]manifestEntry{
		"code": {Kind: "command"},
	}}
	if _, err := NewRegistry(m, nil, time.Minute); err == nil {
		t.Error("expected error for command entry missing command path")
	}
}

func TestGetUnregisteredAgentType(t *testing.T) {
	r, err := NewRegistry(nil, nil, time.Minute)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unregistered agent type")
	}
}

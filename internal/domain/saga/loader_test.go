package saga

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
name: order-flow
version: 1
steps:
  - name: create_order
    timeout_ms: 1000
    max_retries: 2
    action:
      kind: command
      handler: create_order
    compensation:
      kind: command
      handler: cancel_order
  - name: notify
    action:
      kind: agentCall
      subject: sagas.agent.request
`

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "order.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if d.Name != "order-flow" || len(d.Steps) != 2 {
		t.Fatalf("unexpected definition: %+v", d)
	}
	if d.Steps[0].Compensation.Handler != "cancel_order" {
		t.Errorf("compensation handler = %q", d.Steps[0].Compensation.Handler)
	}
	if d.Steps[1].Action.Kind != KindAgentCall {
		t.Errorf("step 2 kind = %q, want agentCall", d.Steps[1].Action.Kind)
	}
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("name: broken\nsteps: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected validation error for empty steps")
	}
}

func TestLoadFromDirectoryMissingIsEmpty(t *testing.T) {
	defs, err := LoadFromDirectory(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing dir should not error, got %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("expected no definitions, got %d", len(defs))
	}
}

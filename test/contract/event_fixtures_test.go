package contract_test

import (
	"path/filepath"
	"testing"

	"github.com/botchat/botchat-backend/internal/tooling/validation"
)

// TestEventFixtures checks every fixture document against both the typed
// payload definitions and docs/EventPayloads.schema.json. Valid fixtures
// must pass both validators; invalid fixtures must fail both.
func TestEventFixtures(t *testing.T) {
	t.Parallel()

	schemaPath := filepath.Join("..", "..", "docs", "EventPayloads.schema.json")
	summary, err := validation.ValidateEventFixtures(schemaPath, "fixtures")
	if err != nil {
		t.Fatalf("validate fixtures: %v", err)
	}
	if summary.Total == 0 {
		t.Fatalf("no fixtures found")
	}
	if summary.Failed > 0 {
		t.Fatalf("%s", validation.RenderSummary(summary))
	}
}

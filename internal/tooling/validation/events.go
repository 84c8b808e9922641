// Package validation checks event-stream fixture documents against both the
// typed payload definitions and the published JSON schema. The two
// validators must agree; contract tests exercise them over a fixture corpus.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/botchat/botchat-backend/api/events"
)

// envelope is the fixture document shape: an event kind plus its payload.
type envelope struct {
	Kind events.Kind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// FixtureSummary reports fixture validation totals.
type FixtureSummary struct {
	Total    int
	Failed   int
	Failures []string
}

// ValidateEventFixtures walks root/<kind>/{valid,invalid}/*.json and checks
// every document with the typed validator and the schema. Valid fixtures
// must pass both; invalid fixtures must fail both.
func ValidateEventFixtures(schemaPath, root string) (FixtureSummary, error) {
	summary := FixtureSummary{}
	schema, err := CompileSchema(schemaPath)
	if err != nil {
		return summary, err
	}

	kinds, err := os.ReadDir(root)
	if err != nil {
		return summary, fmt.Errorf("read fixtures root %s: %w", root, err)
	}

	for _, kindDir := range kinds {
		if !kindDir.IsDir() {
			continue
		}
		for _, validity := range []struct {
			dir        string
			shouldPass bool
		}{
			{dir: "valid", shouldPass: true},
			{dir: "invalid", shouldPass: false},
		} {
			dir := filepath.Join(root, kindDir.Name(), validity.dir)
			names, err := fixtureNames(dir)
			if err != nil {
				return summary, err
			}
			for _, name := range names {
				summary.Total++
				path := filepath.Join(dir, name)
				raw, readErr := os.ReadFile(path)
				if readErr != nil {
					summary.Failed++
					summary.Failures = append(summary.Failures, fmt.Sprintf("%s: read error: %v", path, readErr))
					continue
				}

				typedErr := ValidateEvent(raw)
				schemaErr := validateAgainstSchema(schema, raw)

				if validity.shouldPass {
					if typedErr != nil || schemaErr != nil {
						summary.Failed++
						summary.Failures = append(summary.Failures,
							fmt.Sprintf("%s: expected valid, typed_err=%v schema_err=%v", path, typedErr, schemaErr))
					}
					continue
				}
				if typedErr == nil || schemaErr == nil {
					summary.Failed++
					summary.Failures = append(summary.Failures,
						fmt.Sprintf("%s: expected invalid by both validators, typed_err=%v schema_err=%v", path, typedErr, schemaErr))
				}
			}
		}
	}
	return summary, nil
}

func fixtureNames(dir string) ([]string, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", dir, err)
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			names = append(names, item.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// CompileSchema loads and compiles the event payload schema.
func CompileSchema(schemaPath string) (*jsonschema.Schema, error) {
	absPath, err := filepath.Abs(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("resolve schema path: %w", err)
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open schema file: %w", err)
	}
	defer f.Close()

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(absPath, f); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(absPath)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

// ValidateEvent type-checks one fixture envelope: known kind, strict payload
// decode, and the semantic constraints the wire contract requires.
func ValidateEvent(raw []byte) error {
	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return err
	}
	if err := env.Kind.Validate(); err != nil {
		return err
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: data is required", env.Kind)
	}

	switch env.Kind {
	case events.KindHello:
		var p events.Hello
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		return requireNonEmpty("hello", "run_id", p.RunID)
	case events.KindRunStart:
		var p events.RunStart
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		if p.RunID == "" {
			return fmt.Errorf("run_start: run_id is required")
		}
		if p.N < 0 {
			return fmt.Errorf("run_start: n must be >=0")
		}
		return nil
	case events.KindPanelStart:
		var p events.PanelStart
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		return requireNonEmpty("panel_start", "config_id", p.ConfigID)
	case events.KindPanelPrivacy:
		var p events.PanelPrivacy
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		return requireNonEmpty("panel_privacy", "config_id", p.ConfigID)
	case events.KindPanelToken:
		var p events.PanelToken
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		return requireNonEmpty("panel_token", "config_id", p.ConfigID)
	case events.KindPanelFinal:
		var p events.PanelFinal
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		return requireNonEmpty("panel_final", "config_id", p.ConfigID)
	case events.KindPanelCitations:
		var p events.PanelCitations
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		if err := requireNonEmpty("panel_citations", "config_id", p.ConfigID); err != nil {
			return err
		}
		for _, citation := range p.Citations {
			if citation.URL == "" {
				return fmt.Errorf("panel_citations: citation url is required")
			}
		}
		return nil
	case events.KindPanelError:
		var p events.PanelError
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		if err := requireNonEmpty("panel_error", "config_id", p.ConfigID); err != nil {
			return err
		}
		return requireNonEmpty("panel_error", "error", p.Error)
	case events.KindRunDone:
		var p events.RunDone
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		if err := requireNonEmpty("run_done", "run_id", p.RunID); err != nil {
			return err
		}
		if p.Quota != nil && (p.Quota.Used < 0 || p.Quota.Limit < 0 || p.Quota.Remaining < 0) {
			return fmt.Errorf("run_done: quota counters must be >=0")
		}
		return nil
	case events.KindRunError:
		var p events.RunError
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		if err := requireNonEmpty("run_error", "run_id", p.RunID); err != nil {
			return err
		}
		return requireNonEmpty("run_error", "error", p.Error)
	case events.KindPing:
		var p events.Ping
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		if p.T <= 0 {
			return fmt.Errorf("ping: t must be a positive unix timestamp")
		}
		return nil
	case events.KindGoodbye:
		var p events.Goodbye
		if err := strictUnmarshal(env.Data, &p); err != nil {
			return err
		}
		return requireNonEmpty("goodbye", "run_id", p.RunID)
	case events.KindSynthStart:
		var p events.SynthStart
		return strictUnmarshal(env.Data, &p)
	case events.KindSynthToken:
		var p events.SynthToken
		return strictUnmarshal(env.Data, &p)
	case events.KindSynthFinal:
		var p events.SynthFinal
		return strictUnmarshal(env.Data, &p)
	default:
		return fmt.Errorf("unsupported event kind: %q", env.Kind)
	}
}

func requireNonEmpty(kind, field, value string) error {
	if value == "" {
		return fmt.Errorf("%s: %s is required", kind, field)
	}
	return nil
}

// RenderSummary formats a summary for CLI and test output.
func RenderSummary(summary FixtureSummary) string {
	lines := []string{fmt.Sprintf("event fixtures: total=%d failed=%d", summary.Total, summary.Failed)}
	if len(summary.Failures) > 0 {
		lines = append(lines, "failures:")
		for _, f := range summary.Failures {
			lines = append(lines, "- "+f)
		}
	}
	return strings.Join(lines, "\n")
}

func strictUnmarshal(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	if err := dec.Decode(new(any)); err != io.EOF {
		return fmt.Errorf("unexpected trailing JSON payload")
	}
	return nil
}

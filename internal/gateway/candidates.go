package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/logging"
)

// Candidate is one proposed test block. Ephemeral: consumed by the applier
// and discarded after its verdict unless committed into the artifact.
type Candidate struct {
	Name     string   `json:"name"`
	Goal     string   `json:"goal"`
	Code     string   `json:"code"`
	Includes []string `json:"includes"`
}

// GenerationRequest carries everything the candidate source sees.
type GenerationRequest struct {
	SourcePath  string
	SourceText  string
	TestText    string
	MissedLines []int // optional targets; empty means "cover anything"
}

// RepairRequest asks for a whole-file replacement of a failing artifact.
type RepairRequest struct {
	SourceText  string
	TestText    string
	Diagnostics string
}

// Generator drives candidate generation and repair through an LLMClient.
type Generator struct {
	client LLMClient
}

// NewGenerator wraps an LLMClient.
func NewGenerator(client LLMClient) *Generator {
	return &Generator{client: client}
}

const generationSystemPrompt = `You are a C++ unit test generator using GoogleTest.
Generate focused, compilable TEST blocks for the code you are given.
Conventions:
- One behavior per TEST block, named Suite.Case style
- Use EXPECT_* assertions, ASSERT_* only when continuing makes no sense
- No main() function: the harness already exists
- List every extra header a test needs in its "includes" array
Respond with ONLY a JSON array, no prose.`

// BuildGenerationPrompt renders the request text for candidate generation.
// Exposed so the CLI can print it verbatim.
func BuildGenerationPrompt(req GenerationRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Generate unit tests for this C++ source file (%s):\n\n", req.SourcePath)
	sb.WriteString("--- SOURCE ---\n")
	sb.WriteString(req.SourceText)
	sb.WriteString("\n--- END SOURCE ---\n")

	if strings.TrimSpace(req.TestText) != "" {
		sb.WriteString("\nAn existing test file is shown below; do not repeat its tests.\n")
		sb.WriteString("--- CURRENT TESTS ---\n")
		sb.WriteString(req.TestText)
		sb.WriteString("\n--- END CURRENT TESTS ---\n")
	}

	if len(req.MissedLines) > 0 {
		fmt.Fprintf(&sb, "\nPrioritize covering these currently unexecuted source lines: %s\n",
			joinInts(req.MissedLines))
	}

	sb.WriteString(`
Reply with a JSON array of test candidates:
[{"name": "SuiteName.CaseName", "goal": "what it verifies", "code": "TEST(SuiteName, CaseName) { ... }", "includes": ["<vector>"]}]
`)
	return sb.String()
}

// Candidates asks the model for test candidates and parses the reply. A
// malformed or schema-invalid reply yields zero candidates and a logged
// warning, not an error; transport failures return a GatewayError.
func (g *Generator) Candidates(ctx context.Context, req GenerationRequest) ([]Candidate, error) {
	log := logging.Get(logging.CategoryGateway)

	reply, err := g.client.CompleteWithSystem(ctx, generationSystemPrompt, BuildGenerationPrompt(req))
	if err != nil {
		return nil, err
	}

	cands, err := ParseCandidates(reply)
	if err != nil {
		log.Warnw("discarding malformed candidate reply", "error", err)
		return nil, nil
	}
	log.Infow("candidates received", "count", len(cands))
	return cands, nil
}

// RawReply fetches one unparsed generation reply. Used by the CLI for
// inspecting what the model actually returns.
func (g *Generator) RawReply(ctx context.Context, req GenerationRequest) (string, error) {
	return g.client.CompleteWithSystem(ctx, generationSystemPrompt, BuildGenerationPrompt(req))
}

// ParseCandidates extracts the JSON candidate list from a raw reply.
// Candidates without a name or code are dropped individually.
func ParseCandidates(reply string) ([]Candidate, error) {
	payload := extractJSONArray(reply)
	if payload == "" {
		return nil, &SchemaError{Reason: "no JSON array in reply"}
	}

	var raw []Candidate
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, &SchemaError{Reason: "candidate list did not parse", Err: err}
	}

	cands := raw[:0]
	for _, c := range raw {
		c.Name = strings.TrimSpace(c.Name)
		c.Code = ExtractCodeBlock(c.Code, "cpp")
		if c.Name == "" || strings.TrimSpace(c.Code) == "" {
			continue
		}
		cands = append(cands, c)
	}
	return cands, nil
}

const repairSystemPrompt = `You are a C++ build doctor. You receive a source file, a failing
GoogleTest file, and the compiler/test diagnostics. Return the COMPLETE
corrected test file. Keep every passing test intact; change as little as
possible. Respond with only the file content, optionally fenced.`

// BuildRepairPrompt renders the repair request carrying the full source,
// the full failing artifact, and the most recent diagnostics.
func BuildRepairPrompt(req RepairRequest) string {
	var sb strings.Builder
	sb.WriteString("The following test file fails to build or run.\n\n")
	sb.WriteString("--- SOURCE UNDER TEST ---\n")
	sb.WriteString(req.SourceText)
	sb.WriteString("\n--- FAILING TEST FILE ---\n")
	sb.WriteString(req.TestText)
	sb.WriteString("\n--- DIAGNOSTICS ---\n")
	sb.WriteString(req.Diagnostics)
	sb.WriteString("\n--- END ---\n\nReturn the complete corrected test file:\n")
	return sb.String()
}

// Repair asks for a whole-file replacement and strips any fencing. The
// caller decides whether the reply made progress.
func (g *Generator) Repair(ctx context.Context, req RepairRequest) (string, error) {
	reply, err := g.client.CompleteWithSystem(ctx, repairSystemPrompt, BuildRepairPrompt(req))
	if err != nil {
		return "", err
	}
	return ExtractCodeBlock(reply, "cpp"), nil
}

// ExtractCodeBlock strips a markdown code fence from a reply. Without a
// fence the trimmed reply is returned as-is (it may already be raw code).
func ExtractCodeBlock(text, lang string) string {
	patterns := []string{
		"```" + lang + "\n",
		"```c++\n",
		"```\n",
	}
	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			if end := strings.Index(text[start:], "```"); end != -1 {
				return strings.TrimSpace(text[start : start+end])
			}
		}
	}
	return strings.TrimSpace(text)
}

// extractJSONArray finds the outermost JSON array in text.
func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func joinInts(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}

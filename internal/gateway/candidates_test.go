package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockLLMClient is a scriptable LLMClient for tests.
type MockLLMClient struct {
	CompleteFunc func(ctx context.Context, system, user string) (string, error)
	Calls        int
}

func (m *MockLLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *MockLLMClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	m.Calls++
	return m.CompleteFunc(ctx, system, user)
}

func TestParseCandidates(t *testing.T) {
	reply := `Here are some tests:
[
  {"name": "AddTest.Positive", "goal": "adds", "code": "TEST(AddTest, Positive) { EXPECT_EQ(add(1,2), 3); }", "includes": ["<limits>"]},
  {"name": "", "code": "TEST(X, Dropped) {}"},
  {"name": "AddTest.Fenced", "code": "` + "```cpp\\nTEST(AddTest, Fenced) {}\\n```" + `"}
]`

	cands, err := ParseCandidates(reply)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, "AddTest.Positive", cands[0].Name)
	assert.Equal(t, []string{"<limits>"}, cands[0].Includes)
	assert.Equal(t, "TEST(AddTest, Fenced) {}", cands[1].Code, "fences must be stripped")
}

func TestParseCandidatesMalformed(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"no array", "I could not produce tests, sorry."},
		{"broken json", `[{"name": "X.Y", "code": }]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCandidates(tt.reply)
			var schemaErr *SchemaError
			require.ErrorAs(t, err, &schemaErr)
		})
	}
}

func TestCandidatesRecoversFromSchemaError(t *testing.T) {
	client := &MockLLMClient{
		CompleteFunc: func(ctx context.Context, system, user string) (string, error) {
			return "not json at all", nil
		},
	}
	gen := NewGenerator(client)

	cands, err := gen.Candidates(context.Background(), GenerationRequest{SourceText: "int x;"})
	require.NoError(t, err, "schema failures become zero candidates, not errors")
	assert.Empty(t, cands)
}

func TestCandidatesPropagatesGatewayError(t *testing.T) {
	transport := errors.New("connection refused")
	client := &MockLLMClient{
		CompleteFunc: func(ctx context.Context, system, user string) (string, error) {
			return "", &GatewayError{Op: "completion", Err: transport}
		},
	}
	gen := NewGenerator(client)

	_, err := gen.Candidates(context.Background(), GenerationRequest{})
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.ErrorIs(t, err, transport)
}

func TestBuildGenerationPrompt(t *testing.T) {
	prompt := BuildGenerationPrompt(GenerationRequest{
		SourcePath:  "math.cpp",
		SourceText:  "int add(int a, int b) { return a + b; }",
		TestText:    "TEST(AddTest, Old) {}",
		MissedLines: []int{4, 9},
	})

	assert.Contains(t, prompt, "math.cpp")
	assert.Contains(t, prompt, "int add(int a, int b)")
	assert.Contains(t, prompt, "TEST(AddTest, Old)")
	assert.Contains(t, prompt, "4, 9")
}

func TestBuildRepairPromptCarriesEverything(t *testing.T) {
	prompt := BuildRepairPrompt(RepairRequest{
		SourceText:  "int id(int a);",
		TestText:    "TEST(Id, Broken) { EXPECT_EQ(id(1) 1); }",
		Diagnostics: "error: expected ')' before numeric constant",
	})

	for _, want := range []string{"int id(int a);", "EXPECT_EQ(id(1) 1)", "expected ')'"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("repair prompt missing %q", want)
		}
	}
}

func TestExtractCodeBlock(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"cpp fence", "```cpp\nint x;\n```", "int x;"},
		{"anonymous fence", "```\nint y;\n```", "int y;"},
		{"prose around fence", "Sure!\n```cpp\nint z;\n```\nHope that helps.", "int z;"},
		{"no fence", "  int raw;  ", "int raw;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCodeBlock(tt.in, "cpp"); got != tt.want {
				t.Errorf("ExtractCodeBlock = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRepairStripsFence(t *testing.T) {
	client := &MockLLMClient{
		CompleteFunc: func(ctx context.Context, system, user string) (string, error) {
			return "```cpp\n#include <gtest/gtest.h>\nTEST(S, Fixed) {}\n```", nil
		},
	}
	gen := NewGenerator(client)

	out, err := gen.Repair(context.Background(), RepairRequest{})
	require.NoError(t, err)
	assert.Equal(t, "#include <gtest/gtest.h>\nTEST(S, Fixed) {}", out)
}

package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dshills/archon-go/graph/model"
	"github.com/dshills/archon-go/plugin"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"Please FINISH now", LabelFinish},
		{"I'd like a new plugin for Slack", LabelCreateTool},
		{"add a retry loop", LabelCoder},
		{"Create Tool for weather", LabelCreateTool},
		{"finish, and create tool", LabelFinish},
		{"", LabelCoder},
		{"createtool", LabelCoder},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.msg))
		})
	}
}

func mixedCase(t *rapid.T, word, label string) string {
	var sb strings.Builder
	for i, r := range word {
		if rapid.Bool().Draw(t, label+string(rune('0'+i%10))) {
			sb.WriteString(strings.ToUpper(string(r)))
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func TestClassifyProperties(t *testing.T) {
	// No 'f', 't' or 'w' so the padding can never spell a keyword.
	padding := rapid.StringMatching(`[a-eg-su-vx-z ]{0,20}`)

	rapid.Check(t, func(t *rapid.T) {
		before := rapid.String().Draw(t, "before")
		after := rapid.String().Draw(t, "after")
		msg := before + mixedCase(t, "finish", "finish") + after
		if got := Classify(msg); got != LabelFinish {
			t.Fatalf("Classify(%q) = %q, want %q", msg, got, LabelFinish)
		}
	})

	rapid.Check(t, func(t *rapid.T) {
		keyword := rapid.SampledFrom([]string{"create tool", "new plugin"}).Draw(t, "keyword")
		msg := padding.Draw(t, "before") + mixedCase(t, keyword, "kw") + padding.Draw(t, "after")
		if got := Classify(msg); got != LabelCreateTool {
			t.Fatalf("Classify(%q) = %q, want %q", msg, got, LabelCreateTool)
		}
	})

	rapid.Check(t, func(t *rapid.T) {
		msg := padding.Draw(t, "msg")
		if got := Classify(msg); got != LabelCoder {
			t.Fatalf("Classify(%q) = %q, want %q", msg, got, LabelCoder)
		}
	})
}

func TestStepNamesAndRetries(t *testing.T) {
	want := map[string]int{
		NodeDefineScope:  2,
		NodeCoder:        2,
		NodeRoute:        1,
		NodeFinish:       1,
		NodeDiagnose:     1,
		NodeGenerateTool: 2,
		NodeFinalizeTool: 1,
	}
	got := map[string]int{}
	for _, s := range Steps(Deps{Models: Models{Primary: model.NewEchoModel()}}) {
		got[s.Name()] = s.MaxRetries()
	}
	assert.Equal(t, want, got)
}

func TestDefineScope(t *testing.T) {
	m := reply("a scope")
	res := (&DefineScope{Model: m}).Run(context.Background(), NewState("build a bot"))
	require.NoError(t, res.Err)
	assert.Equal(t, "a scope", res.Delta.Scope)

	call, ok := m.LastCall()
	require.True(t, ok)
	assert.Contains(t, call.Messages[len(call.Messages)-1].Content, "Analyze user request: build a bot")
}

func TestCode(t *testing.T) {
	m := reply("here is code")
	s := NewState("add logging")
	s.Scope = "the scope"
	s.Messages = []model.Message{{Role: model.RoleUser, Content: "earlier"}, {Role: model.RoleAssistant, Content: "reply"}}

	res := (&Code{Model: m}).Run(context.Background(), s)
	require.NoError(t, res.Err)
	assert.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "add logging"},
		{Role: model.RoleAssistant, Content: "here is code"},
	}, res.Delta.Messages)

	call, _ := m.LastCall()
	require.Len(t, call.Messages, 5)
	assert.Equal(t, model.RoleSystem, call.Messages[0].Role)
	assert.Contains(t, call.Messages[1].Content, "the scope")
	assert.Equal(t, "earlier", call.Messages[2].Content)
	assert.Equal(t, "add logging", call.Messages[4].Content)
}

func TestModelStepsFail(t *testing.T) {
	steps := []Step{
		&DefineScope{Model: failing(errBoom)},
		&Code{Model: failing(errBoom)},
		&FinishConversation{Model: failing(errBoom)},
		&GenerateToolCode{Model: failing(errBoom)},
	}
	for _, s := range steps {
		t.Run(s.Name(), func(t *testing.T) {
			res := s.Run(context.Background(), NewState("x"))
			require.Error(t, res.Err)
			var merr *model.Error
			require.ErrorAs(t, res.Err, &merr)
			assert.Equal(t, "mock", merr.Provider)
			assert.ErrorIs(t, res.Err, errBoom)
		})
	}
}

func TestFinishConversation(t *testing.T) {
	res := (&FinishConversation{Model: reply("Goodbye!")}).Run(context.Background(), NewState("finish"))
	require.NoError(t, res.Err)
	assert.Equal(t, []model.Message{{Role: model.RoleAssistant, Content: "Goodbye!"}}, res.Delta.Messages)
}

func TestDiagnoseErrors(t *testing.T) {
	t.Run("no errors", func(t *testing.T) {
		m := reply("unused")
		res := (&DiagnoseErrors{Model: m}).Run(context.Background(), NewState("x"))
		require.NoError(t, res.Err)
		assert.Equal(t, NoErrorsText, res.Delta.DiagnosticFeedback)
		assert.Zero(t, m.CallCount())
	})

	t.Run("last three entries", func(t *testing.T) {
		m := reply("try again")
		s := NewState("x")
		s.ErrorLog = []string{"e1", "e2", "e3", "e4"}

		res := (&DiagnoseErrors{Model: m}).Run(context.Background(), s)
		require.NoError(t, res.Err)
		assert.Equal(t, "try again", res.Delta.DiagnosticFeedback)

		call, _ := m.LastCall()
		prompt := call.Messages[len(call.Messages)-1].Content
		assert.NotContains(t, prompt, "e1")
		assert.Contains(t, prompt, "e2\n\ne3\n\ne4")
	})

	t.Run("model failure becomes feedback", func(t *testing.T) {
		s := NewState("x")
		s.ErrorLog = []string{"e1"}
		res := (&DiagnoseErrors{Model: failing(errBoom)}).Run(context.Background(), s)
		require.NoError(t, res.Err)
		assert.True(t, strings.HasPrefix(res.Delta.DiagnosticFeedback, "Diagnostic Agent failed: model mock: boom"))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := NewState("x")
		s.ErrorLog = []string{"e1"}
		res := (&DiagnoseErrors{Model: reply("x")}).Run(ctx, s)
		assert.ErrorIs(t, res.Err, context.Canceled)
	})
}

func TestGenerateToolCodeStripsFences(t *testing.T) {
	m := reply("```yaml\nname: greet\nkind: echo\n```")
	res := (&GenerateToolCode{Model: m}).Run(context.Background(), NewState("create tool greet"))
	require.NoError(t, res.Err)
	assert.Equal(t, "name: greet\nkind: echo", res.Delta.GeneratedCode)

	call, _ := m.LastCall()
	assert.Contains(t, call.Messages[0].Content, "kind is one of: echo, http, template")
}

func TestStripCodeFences(t *testing.T) {
	tests := map[string]string{
		"plain":                "plain",
		"  padded \n":          "padded",
		"```\nbody\n```":       "body",
		"```yaml\nbody\n```\n": "body",
		"```body```":           "body",
		"```":                  "",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripCodeFences(in), "input %q", in)
	}
}

func TestFinalizeNewTool(t *testing.T) {
	t.Run("empty code short-circuits", func(t *testing.T) {
		for _, code := range []string{"", "   ", "\n\t\n"} {
			r := &fakeReloader{}
			dir := filepath.Join(t.TempDir(), "plugins")
			s := NewState("x")
			s.GeneratedCode = code

			res := (&FinalizeNewTool{Plugins: r, Dir: dir}).Run(context.Background(), s)
			require.NoError(t, res.Err)
			assert.Equal(t, StatusNoCode, res.Delta.ToolCreationStatus)
			assert.Zero(t, r.Calls())
			_, err := os.Stat(dir)
			assert.True(t, os.IsNotExist(err), "nothing may be written")
		}
	})

	t.Run("writes and reloads", func(t *testing.T) {
		dir := t.TempDir()
		reg := plugin.NewRegistry(nil)
		s := NewState("x")
		s.GeneratedCode = "name: greet\ndescription: Greets\nkind: template\ntemplate: \"Hi {{.name}}\""

		res := (&FinalizeNewTool{Plugins: reg, Dir: dir}).Run(context.Background(), s)
		require.NoError(t, res.Err)
		assert.Equal(t, "Plugin created: tool_generated.yaml", res.Delta.ToolCreationStatus)

		_, ok := reg.Get("greet")
		assert.True(t, ok)
		assert.FileExists(t, filepath.Join(dir, plugin.GeneratedFileName))
	})

	t.Run("rejected manifest is removed", func(t *testing.T) {
		dir := t.TempDir()
		reg := plugin.NewRegistry(nil)
		s := NewState("x")
		s.GeneratedCode = "this is not a manifest: ["

		res := (&FinalizeNewTool{Plugins: reg, Dir: dir}).Run(context.Background(), s)
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "plugin rejected")
		assert.NoFileExists(t, filepath.Join(dir, plugin.GeneratedFileName))
		assert.Equal(t, 1, reg.Len())
	})

	t.Run("no registry", func(t *testing.T) {
		s := NewState("x")
		s.GeneratedCode = "name: a"
		res := (&FinalizeNewTool{Dir: t.TempDir()}).Run(context.Background(), s)
		require.Error(t, res.Err)
	})
}

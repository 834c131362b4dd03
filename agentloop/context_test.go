package agentloop

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/unifiedllm"
)

func resultsTurn(id, content string) Turn {
	return NewToolResultsTurn([]dispatch.ToolResult{{CallID: id, Name: "read_file", Content: content}})
}

func TestEnforceCompressesOldestHalf(t *testing.T) {
	m := NewContextManager(ContextConfig{ContextWindow: 10000, MessageBudget: 0.5}, CharEstimator{})
	m.Append(NewSystemTurn("You edit themes."))
	body := strings.Repeat("x", 4000)
	for i := 0; i < 6; i++ {
		m.Append(resultsTurn(string(rune('a'+i)), body))
	}

	if got := m.Estimate(); got <= m.Budget() {
		t.Fatalf("estimate %d should start over budget %d", got, m.Budget())
	}
	if n := m.Enforce(); n != 3 {
		t.Fatalf("compressed %d turns, want 3", n)
	}
	if m.Estimate() > m.Budget() {
		t.Errorf("still over budget: %d > %d", m.Estimate(), m.Budget())
	}

	turns := m.Turns()
	if turns[0].Compressed {
		t.Error("system turn was compressed")
	}
	for i := 1; i <= 3; i++ {
		if !turns[i].Compressed {
			t.Errorf("turn %d not compressed", i)
		}
		if !strings.Contains(turns[i].Results[0].Content, "characters omitted") {
			t.Errorf("turn %d body not squeezed", i)
		}
	}
	for i := 4; i <= 6; i++ {
		if turns[i].Compressed {
			t.Errorf("turn %d compressed, want only the oldest half", i)
		}
	}
}

func TestEnforceKeepsPinnedAndLatestResults(t *testing.T) {
	m := NewContextManager(ContextConfig{ContextWindow: 1000, MessageBudget: 0.5}, CharEstimator{})
	body := strings.Repeat("y", 4000)
	user := NewUserTurn(body)
	user.Pinned = true
	m.Append(user, resultsTurn("only", body))

	if n := m.Enforce(); n != 0 {
		t.Fatalf("compressed %d turns, want 0", n)
	}
	for i, turn := range m.Turns() {
		if turn.Compressed {
			t.Errorf("turn %d compressed", i)
		}
	}
}

func TestEnforceUnderBudgetIsNoop(t *testing.T) {
	m := NewContextManager(DefaultContextConfig(100000), nil)
	m.Append(NewSystemTurn("system"), NewUserTurn("make it blue"), resultsTurn("c1", "short"))
	if n := m.Enforce(); n != 0 {
		t.Errorf("compressed %d turns under budget", n)
	}
}

func TestMaybeAnchor(t *testing.T) {
	m := NewContextManager(ContextConfig{ContextWindow: 1000}, CharEstimator{})
	m.Append(NewSystemTurn("system"))

	m.RecordReads([]dispatch.FileRead{
		{Path: "assets/base.css", StartLine: 1, EndLine: 10},
		{Path: "assets/base.css", StartLine: 5, EndLine: 20},
		{Path: "assets/base.css", StartLine: 30, EndLine: 40},
	})
	m.Observe(unifiedllm.Usage{InputTokens: 100})
	if m.MaybeAnchor() {
		t.Fatal("anchored below the threshold")
	}

	m.Observe(unifiedllm.Usage{InputTokens: 700})
	if !m.MaybeAnchor() {
		t.Fatal("no anchor above the threshold")
	}
	if m.MaybeAnchor() {
		t.Error("anchored twice with the same recap")
	}

	m.RecordEdit("assets/base.css")
	if !m.MaybeAnchor() {
		t.Fatal("no anchor after a new edit")
	}

	var anchors []Turn
	for _, turn := range m.Turns() {
		if turn.Kind == TurnAnchor {
			anchors = append(anchors, turn)
		}
	}
	if len(anchors) != 2 {
		t.Fatalf("anchors = %d, want 2", len(anchors))
	}
	if anchors[0].Pinned || !anchors[1].Pinned {
		t.Error("only the newest anchor should be pinned")
	}
	latest := anchors[1].Content
	for _, want := range []string{"assets/base.css (lines 1-20, 30-40)", "assets/base.css (1 edits)"} {
		if !strings.Contains(latest, want) {
			t.Errorf("anchor missing %q:\n%s", want, latest)
		}
	}
}

func TestActivity(t *testing.T) {
	m := NewContextManager(DefaultContextConfig(0), nil)
	m.RecordReads([]dispatch.FileRead{{Path: "b.liquid", StartLine: 1, EndLine: 2}, {Path: "a.css", StartLine: 1, EndLine: 1}, {}})
	m.RecordEdit("a.css")
	read, edited := m.Activity()
	if strings.Join(read, ",") != "a.css,b.liquid" {
		t.Errorf("read = %v", read)
	}
	if strings.Join(edited, ",") != "a.css" {
		t.Errorf("edited = %v", edited)
	}
}

func assistantCalling(name, args string) Turn {
	return NewAssistantTurn("", []unifiedllm.ToolCall{{ID: "x", Name: name, Arguments: json.RawMessage(args)}}, unifiedllm.Usage{})
}

func TestDetectLoop(t *testing.T) {
	t.Run("repeated call", func(t *testing.T) {
		var history []Turn
		for i := 0; i < 10; i++ {
			history = append(history, assistantCalling("read_file", `{"ref":"a.css"}`))
		}
		if !DetectLoop(history, 10) {
			t.Error("loop not detected")
		}
	})

	t.Run("alternating pair", func(t *testing.T) {
		var history []Turn
		for i := 0; i < 5; i++ {
			history = append(history,
				assistantCalling("read_file", `{"ref":"a.css"}`),
				assistantCalling("search_files", `{"pattern":"button"}`))
		}
		if !DetectLoop(history, 10) {
			t.Error("loop not detected")
		}
	})

	t.Run("varied calls", func(t *testing.T) {
		var history []Turn
		for i := 0; i < 10; i++ {
			history = append(history, assistantCalling("read_file", `{"ref":"f`+string(rune('a'+i))+`"}`))
		}
		if DetectLoop(history, 10) {
			t.Error("false positive")
		}
	})

	t.Run("short history", func(t *testing.T) {
		history := []Turn{assistantCalling("read_file", `{}`), assistantCalling("read_file", `{}`)}
		if DetectLoop(history, 10) {
			t.Error("loop detected with fewer calls than the window")
		}
	})
}

func TestConvertHistoryToMessages(t *testing.T) {
	history := []Turn{
		NewSystemTurn("system"),
		NewUserTurn("make it blue"),
		assistantCalling("read_file", `{"ref":"a.css"}`),
		NewToolResultsTurn([]dispatch.ToolResult{
			{CallID: "x", Name: "read_file", Content: "one"},
			{CallID: "y", Name: "read_file", Content: "two", IsError: true},
		}),
		NewSteeringTurn("apply it"),
	}
	msgs := ConvertHistoryToMessages(history)
	if len(msgs) != 6 {
		t.Fatalf("messages = %d, want 6", len(msgs))
	}
	if !msgs[0].CacheHint || msgs[0].Role != unifiedllm.RoleSystem {
		t.Error("system message should carry the cache hint")
	}
	if msgs[2].Role != unifiedllm.RoleAssistant || len(msgs[2].ToolCalls()) != 1 {
		t.Errorf("assistant message = %+v", msgs[2])
	}
	if msgs[3].ToolCallID != "x" || msgs[4].ToolCallID != "y" {
		t.Error("tool results out of call order")
	}
	if msgs[5].Role != unifiedllm.RoleUser || msgs[5].TextContent() != "apply it" {
		t.Errorf("steering message = %+v", msgs[5])
	}
}

func TestSqueezeAndClipKeepValidUTF8(t *testing.T) {
	body := strings.Repeat("日本", 200)
	for keep := 10; keep < 14; keep++ {
		got := squeeze(body, keep)
		if !utf8.ValidString(got) {
			t.Errorf("squeeze(keep=%d) split a rune", keep)
		}
		if !strings.Contains(got, "characters omitted") {
			t.Errorf("squeeze(keep=%d) = %q", keep, got)
		}
	}
	for n := 1; n < 4; n++ {
		if got := clip("é"+body, n); !utf8.ValidString(got) {
			t.Errorf("clip(%d) = %q", n, got)
		}
	}
	if got := clip("short", 10); got != "short" {
		t.Errorf("clip kept %q", got)
	}
}

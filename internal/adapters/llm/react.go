package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// finalMarker opens the answer section of a ReAct reply.
const finalMarker = "Final Answer:"

var (
	finalAnswerRe = regexp.MustCompile(`(?is)Final\s*Answer:\s*(.*)`)
	thoughtRe     = regexp.MustCompile(`(?i)Thought:\s*([^\n]+)`)
	actionRe      = regexp.MustCompile(`(?i)Action:\s*([a-zA-Z][a-zA-Z0-9_.-]*)`)
	actionInputRe = regexp.MustCompile(`(?i)Action\s*Input:\s*`)
)

// reactInstructions builds the tool section of the system prompt for
// models driven through plain text.
func reactInstructions(tools []domain.ToolManifest, forceFinal bool) string {
	var b strings.Builder
	if forceFinal || len(tools) == 0 {
		b.WriteString("Answer using exactly this format:\n\n")
		b.WriteString("Thought: <your reasoning>\n")
		b.WriteString(finalMarker + " <your answer to the user>\n")
		return b.String()
	}

	b.WriteString("You have access to the following tools:\n\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if params := schemaParams(t.InputSchema); params != "" {
			fmt.Fprintf(&b, " (parameters: %s)", params)
		}
		b.WriteString("\n")
	}
	b.WriteString(`
To use a tool, reply with:

Thought: <why you need the tool>
Action: <tool name>
Action Input: <JSON object with the tool arguments>

Then stop and wait for the Observation. When you know the answer, reply with:

Thought: <your reasoning>
` + finalMarker + ` <your answer to the user>
`)
	return b.String()
}

// schemaParams summarizes the top-level properties of a JSON schema.
func schemaParams(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil || len(schema.Properties) == 0 {
		return ""
	}
	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		p := name
		if typ := schema.Properties[name].Type; typ != "" {
			p += " " + typ
		}
		if required[name] {
			p += ", required"
		}
		parts[i] = p
	}
	return strings.Join(parts, "; ")
}

// reactTranscript renders an assistant tool request the way the model
// is asked to write it.
func reactTranscript(m domain.Message) string {
	var b strings.Builder
	for i, c := range m.ToolCalls {
		if i > 0 {
			b.WriteString("\n")
		}
		if i == 0 && m.Content != "" {
			fmt.Fprintf(&b, "Thought: %s\n", m.Content)
		}
		args, err := json.Marshal(c.Arguments)
		if err != nil || c.Arguments == nil {
			args = []byte("{}")
		}
		fmt.Fprintf(&b, "Action: %s\nAction Input: %s", c.ToolName, args)
	}
	return b.String()
}

// parseReAct turns a text reply into a step. A reply with neither an
// action nor the final marker is taken as the answer itself.
func parseReAct(reply string) domain.ModelStep {
	var step domain.ModelStep
	if m := thoughtRe.FindStringSubmatch(reply); len(m) > 1 {
		step.Thought = strings.TrimSpace(m[1])
	}

	if m := finalAnswerRe.FindStringSubmatch(reply); len(m) > 1 {
		step.IsFinal = true
		step.FinalAnswer = strings.TrimSpace(m[1])
		return step
	}

	if m := actionRe.FindStringSubmatch(reply); len(m) > 1 {
		step.ToolCalls = []domain.ToolCall{{
			ToolName:  strings.TrimSpace(m[1]),
			Arguments: extractActionInput(reply),
		}}
		return step
	}

	step.IsFinal = true
	step.FinalAnswer = strings.TrimSpace(reply)
	return step
}

// extractActionInput finds the JSON object after "Action Input:" by
// brace depth, so nested objects survive. Unparseable input is passed
// through under "raw" for the schema check to reject.
func extractActionInput(reply string) map[string]any {
	loc := actionInputRe.FindStringIndex(reply)
	if loc == nil {
		return map[string]any{}
	}
	rest := reply[loc[1]:]
	start := strings.Index(rest, "{")
	if start < 0 {
		if line := strings.TrimSpace(firstLine(rest)); line != "" {
			return map[string]any{"raw": line}
		}
		return map[string]any{}
	}

	depth := 0
	inStr, escaped := false, false
	for i := start; i < len(rest); i++ {
		ch := rest[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inStr:
			escaped = true
		case ch == '"':
			inStr = !inStr
		case inStr:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				body := rest[start : i+1]
				var args map[string]any
				if err := json.Unmarshal([]byte(body), &args); err != nil {
					return map[string]any{"raw": body}
				}
				return args
			}
		}
	}
	return map[string]any{"raw": strings.TrimSpace(rest[start:])}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// answerStreamer forwards only the text after the final marker, so
// thoughts and tool requests never reach the client as answer chunks.
type answerStreamer struct {
	onChunk func(string)
	buf     strings.Builder
	sent    int
	open    bool
	lead    bool
}

func (s *answerStreamer) write(delta string) {
	s.buf.WriteString(delta)
	if s.onChunk == nil || delta == "" {
		return
	}
	text := s.buf.String()
	if !s.open {
		i := strings.Index(text, finalMarker)
		if i < 0 {
			return
		}
		s.open, s.lead = true, true
		s.sent = i + len(finalMarker)
	}
	if s.lead {
		for s.sent < len(text) && (text[s.sent] == ' ' || text[s.sent] == '\n') {
			s.sent++
		}
		s.lead = s.sent == len(text)
	}
	if s.sent < len(text) {
		s.onChunk(text[s.sent:])
		s.sent = len(text)
	}
}

func (s *answerStreamer) text() string { return s.buf.String() }

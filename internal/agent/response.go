package agent

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/scof256/hellodoctor-sub007/internal/intake"
)

// FallbackReply is shown to the patient when nothing usable came back.
const FallbackReply = "I'm sorry, I had trouble processing that. Could you please tell me again how you are feeling?"

// MaxPlainTextLength caps replies recovered from unstructured output.
const MaxPlainTextLength = 1000

const ellipsis = "..."

// AlternateReplyFields are probed, in order, when "reply" is empty.
var AlternateReplyFields = []string{"response", "message", "text", "content", "answer", "output"}

// ResultKind tags what the parser could make of the generator output.
type ResultKind int

const (
	KindEmpty ResultKind = iota
	KindStructured
	KindPlainText
)

func (k ResultKind) String() string {
	switch k {
	case KindStructured:
		return "structured"
	case KindPlainText:
		return "plain_text"
	default:
		return "empty"
	}
}

// Thought is the generator's reasoning block.
type Thought struct {
	DifferentialDiagnosis []string `json:"differentialDiagnosis"`
	MissingInformation    []string `json:"missingInformation"`
	Strategy              string   `json:"strategy"`
	NextMove              string   `json:"nextMove"`
}

// Payload is the expected shape of a structured reply.
type Payload struct {
	Thought     Thought            `json:"thought"`
	Reply       string             `json:"reply"`
	UpdatedData intake.MedicalData `json:"updatedData"`
	ActiveAgent string             `json:"activeAgent"`
}

// Parsed is the output of Parse. Fields and Payload are set only for
// KindStructured, Text only for KindPlainText.
type Parsed struct {
	Kind    ResultKind
	Payload Payload
	Fields  map[string]json.RawMessage
	Text    string
}

var (
	codeBlockRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	openFenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*.*$")
)

// Parse turns raw generator output into a tagged result. It never fails:
// unusable input comes back as KindEmpty.
func Parse(raw string) Parsed {
	if strings.TrimSpace(raw) == "" {
		return Parsed{Kind: KindEmpty}
	}
	if fields, ok := extractObject(raw); ok {
		return Parsed{Kind: KindStructured, Fields: fields, Payload: decodePayload(fields)}
	}
	if text := stripStructured(raw); text != "" {
		return Parsed{Kind: KindPlainText, Text: text}
	}
	return Parsed{Kind: KindEmpty}
}

// extractObject tries fenced code blocks first, then the outermost braces.
func extractObject(raw string) (map[string]json.RawMessage, bool) {
	for _, m := range codeBlockRe.FindAllStringSubmatch(raw, -1) {
		if fields, ok := decodeObject(m[1]); ok {
			return fields, true
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return decodeObject(raw[start : end+1])
	}
	return nil, false
}

func decodeObject(s string) (map[string]json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// decodePayload reads each known field on its own so one mistyped field
// does not discard the rest.
func decodePayload(fields map[string]json.RawMessage) Payload {
	var p Payload
	p.Reply = stringField(fields, "reply")
	p.ActiveAgent = stringField(fields, "activeAgent")
	if raw, ok := fields["updatedData"]; ok {
		_ = json.Unmarshal(raw, &p.UpdatedData)
	}
	if raw, ok := fields["thought"]; ok {
		var th map[string]json.RawMessage
		if json.Unmarshal(raw, &th) == nil {
			p.Thought.Strategy = stringField(th, "strategy")
			p.Thought.NextMove = firstString(th, "nextMove", "next_move")
			_ = json.Unmarshal(th["differentialDiagnosis"], &p.Thought.DifferentialDiagnosis)
			_ = json.Unmarshal(th["missingInformation"], &p.Thought.MissingInformation)
		}
	}
	return p
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

func firstString(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if s := stringField(fields, k); s != "" {
			return s
		}
	}
	return ""
}

// stripStructured removes fenced blocks and brace-delimited fragments,
// leaving only the prose around them.
func stripStructured(raw string) string {
	s := codeBlockRe.ReplaceAllString(raw, " ")
	s = openFenceRe.ReplaceAllString(s, " ")

	var b bytes.Buffer
	depth := 0
	for _, r := range s {
		switch {
		case r == '{' || r == '[':
			depth++
		case (r == '}' || r == ']') && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Validated is the outcome of validating one generator response.
type Validated struct {
	Reply     string
	Kind      ResultKind
	Payload   *Payload
	Valid     bool
	Recovered bool
	// Source names where Reply came from: "reply", an alternate field,
	// "thought.nextMove", "plain_text" or "fallback".
	Source string
}

// Validate applies the reply policies in order and always returns a
// non-empty Reply.
func Validate(raw string) (v Validated) {
	defer func() {
		if r := recover(); r != nil {
			v = fallback(KindEmpty, nil)
		}
	}()

	parsed := Parse(raw)
	switch parsed.Kind {
	case KindStructured:
		p := parsed.Payload
		if p.Reply != "" {
			return Validated{Reply: p.Reply, Kind: KindStructured, Payload: &p, Valid: true, Source: "reply"}
		}
		for _, name := range AlternateReplyFields {
			if s := stringField(parsed.Fields, name); s != "" {
				p.Reply = s
				return Validated{Reply: s, Kind: KindStructured, Payload: &p, Valid: true, Recovered: true, Source: name}
			}
		}
		if p.Thought.NextMove != "" {
			p.Reply = p.Thought.NextMove
			return Validated{Reply: p.Reply, Kind: KindStructured, Payload: &p, Valid: true, Recovered: true, Source: "thought.nextMove"}
		}
		return fallback(KindStructured, &p)
	case KindPlainText:
		return Validated{Reply: truncate(parsed.Text, MaxPlainTextLength), Kind: KindPlainText, Valid: true, Recovered: true, Source: "plain_text"}
	}
	return fallback(KindEmpty, nil)
}

func fallback(kind ResultKind, p *Payload) Validated {
	return Validated{Reply: FallbackReply, Kind: kind, Payload: p, Valid: false, Source: "fallback"}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-len(ellipsis)])) + ellipsis
}

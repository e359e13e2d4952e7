package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Analysis is the JSON object the model answers with on every chunk.
type Analysis struct {
	Messages          []OutgoingMessage `json:"messages"`
	Mood              string            `json:"mood,omitempty"`
	MoodReason        string            `json:"mood_reason,omitempty"`
	Activity          *ActivityUpdate   `json:"activity,omitempty"`
	FavorabilityJudge *Judgment         `json:"favorability_judge,omitempty"`
	Interest          *float64          `json:"interest,omitempty"`
}

// OutgoingMessage is one fragment to send.
type OutgoingMessage struct {
	Content string `json:"message_content"`
	ReplyTo string `json:"reply_message_id,omitempty"`
}

// ActivityUpdate sets what the assistant is doing, for Duration minutes.
type ActivityUpdate struct {
	Content  string `json:"content"`
	Duration int    `json:"duration"`
}

// Judgment nudges the favorability of the user called Target.
type Judgment struct {
	Target string `json:"target"`
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

const analysisSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["message_content"],
        "properties": {
          "message_content": {"type": "string"},
          "reply_message_id": {"type": ["string", "null"]}
        }
      }
    },
    "mood": {"type": ["string", "null"]},
    "mood_reason": {"type": ["string", "null"]},
    "activity": {
      "type": ["object", "null"],
      "required": ["content"],
      "properties": {
        "content": {"type": "string"},
        "duration": {"type": "integer"}
      }
    },
    "favorability_judge": {
      "type": ["object", "null"],
      "required": ["target", "score"],
      "properties": {
        "target": {"type": "string"},
        "score": {"type": "integer"},
        "reason": {"type": "string"}
      }
    },
    "interest": {"type": ["number", "null"]}
  }
}`

var (
	analysisSchema = jsonschema.MustCompileString("analysis.schema.json", analysisSchemaJSON)
	codeFence      = regexp.MustCompile("`{1,3}([a-zA-Z0-9]+)?")
)

// StripFences removes Markdown code fences (and their language tag) that
// models like to wrap JSON in.
func StripFences(chunk string) string {
	return strings.TrimSpace(codeFence.ReplaceAllString(chunk, ""))
}

// ParseAnalysis strips fences from chunk, validates it against the analysis
// schema and decodes it.
func ParseAnalysis(chunk string) (*Analysis, error) {
	raw := StripFences(chunk)

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := analysisSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema violation: %w", err)
	}

	var a Analysis
	if err := json.NewDecoder(bytes.NewReader([]byte(raw))).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &a, nil
}

// FormatInstructions describes the reply format for the system prompt.
const FormatInstructions = `Always answer with one JSON object and nothing else:
{
  "messages": [{"message_content": "text to send", "reply_message_id": "optional id of the message you answer"}],
  "mood": "optional new mood",
  "mood_reason": "why",
  "activity": {"content": "what you are doing", "duration": 10},
  "favorability_judge": {"target": "nickname", "score": 0, "reason": "why"},
  "interest": 0.5
}
Send an empty "messages" list to stay silent.`

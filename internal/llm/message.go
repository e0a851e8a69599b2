// Package llm holds the conversation types and the two provider transports:
// an OpenAI-compatible chat endpoint and a free-text GET endpoint.
package llm

import "context"

// Roles used in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role" bson:"role"`
	Content string `json:"content" bson:"content"`
}

// ChatRequest is the payload for a primary provider call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// ChatClient calls an OpenAI-compatible chat completions endpoint with the
// given credential. It returns the raw content of the first choice. Errors
// are classified with Classify.
type ChatClient interface {
	Complete(ctx context.Context, apiKey string, req ChatRequest) (string, error)
}

// Encoding is a way of embedding a prompt into a free-text request URL.
type Encoding int

const (
	EncodingPathPercent Encoding = iota // /prompt%20text
	EncodingPathPlus                    // /prompt+text
	EncodingQuery                       // ?prompt=prompt%20text
	EncodingPathDash                    // /prompt-text
)

// Encodings lists every Encoding in the order they should be attempted.
var Encodings = []Encoding{EncodingPathPercent, EncodingPathPlus, EncodingQuery, EncodingPathDash}

func (e Encoding) String() string {
	switch e {
	case EncodingPathPercent:
		return "path-percent"
	case EncodingPathPlus:
		return "path-plus"
	case EncodingQuery:
		return "query"
	case EncodingPathDash:
		return "path-dash"
	default:
		return "unknown"
	}
}

// TextClient fetches a free-text completion for prompt using encoding enc.
type TextClient interface {
	Generate(ctx context.Context, prompt string, enc Encoding) (string, error)
}

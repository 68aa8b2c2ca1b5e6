package deepgram

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound message discriminants. Anything not listed here decodes fine and
// is left for the caller to ignore.
const (
	TypeResults       = "Results"
	TypeMetadata      = "Metadata"
	TypeUtteranceEnd  = "UtteranceEnd"
	TypeSpeechStarted = "SpeechStarted"
	TypeError         = "Error"
)

// Word is a word-level timing from a Results message.
type Word struct {
	Word           string  `json:"word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
	PunctuatedWord string  `json:"punctuated_word,omitempty"`
}

// Alternative is one candidate transcription, best-ranked first.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words,omitempty"`
}

// Channel groups the alternatives of a Results message.
type Channel struct {
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// Metadata identifies the upstream request and model.
type Metadata struct {
	RequestID string `json:"request_id"`
	ModelInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"model_info"`
}

// APIError is a backend-reported error payload.
type APIError struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
}

func (e APIError) String() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Description)
	}
	return e.Message
}

// Message is the decoded envelope of one inbound text message.
type Message struct {
	Type        string    `json:"type"`
	Channel     *Channel  `json:"channel,omitempty"`
	Metadata    *Metadata `json:"metadata,omitempty"`
	Error       *APIError `json:"error,omitempty"`
	Duration    float64   `json:"duration,omitempty"`
	Start       float64   `json:"start,omitempty"`
	IsFinal     bool      `json:"is_final,omitempty"`
	SpeechFinal bool      `json:"speech_final,omitempty"`

	// UtteranceEnd / SpeechStarted extras.
	LastWordEnd float64 `json:"last_word_end,omitempty"`
	Timestamp   float64 `json:"timestamp,omitempty"`
}

// Decode parses one inbound text message. Messages without a type
// discriminant are rejected so dynamic field poking never happens upstream
// of the dispatcher.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("decode message: missing type discriminant")
	}
	return &msg, nil
}

// Final reports whether a Results message will not be revised further.
func (m *Message) Final() bool {
	return m.IsFinal || m.SpeechFinal
}

// BestAlternative returns the highest-ranked alternative of a Results
// message and whether its transcript has any content after trimming.
func (m *Message) BestAlternative() (Alternative, bool) {
	if m.Channel == nil || len(m.Channel.Alternatives) == 0 {
		return Alternative{}, false
	}
	alt := m.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return alt, false
	}
	return alt, true
}

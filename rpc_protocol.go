// tabflow/rpc_protocol.go
// Wire types for the editor-facing JSON-RPC protocol.
package tabflow

import "encoding/json"

// JSON-RPC standard and protocol-specific error codes.
const (
	JsonRpcParseError       = -32700
	JsonRpcInvalidRequest   = -32600
	JsonRpcMethodNotFound   = -32601
	JsonRpcInvalidParams    = -32602
	JsonRpcInternalError    = -32603
	JsonRpcRequestCancelled = -32800
	JsonRpcRequestFailed    = -32803
)

// ClientInfo identifies the connecting editor.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerInfo identifies this server to the editor.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerCapabilities advertises what the pipeline supports.
type ServerCapabilities struct {
	InlineCompletion bool `json:"inlineCompletion"`
	ListCompletion   bool `json:"listCompletion"`
	EditPrediction   bool `json:"editPrediction"`
}

// InitializeParams is sent by the editor on connection.
type InitializeParams struct {
	ProcessID  *int        `json:"processId,omitempty"`
	ClientInfo *ClientInfo `json:"clientInfo,omitempty"`
}

// InitializeResult is the handshake response.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// DocumentItem is a document as transferred on open.
type DocumentItem struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Version  int    `json:"version"`
	Text     string `json:"text"`
}

// DidOpenParams carries a newly opened document.
type DidOpenParams struct {
	Document DocumentItem `json:"document"`
}

// DidChangeParams carries the full replacement text of a changed document.
type DidChangeParams struct {
	DocumentID string `json:"documentId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// DidCloseParams identifies a closed document.
type DidCloseParams struct {
	DocumentID string `json:"documentId"`
}

// KeystrokeParams is one editor input event.
type KeystrokeParams struct {
	DocumentID  string   `json:"documentId"`
	Key         string   `json:"key"`
	Position    Position `json:"position"`
	Content     string   `json:"content,omitempty"` // Full post-keystroke text, optional.
	Language    string   `json:"language,omitempty"`
	TimestampMs int64    `json:"timestampMs,omitempty"`
}

// DidEditParams reports a committed edit for pattern learning.
type DidEditParams struct {
	DocumentID   string   `json:"documentId"`
	Range        Range    `json:"range"`
	OldText      string   `json:"oldText"`
	NewText      string   `json:"newText"`
	CursorBefore Position `json:"cursorBefore"`
	CursorAfter  Position `json:"cursorAfter"`
}

// InlineCompletionParams requests a completion at an explicit position.
type InlineCompletionParams struct {
	DocumentID string   `json:"documentId"`
	Position   Position `json:"position"`
}

// SuggestionPayload is the wire form of an inline suggestion.
type SuggestionPayload struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"documentId"`
	Text       string   `json:"text"`
	Position   Position `json:"position"`
	FromCache  bool     `json:"fromCache"`
}

// InlineCompletionResult wraps an optional suggestion.
type InlineCompletionResult struct {
	Suggestion *SuggestionPayload `json:"suggestion"`
}

// ListCompletionParams requests ranked candidates at a position.
type ListCompletionParams struct {
	DocumentID string   `json:"documentId"`
	Position   Position `json:"position"`
}

// CompletionItemPayload is one ranked list-mode candidate on the wire.
type CompletionItemPayload struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Detail string  `json:"detail,omitempty"`
}

// ListCompletionResult carries the ranked candidates.
type ListCompletionResult struct {
	Items []CompletionItemPayload `json:"items"`
}

// AcceptParams marks the current suggestion accepted, possibly partially.
type AcceptParams struct {
	Partial bool `json:"partial,omitempty"`
}

// PredictionParams requests edit predictions for a document position.
type PredictionParams struct {
	DocumentID string   `json:"documentId"`
	Position   Position `json:"position"`
}

// PredictionPayload is the wire form of an edit prediction.
type PredictionPayload struct {
	ID            string   `json:"id"`
	DocumentID    string   `json:"documentId"`
	Position      Position `json:"position"`
	PredictedText string   `json:"predictedText,omitempty"`
	Confidence    int      `json:"confidence"`
	Source        string   `json:"source"`
}

// PredictionListResult carries the ranked prediction list.
type PredictionListResult struct {
	Predictions []PredictionPayload `json:"predictions"`
}

// PredictionResult wraps a single optional prediction.
type PredictionResult struct {
	Prediction *PredictionPayload `json:"prediction"`
}

// MetricsResult combines pipeline counters with cache statistics.
type MetricsResult struct {
	Pipeline MetricsSnapshot `json:"pipeline"`
	Cache    CacheStats      `json:"cache"`
}

// DidChangeConfigurationParams wraps raw settings from the editor.
type DidChangeConfigurationParams struct {
	Settings json.RawMessage `json:"settings"`
}

// CancelParams identifies a request to cancel ($/cancelRequest).
type CancelParams struct {
	ID any `json:"id"`
}

// MessageType is the severity of a window/showMessage notification.
type MessageType int

const (
	MessageTypeError   MessageType = 1
	MessageTypeWarning MessageType = 2
	MessageTypeInfo    MessageType = 3
	MessageTypeLog     MessageType = 4
)

// ShowMessageParams asks the editor to display a message to the user.
type ShowMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func suggestionPayload(s *InlineSuggestion) *SuggestionPayload {
	if s == nil {
		return nil
	}
	return &SuggestionPayload{
		ID:         s.ID,
		DocumentID: s.DocumentID,
		Text:       s.Text,
		Position:   s.Position,
		FromCache:  s.FromCache,
	}
}

func predictionPayload(p *EditPrediction) *PredictionPayload {
	if p == nil {
		return nil
	}
	return &PredictionPayload{
		ID:            p.ID,
		DocumentID:    p.DocumentID,
		Position:      p.Position,
		PredictedText: p.PredictedText,
		Confidence:    p.Confidence,
		Source:        string(p.Source),
	}
}

func predictionPayloads(ps []EditPrediction) []PredictionPayload {
	out := make([]PredictionPayload, 0, len(ps))
	for i := range ps {
		out = append(out, *predictionPayload(&ps[i]))
	}
	return out
}

func completionPayloads(cs []Completion) []CompletionItemPayload {
	out := make([]CompletionItemPayload, 0, len(cs))
	for _, c := range cs {
		out = append(out, CompletionItemPayload{Text: c.Text, Score: c.Score, Detail: c.Detail})
	}
	return out
}

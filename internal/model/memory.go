package model

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system" // reserved for injected summaries
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ChatMessage is one turn in a session transcript.
// Seq is assigned by the durable log and totally orders a session.
type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// MemoryContext is the per-turn view assembled from every memory tier.
type MemoryContext struct {
	HistoryMessages   []ChatMessage `json:"history_messages"`
	Summary           string        `json:"summary"`
	KnowledgeSnippets []string      `json:"knowledge_snippets"`
}

// MemoryUpdate is one turn's delta, broadcast to all tiers after a model reply.
type MemoryUpdate struct {
	NewMessage           *ChatMessage `json:"new_message,omitempty"`
	AbilityLog           string       `json:"ability_log,omitempty"`
	ShouldForceSummarize bool         `json:"should_force_summarize"`
}

// HasMessage reports whether the update carries a non-empty message.
func (u MemoryUpdate) HasMessage() bool {
	return u.NewMessage != nil && u.NewMessage.Content != ""
}

// Entity types written by the long-term tier.
const (
	EntitySummary    = "summary"
	EntityAbilityLog = "ability_log"
	EntityFact       = "fact"
)

// StructuredMemoryEntity is a durable long-term memory record.
// Content never changes after the first write; corrections are new entities.
type StructuredMemoryEntity struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	SessionID       string     `json:"session_id,omitempty"`
	Type            string     `json:"type"`
	Content         string     `json:"content"`
	ImportanceScore float64    `json:"importance_score"`
	Watermark       int64      `json:"watermark,omitempty"` // last message Seq covered by a summary
	CreatedAt       time.Time  `json:"created_at"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
}

// TaskExecutionContext is the live state of one in-flight workflow.
type TaskExecutionContext struct {
	WorkflowID      string          `json:"workflow_id"`
	StepID          string          `json:"step_id"`
	ContextData     json.RawMessage `json:"context_data,omitempty"`
	ToolCallHistory json.RawMessage `json:"tool_call_history,omitempty"`
	DecisionPath    []string        `json:"decision_path,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ToolCallRecord is one entry of a TaskExecutionContext tool call log.
type ToolCallRecord struct {
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToolCalls decodes the tool call log.
func (t *TaskExecutionContext) ToolCalls() ([]ToolCallRecord, error) {
	if len(t.ToolCallHistory) == 0 {
		return nil, nil
	}
	var calls []ToolCallRecord
	if err := json.Unmarshal(t.ToolCallHistory, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// WithToolCall returns a copy of t with rec appended to the tool call log.
func (t TaskExecutionContext) WithToolCall(rec ToolCallRecord) (TaskExecutionContext, error) {
	calls, err := t.ToolCalls()
	if err != nil {
		return t, err
	}
	calls = append(calls, rec)
	data, err := json.Marshal(calls)
	if err != nil {
		return t, err
	}
	t.ToolCallHistory = data
	t.DecisionPath = append([]string(nil), t.DecisionPath...)
	return t, nil
}

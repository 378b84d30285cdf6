package main

import "time"

// DeliberationState tracks whether a conversation has a council run in flight
type DeliberationState string

const (
	StateIdle   DeliberationState = "idle"
	StateActive DeliberationState = "active"
	StateError  DeliberationState = "error"
)

// PromptSections are the ordered building blocks of a personality's system prompt
type PromptSections struct {
	Identity        string `json:"identity" yaml:"identity"`
	Interpretation  string `json:"interpretation,omitempty" yaml:"interpretation"`
	Decomposition   string `json:"decomposition,omitempty" yaml:"decomposition"`
	Reasoning       string `json:"reasoning,omitempty" yaml:"reasoning"`
	Differentiation string `json:"differentiation,omitempty" yaml:"differentiation"`
	Tone            string `json:"tone,omitempty" yaml:"tone"`
}

// Personality is a named, prompt-configured wrapper around a backing model.
// ID is stable and unique; it is never derived from the display name.
type Personality struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Model       string         `json:"model" yaml:"model"`
	Temperature float64        `json:"temperature" yaml:"temperature"`
	Prompt      PromptSections `json:"prompt" yaml:"prompt"`
}

// DeliberationRequest is the immutable input to one full council run.
// The personality list is a snapshot taken at start; it is never re-read
// mid-deliberation.
type DeliberationRequest struct {
	ConversationID string
	Query          string
	History        []ChatMessage
	Personalities  []Personality
	Strategy       string
	GenerateTitle  bool
}

// Message represents a single message in a conversation
type Message struct {
	Role          string                  `json:"role"`
	Content       string                  `json:"content,omitempty"`
	Stage1        []StageOneResult        `json:"stage1,omitempty"`
	Stage2        []StageTwoResult        `json:"stage2,omitempty"`
	Stage3        *SynthesisResult        `json:"stage3,omitempty"`
	Metadata      *DeliberationMetadata   `json:"metadata,omitempty"`
	Contributions []ConsensusContribution `json:"contributions,omitempty"`
}

// Conversation represents a full conversation with all messages
type Conversation struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Title     string            `json:"title"`
	State     DeliberationState `json:"deliberation_state"`
	Messages  []Message         `json:"messages"`
}

// ConversationMetadata represents conversation list metadata
type ConversationMetadata struct {
	ID           string            `json:"id"`
	CreatedAt    time.Time         `json:"created_at"`
	Title        string            `json:"title"`
	State        DeliberationState `json:"deliberation_state"`
	MessageCount int               `json:"message_count"`
}

// StageOneResult is one personality's first-opinion attempt.
// Failed attempts stay in the list with OK=false so the caller can see
// who abstained; only OK results move on to peer review.
type StageOneResult struct {
	PersonalityID string        `json:"personality_id"`
	Personality   string        `json:"personality"`
	Model         string        `json:"model"`
	Response      string        `json:"response,omitempty"`
	OK            bool          `json:"ok"`
	Error         string        `json:"error,omitempty"`
	Latency       time.Duration `json:"latency_ms"`
}

// StageTwoResult is one reviewer's ranking of the anonymized responses.
// ParsedRanking holds bare labels ("A", "B", ...); empty means the raw
// text could not be parsed, which excludes it from aggregation but is
// not an error.
type StageTwoResult struct {
	PersonalityID string   `json:"personality_id"`
	Personality   string   `json:"personality"`
	Ranking       string   `json:"ranking,omitempty"`
	ParsedRanking []string `json:"parsed_ranking"`
	OK            bool     `json:"ok"`
	Error         string   `json:"error,omitempty"`
}

// AggregateRanking is a computed view over StageTwoResults for one
// personality. Personalities that appear in zero rankings get no entry
// at all rather than a zero score.
type AggregateRanking struct {
	PersonalityID string  `json:"personality_id"`
	Personality   string  `json:"personality"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
	WinRate       float64 `json:"win_rate"`
}

// SynthesisResult is the chairman's final answer
type SynthesisResult struct {
	Model    string `json:"model"`
	Strategy string `json:"strategy"`
	Response string `json:"response"`
}

// ConsensusContribution is an advisory attribution produced by the
// chairman under a consensus strategy. Weights need not sum to 1.
type ConsensusContribution struct {
	PersonalityID string  `json:"personality_id"`
	Weight        float64 `json:"weight"`
	Reason        string  `json:"reason,omitempty"`
}

// DeliberationMetadata carries the label map and aggregate rankings
// alongside the final answer
type DeliberationMetadata struct {
	LabelToPersonality map[string]string  `json:"label_to_personality"`
	AggregateRankings  []AggregateRanking `json:"aggregate_rankings"`
}

// DeliberationResult bundles everything a finished run persists
type DeliberationResult struct {
	Stage1        []StageOneResult
	Stage2        []StageTwoResult
	Stage3        *SynthesisResult
	Metadata      *DeliberationMetadata
	Contributions []ConsensusContribution
}

// Event types emitted by the state machine, in stage order
const (
	EventStage1Start    = "stage1_start"
	EventStage1Complete = "stage1_complete"
	EventStage2Start    = "stage2_start"
	EventStage2Complete = "stage2_complete"
	EventStage3Start    = "stage3_start"
	EventStage3Complete = "stage3_complete"
	EventTitleComplete  = "title_complete"
	EventComplete       = "complete"
	EventError          = "error"
)

// Event is one progress notification pushed onto the bridge queue
type Event struct {
	Type     string      `json:"type"`
	Data     interface{} `json:"data,omitempty"`
	Metadata interface{} `json:"metadata,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// ChatMessage represents a message for the chat-completions API
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents a request to the chat-completions API
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

// ChatAPIResponse represents the upstream API response structure
type ChatAPIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// SendMessageRequest represents a request to send a message
type SendMessageRequest struct {
	Content  string `json:"content"`
	Strategy string `json:"strategy,omitempty"`
}

// SendMessageResponse represents the response after a full synchronous run
type SendMessageResponse struct {
	Stage1        []StageOneResult        `json:"stage1"`
	Stage2        []StageTwoResult        `json:"stage2"`
	Stage3        SynthesisResult         `json:"stage3"`
	Metadata      DeliberationMetadata    `json:"metadata"`
	Contributions []ConsensusContribution `json:"contributions,omitempty"`
}

package gryag

import (
	"encoding/json"
	"math"
)

// --- Domain types (database records) ---

// Message roles. The bot's own replies are stored with RoleModel.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// MediaKind classifies a media descriptor.
type MediaKind string

const (
	MediaImage     MediaKind = "image"
	MediaVideo     MediaKind = "video"
	MediaAudio     MediaKind = "audio"
	MediaDocument  MediaKind = "document"
	MediaSticker   MediaKind = "sticker"
	MediaAnimation MediaKind = "animation"
)

// Media describes one attachment on a message. Exactly one of Data (inline
// bytes) or URI is set.
type Media struct {
	Kind    MediaKind `json:"kind"`
	MIME    string    `json:"mime"`
	Size    int64     `json:"size,omitempty"`
	Data    []byte    `json:"data,omitempty"`
	URI     string    `json:"uri,omitempty"`
	Caption string    `json:"caption,omitempty"`
}

// Inline reports whether the media carries inline bytes rather than a URI.
func (m Media) Inline() bool { return len(m.Data) > 0 }

// ExternalIDs are transport-assigned identifiers. They are stored as strings
// end-to-end to preserve full 64-bit precision and never participate in
// foreign-key relations; the internal integer id is the sole join key.
type ExternalIDs struct {
	MessageID        string `json:"message_id,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	ReplyToUserID    string `json:"reply_to_user_id,omitempty"`
}

// Message is one persisted conversation row. Text and metadata are immutable
// after ingest; the embedding is backfilled asynchronously.
type Message struct {
	ID        int64             `json:"id"`
	ChatID    int64             `json:"chat_id"`
	ThreadID  int64             `json:"thread_id,omitempty"` // 0 when the chat has no topics
	UserID    int64             `json:"user_id"`
	Role      string            `json:"role"`
	Text      string            `json:"text"`
	Media     []Media           `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"-"`
	External  ExternalIDs       `json:"external"`
	CreatedAt int64             `json:"created_at"`
}

// ScoredMessage pairs a message with a retrieval score in [0, 1].
type ScoredMessage struct {
	Message
	Score float64 `json:"score"`
}

// --- Facts ---

// EntityKind distinguishes the subject a fact describes.
type EntityKind string

const (
	EntityUser EntityKind = "user"
	EntityChat EntityKind = "chat"
)

// EntityRef identifies a fact subject: a user (positive id) or a chat
// (signed id, typically negative for groups).
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   int64      `json:"id"`
}

// UserEntity builds a user EntityRef.
func UserEntity(id int64) EntityRef { return EntityRef{Kind: EntityUser, ID: id} }

// ChatEntity builds a chat EntityRef.
func ChatEntity(id int64) EntityRef { return EntityRef{Kind: EntityChat, ID: id} }

// FactCategory is the closed category set for facts.
type FactCategory string

const (
	CategoryPersonal     FactCategory = "personal"
	CategoryPreference   FactCategory = "preference"
	CategorySkill        FactCategory = "skill"
	CategoryInterest     FactCategory = "interest"
	CategoryLanguage     FactCategory = "language"
	CategoryLocation     FactCategory = "location"
	CategoryRelationship FactCategory = "relationship"
	CategoryRule         FactCategory = "rule"
	CategoryTrait        FactCategory = "trait"
	CategoryStyle        FactCategory = "style"
	CategoryTopic        FactCategory = "topic"
	CategoryNorm         FactCategory = "norm"
	CategoryCulture      FactCategory = "culture"
)

var factCategories = map[FactCategory]bool{
	CategoryPersonal: true, CategoryPreference: true, CategorySkill: true,
	CategoryInterest: true, CategoryLanguage: true, CategoryLocation: true,
	CategoryRelationship: true, CategoryRule: true, CategoryTrait: true,
	CategoryStyle: true, CategoryTopic: true, CategoryNorm: true,
	CategoryCulture: true,
}

// KnownCategory reports whether c is in the closed category set.
func KnownCategory(c FactCategory) bool { return factCategories[c] }

// ConfidenceFloor is the minimum effective confidence after temporal decay.
const ConfidenceFloor = 0.1

// Fact is one learned fact about an entity. (entity, category, key) is
// unique among active facts.
type Fact struct {
	ID              int64        `json:"id"`
	Entity          EntityRef    `json:"entity"`
	ChatContext     int64        `json:"chat_context,omitempty"` // chat a user fact was learned in; 0 = none
	Category        FactCategory `json:"category"`
	Key             string       `json:"key"`
	Value           string       `json:"value"`
	Confidence      float64      `json:"confidence"`
	EvidenceCount   int          `json:"evidence_count"`
	Evidence        string       `json:"evidence,omitempty"`
	SourceMessageID int64        `json:"source_message_id,omitempty"` // 0 = none
	Embedding       []float32    `json:"-"`
	DecayRate       float64      `json:"decay_rate"` // per day
	CreatedAt       int64        `json:"created_at"`
	UpdatedAt       int64        `json:"updated_at"`
	Active          bool         `json:"active"`
}

// EffectiveConfidence applies read-time temporal decay:
// confidence × exp(−decay_rate × age_days), clamped to ConfidenceFloor.
func (f Fact) EffectiveConfidence(now int64) float64 {
	if f.DecayRate <= 0 {
		return f.Confidence
	}
	ageDays := float64(now-f.UpdatedAt) / 86400
	if ageDays < 0 {
		ageDays = 0
	}
	eff := f.Confidence * math.Exp(-f.DecayRate*ageDays)
	if eff < ConfidenceFloor {
		return ConfidenceFloor
	}
	return eff
}

// ScoredFact pairs a fact with a semantic similarity score.
type ScoredFact struct {
	Fact
	Score float64 `json:"score"`
}

// FactChange is the version-log change type.
type FactChange string

const (
	ChangeNone       FactChange = ""
	ChangeCreated    FactChange = "created"
	ChangeReinforced FactChange = "reinforced"
	ChangeEvolved    FactChange = "evolved"
	ChangeCorrected  FactChange = "corrected"
	ChangeSuperseded FactChange = "superseded"
	ChangeDeleted    FactChange = "deleted"
)

// FactVersion is one append-only version-log row.
type FactVersion struct {
	ID              int64      `json:"id"`
	FactID          int64      `json:"fact_id"`
	Change          FactChange `json:"change"`
	ConfidenceDelta float64    `json:"confidence_delta"`
	PriorValue      string     `json:"prior_value,omitempty"`
	NewValue        string     `json:"new_value,omitempty"`
	CreatedAt       int64      `json:"created_at"`
}

// --- Episodes ---

// Valence is the emotional tone of an episode.
type Valence string

const (
	ValencePositive Valence = "positive"
	ValenceNegative Valence = "negative"
	ValenceNeutral  Valence = "neutral"
	ValenceMixed    Valence = "mixed"
)

// KnownValence reports whether v is in the fixed valence set.
func KnownValence(v Valence) bool {
	switch v {
	case ValencePositive, ValenceNegative, ValenceNeutral, ValenceMixed:
		return true
	}
	return false
}

// Episode is a durable summary of a bounded conversation window.
// MessageIDs is non-empty and strictly increasing; the retention pruner
// never deletes a message referenced by an episode.
type Episode struct {
	ID           int64     `json:"id"`
	ChatID       int64     `json:"chat_id"`
	ThreadID     int64     `json:"thread_id,omitempty"`
	Participants []int64   `json:"participants"`
	Topic        string    `json:"topic"`
	Summary      string    `json:"summary"`
	Valence      Valence   `json:"valence"`
	Tags         []string  `json:"tags,omitempty"`
	MessageIDs   []int64   `json:"message_ids"`
	Importance   float64   `json:"importance"`
	Embedding    []float32 `json:"-"`
	CreatedAt    int64     `json:"created_at"`
}

// ScoredEpisode pairs an episode with a semantic similarity score.
type ScoredEpisode struct {
	Episode
	Score float64 `json:"score"`
}

// --- System prompts ---

// GlobalScope is the chat id of the global prompt scope.
const GlobalScope int64 = 0

// PromptRecord is one versioned system-prompt row. At most one record is
// active per scope; activating a version deactivates the prior one.
type PromptRecord struct {
	ID        int64  `json:"id"`
	ChatID    int64  `json:"chat_id"` // GlobalScope for the global prompt
	Version   int    `json:"version"`
	Body      string `json:"body"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
}

// --- LLM protocol types ---

// Part is one piece of a turn: text, a media item, a tool call the model
// issued, or the result returned for one.
type Part struct {
	Text       string      `json:"text,omitempty"`
	Media      *Media      `json:"media,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart builds a text-only part.
func TextPart(text string) Part { return Part{Text: text} }

// Turn is one conversational turn in the structured history shape.
type Turn struct {
	Role  string `json:"role"` // RoleUser or RoleModel
	Parts []Part `json:"parts"`
}

// GenerateRequest is the outbound LLM generation contract.
type GenerateRequest struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	History   []Turn           `json:"history,omitempty"`
	UserParts []Part           `json:"user_parts"`
	Tools     []ToolDefinition `json:"tools,omitempty"` // omitted when the model lacks tool support
}

// GenerateResponse is the LLM's reply.
type GenerateResponse struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage is token accounting for one LLM call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult carries a tool's serialized output back to the model.
type ToolResult struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ToolDefinition declares one callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Incoming message from the transport ---

// IncomingMessage is a transport-level message before persistence.
// External ids are strings; see ExternalIDs.
type IncomingMessage struct {
	ExternalID            string
	ChatID                int64
	ThreadID              int64
	UserID                int64
	DisplayName           string
	Username              string
	Timestamp             int64
	Text                  string
	Media                 []Media
	ReplyToExternalID     string
	ReplyToExternalUserID string
	Addressed             bool // mention, reply to the bot, or private chat
}

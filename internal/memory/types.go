package memory

import "time"

// Role identifies the speaker of a conversation record.
type Role string

const (
	RoleActor  Role = "actor"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// SummaryPrefix marks system records written by the compactor.
const SummaryPrefix = "[Previous conversation summary] "

// SourceConversation tags facts extracted from dialogue.
const SourceConversation = "conversation"

// Conversation is one dialogue record. Timestamp is unix milliseconds.
type Conversation struct {
	ID        int64
	Actor     string
	Role      Role
	Content   string
	Timestamp int64
}

// Time returns the record timestamp as a time.Time.
func (c Conversation) Time() time.Time { return time.UnixMilli(c.Timestamp) }

// Fact is a durable statement remembered about an actor.
type Fact struct {
	ID        int64
	Actor     string
	Text      string
	Source    string
	CreatedAt int64
}

// QuestState is the last reported quest progress for an actor.
type QuestState struct {
	Actor               string
	Stage               string
	CompletedObjectives []string
	StartedAt           int64
	LastInteraction     int64
}

// Stats summarizes the store for status output.
type Stats struct {
	Actors        int
	Conversations int
	Summaries     int
	Facts         int
}

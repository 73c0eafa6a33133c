// Package collab runs multi-agent collaboration sessions (debate, ensemble,
// pipeline, critique, swarm) on top of the orchestrator and the bus.
package collab

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode identifies a collaboration pattern.
type Mode string

// Collaboration modes.
const (
	ModeDebate   Mode = "debate"
	ModeEnsemble Mode = "ensemble"
	ModePipeline Mode = "pipeline"
	ModeCritique Mode = "critique"
	ModeSwarm    Mode = "swarm"
)

// EntryType classifies a transcript entry.
type EntryType string

// Transcript entry types.
const (
	EntryArgument    EntryType = "argument"
	EntryRebuttal    EntryType = "rebuttal"
	EntryVerdict     EntryType = "verdict"
	EntryOutput      EntryType = "output"
	EntryStageOutput EntryType = "stage_output"
	EntryDraft       EntryType = "draft"
	EntryCritique    EntryType = "critique"
	EntryNote        EntryType = "note"
	EntrySynthesis   EntryType = "synthesis"
)

// TranscriptEntry is one contribution to a session, in session order.
type TranscriptEntry struct {
	Seq        int       `json:"seq"`
	Type       EntryType `json:"type"`
	Round      int       `json:"round"`
	AgentID    string    `json:"agent_id,omitempty"`
	Content    any       `json:"content,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Result is the unified outcome of a collaboration session.
type Result struct {
	SessionID    string            `json:"session_id"`
	Mode         Mode              `json:"mode"`
	Output       any               `json:"output,omitempty"`
	Confidence   float64           `json:"confidence"`
	Agreement    float64           `json:"agreement,omitempty"` // ensemble only
	Participants []string          `json:"participants"`
	Transcript   []TranscriptEntry `json:"transcript"`
	Rounds       int               `json:"rounds"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// Session is the mutable state of one in-flight collaboration. Sessions are
// destroyed once they produce a terminal result; only snapshots escape.
type Session struct {
	ID           string
	Mode         Mode
	Participants []string
	StartedAt    time.Time

	mu         sync.Mutex
	round      int
	transcript []TranscriptEntry
}

func newSession(mode Mode, participants []string) *Session {
	return &Session{
		ID:           uuid.New().String(),
		Mode:         mode,
		Participants: append([]string(nil), participants...),
		StartedAt:    time.Now().UTC(),
	}
}

// append records a transcript entry and returns it with its sequence number.
func (s *Session) append(entryType EntryType, round int, agentID string, content any, confidence float64) TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := TranscriptEntry{
		Seq:        len(s.transcript) + 1,
		Type:       entryType,
		Round:      round,
		AgentID:    agentID,
		Content:    content,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
	s.transcript = append(s.transcript, entry)
	if round > s.round {
		s.round = round
	}
	return entry
}

// addParticipant records an agent discovered mid-session (swarm assignment).
func (s *Session) addParticipant(agentID string) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.Participants {
		if id == agentID {
			return
		}
	}
	s.Participants = append(s.Participants, agentID)
}

// Transcript returns a copy of the entries so far.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptEntry(nil), s.transcript...)
}

// Round is the highest round recorded so far.
func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// finalize builds the terminal result from the session state.
func (s *Session) finalize(output any, confidence, agreement float64) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &Result{
		SessionID:    s.ID,
		Mode:         s.Mode,
		Output:       output,
		Confidence:   confidence,
		Agreement:    agreement,
		Participants: append([]string(nil), s.Participants...),
		Transcript:   append([]TranscriptEntry(nil), s.transcript...),
		Rounds:       s.round,
		StartedAt:    s.StartedAt,
		CompletedAt:  time.Now().UTC(),
	}
}

// SessionInfo is the read-only view of an active session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Mode         Mode      `json:"mode"`
	Participants []string  `json:"participants"`
	Round        int       `json:"round"`
	Entries      int       `json:"entries"`
	StartedAt    time.Time `json:"started_at"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:           s.ID,
		Mode:         s.Mode,
		Participants: append([]string(nil), s.Participants...),
		Round:        s.round,
		Entries:      len(s.transcript),
		StartedAt:    s.StartedAt,
	}
}

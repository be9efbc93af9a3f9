package voice

import (
	"time"

	"github.com/google/uuid"
)

type TurnOutcome string

const (
	TurnSpoken      TurnOutcome = "spoken"
	TurnUnspoken    TurnOutcome = "unspoken"
	TurnSkipped     TurnOutcome = "skipped"
	TurnInterrupted TurnOutcome = "interrupted"
	TurnAbandoned   TurnOutcome = "abandoned"
)

// Turn is one user utterance and the reply spoken for it.
type Turn struct {
	ID         string      `json:"id"`
	InputText  string      `json:"input_text"`
	OutputText string      `json:"output_text,omitempty"`
	Backend    string      `json:"backend,omitempty"`
	Outcome    TurnOutcome `json:"outcome,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	RepliedAt  time.Time   `json:"replied_at,omitempty"`
	EndedAt    time.Time   `json:"ended_at,omitempty"`
}

func newTurn(input string, at time.Time) *Turn {
	return &Turn{ID: uuid.NewString(), InputText: input, StartedAt: at}
}

func (t *Turn) closed() bool { return t == nil || !t.EndedAt.IsZero() }

func (t *Turn) close(outcome TurnOutcome, at time.Time) {
	if t.closed() {
		return
	}
	t.Outcome = outcome
	t.EndedAt = at
}

func (t *Turn) clone() *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

package model

import "time"

// Phase is the current stage within a round.
type Phase string

const (
	PhaseNews     Phase = "NEWS"
	PhaseQuiz     Phase = "QUIZ"
	PhaseTrading  Phase = "TRADING"
	PhaseResults  Phase = "RESULTS"
	PhaseFinished Phase = "FINISHED"
)

// PhaseDurations are reported in whole seconds.
type PhaseDurations struct {
	News    int `json:"news"`
	Quiz    int `json:"quiz"`
	Trading int `json:"trading"`
	Results int `json:"results"`
}

// GameState is a consistent snapshot of the scheduler. It is never persisted.
type GameState struct {
	CurrentRound int   `json:"currentRound"`
	TotalRounds  int   `json:"totalRounds"`
	Phase        Phase `json:"phase"`
	// TimeRemaining is in whole seconds, rounded up.
	TimeRemaining   int            `json:"timeRemaining"`
	IsActive        bool           `json:"isActive"`
	AwaitingAdvance bool           `json:"awaitingAdvance"`
	StartTime       *time.Time     `json:"startTime,omitempty"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	PhaseEndsAt     *time.Time     `json:"phaseEndsAt,omitempty"`
	Durations       PhaseDurations `json:"phaseDurations"`
}

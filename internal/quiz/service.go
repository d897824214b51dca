// Package quiz runs the per-round quiz: question views, answer submission
// with rewards, forced resubmission and the administrative clears.
package quiz

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-game/internal/apperr"
	"github.com/atmx/trading-game/internal/config"
	"github.com/atmx/trading-game/internal/metrics"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/store"
)

// Gate exposes the game state and admits submissions only during the quiz.
type Gate interface {
	State() model.GameState
	Guard(phase model.Phase, fn func(state model.GameState) error) error
}

// Service is the reward engine.
type Service struct {
	store       store.Store
	gate        Gate
	bonusRate   decimal.Decimal
	scoreReward int
	reversal    string
	scale       int32
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a quiz service from the quiz section of the config.
func NewService(st store.Store, gate Gate, cfg config.QuizConfig, scale int32, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		gate:        gate,
		bonusRate:   cfg.BonusRate,
		scoreReward: cfg.ScoreReward,
		reversal:    cfg.Reversal,
		scale:       scale,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// QuestionView is a question with its answer key withheld.
type QuestionView struct {
	ID        int64           `json:"id"`
	Round     int             `json:"roundNumber"`
	Question  string          `json:"question"`
	Options   []string        `json:"options"`
	GameState model.GameState `json:"gameState"`
}

// GetQuestion returns the question of the current round while the quiz phase
// is open.
func (s *Service) GetQuestion(ctx context.Context, round int) (*QuestionView, error) {
	state := s.gate.State()
	switch {
	case !state.IsActive:
		return nil, apperr.WrongPhase("game is not running")
	case round != state.CurrentRound:
		return nil, apperr.Validation("round %d is not the current round %d", round, state.CurrentRound)
	case state.Phase != model.PhaseQuiz:
		return nil, apperr.WrongPhase("quiz is not open: current phase is %s", state.Phase)
	}

	q, err := s.store.GetQuestionByRound(ctx, round)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("no question for round %d", round)
	}
	if err != nil {
		return nil, apperr.Internal("get question", err)
	}
	return &QuestionView{
		ID:        q.ID,
		Round:     q.Round,
		Question:  q.Question,
		Options:   q.Options,
		GameState: state,
	}, nil
}

// Submission is a team's answer.
type Submission struct {
	TeamID         int64
	QuestionID     int64
	SelectedAnswer int
	// Force replaces an earlier answer and reverses its reward.
	Force bool
}

// Result is the outcome of a submission.
type Result struct {
	Correct       bool            `json:"correct"`
	CorrectAnswer int             `json:"correctAnswer"`
	Bonus         decimal.Decimal `json:"bonus"`
	NewBalance    decimal.Decimal `json:"newBalance"`
	QuizScore     int             `json:"quizScore"`
	ForceMode     bool            `json:"forceMode"`
	// Reversed is the bonus taken back from a replaced correct answer.
	Reversed decimal.Decimal `json:"reversed"`
}

// Submit records an answer and pays the reward when it is correct. The whole
// operation, including any reversal of a replaced answer, is one unit of work.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Result, error) {
	if sub.TeamID <= 0 || sub.QuestionID <= 0 {
		return nil, apperr.Validation("teamId and questionId are required")
	}
	if sub.SelectedAnswer < 0 {
		return nil, apperr.Validation("selectedAnswer must not be negative")
	}

	var res *Result
	err := s.gate.Guard(model.PhaseQuiz, func(state model.GameState) error {
		var err error
		res, err = s.submit(ctx, sub, state.CurrentRound)
		return err
	})
	if err != nil {
		return nil, s.translate(err)
	}

	metrics.QuizSubmissions.WithLabelValues(strconv.FormatBool(res.Correct)).Inc()
	s.logger.Info("quiz answer submitted",
		"team_id", sub.TeamID,
		"question_id", sub.QuestionID,
		"correct", res.Correct,
		"bonus", res.Bonus.String(),
		"reversed", res.Reversed.String(),
		"force", sub.Force,
	)
	return res, nil
}

func (s *Service) submit(ctx context.Context, sub Submission, round int) (*Result, error) {
	var res *Result
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		q, err := tx.GetQuestion(ctx, sub.QuestionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("question %d not found", sub.QuestionID)
		}
		if err != nil {
			return err
		}
		if q.Round != round {
			return apperr.Validation("question %d is not for the current round %d", q.ID, round)
		}
		if sub.SelectedAnswer >= len(q.Options) {
			return apperr.Validation("selectedAnswer %d is out of range", sub.SelectedAnswer)
		}

		team, err := tx.LockTeam(ctx, sub.TeamID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("team %d not found", sub.TeamID)
		}
		if err != nil {
			return err
		}

		reversed := decimal.Zero
		prev, err := tx.GetSubmission(ctx, team.ID, q.ID)
		switch {
		case err == nil && !sub.Force:
			return apperr.AlreadySubmitted(team.ID, q.ID)
		case err == nil:
			if err := tx.DeleteSubmission(ctx, prev.ID); err != nil {
				return err
			}
			if prev.IsCorrect {
				reversed = s.revoke(team, prev)
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		correct := sub.SelectedAnswer == q.CorrectAnswer
		bonus := decimal.Zero
		if correct {
			bonus = s.grant(team)
		}

		if err := tx.InsertSubmission(ctx, &model.QuizSubmission{
			ID:             uuid.New().String(),
			TeamID:         team.ID,
			QuestionID:     q.ID,
			Round:          round,
			SelectedAnswer: sub.SelectedAnswer,
			IsCorrect:      correct,
			Bonus:          bonus,
			SubmittedAt:    s.now(),
		}); err != nil {
			return err
		}
		if err := tx.UpdateTeam(ctx, team); err != nil {
			return err
		}

		res = &Result{
			Correct:       correct,
			CorrectAnswer: q.CorrectAnswer,
			Bonus:         bonus,
			NewBalance:    team.Balance,
			QuizScore:     team.QuizScore,
			ForceMode:     sub.Force,
			Reversed:      reversed,
		}
		return nil
	})
	return res, err
}

// GrantReward credits the quiz bonus to a team and returns the amount.
func (s *Service) GrantReward(ctx context.Context, teamID int64) (decimal.Decimal, error) {
	var bonus decimal.Decimal
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		team, err := tx.LockTeam(ctx, teamID)
		if err != nil {
			return err
		}
		bonus = s.grant(team)
		return tx.UpdateTeam(ctx, team)
	})
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, apperr.NotFound("team %d not found", teamID)
	}
	if err != nil {
		return decimal.Zero, s.translate(err)
	}
	return bonus, nil
}

// grant applies bonus = round(balance * rate) and the score reward.
func (s *Service) grant(team *model.Team) decimal.Decimal {
	bonus := team.Balance.Mul(s.bonusRate).Round(s.scale)
	team.Balance = team.Balance.Add(bonus)
	team.QuizScore += s.scoreReward
	return bonus
}

// revoke takes back a replaced answer's reward, flooring balance and score
// at zero, and returns the amount actually debited.
func (s *Service) revoke(team *model.Team, prev *model.QuizSubmission) decimal.Decimal {
	amount := prev.Bonus
	if s.reversal == config.ReversalApproximate {
		amount = team.Balance.Mul(s.bonusRate).Round(s.scale)
	}
	if amount.GreaterThan(team.Balance) {
		amount = team.Balance
	}
	team.Balance = team.Balance.Sub(amount)
	team.QuizScore = max(0, team.QuizScore-s.scoreReward)
	return amount
}

// SubmissionView is a submission with its team's identity.
type SubmissionView struct {
	model.QuizSubmission
	TeamCode string `json:"teamCode"`
	TeamName string `json:"teamName"`
}

// Statistics summarise a round's answers. Accuracy is a percentage rounded
// to two decimals.
type Statistics struct {
	TotalSubmissions   int             `json:"totalSubmissions"`
	CorrectSubmissions int             `json:"correctSubmissions"`
	Accuracy           decimal.Decimal `json:"accuracy"`
}

// RoundResults are all answers for one round, oldest first.
type RoundResults struct {
	Round         int              `json:"roundNumber"`
	Question      string           `json:"question,omitempty"`
	CorrectAnswer *int             `json:"correctAnswer,omitempty"`
	Submissions   []SubmissionView `json:"submissions"`
	Statistics    Statistics       `json:"statistics"`
}

// Results lists a round's submissions with statistics.
func (s *Service) Results(ctx context.Context, round int) (*RoundResults, error) {
	subs, err := s.store.ListSubmissionsByRound(ctx, round)
	if err != nil {
		return nil, apperr.Internal("list submissions", err)
	}
	teams, err := s.store.ListTeams(ctx)
	if err != nil {
		return nil, apperr.Internal("list teams", err)
	}
	byID := make(map[int64]model.Team, len(teams))
	for _, t := range teams {
		byID[t.ID] = t
	}

	out := &RoundResults{Round: round, Submissions: make([]SubmissionView, 0, len(subs))}
	if q, err := s.store.GetQuestionByRound(ctx, round); err == nil {
		out.Question = q.Question
		out.CorrectAnswer = &q.CorrectAnswer
	}

	for _, sub := range subs {
		t := byID[sub.TeamID]
		out.Submissions = append(out.Submissions, SubmissionView{QuizSubmission: sub, TeamCode: t.Code, TeamName: t.Name})
		if sub.IsCorrect {
			out.Statistics.CorrectSubmissions++
		}
	}
	out.Statistics.TotalSubmissions = len(subs)
	out.Statistics.Accuracy = decimal.Zero
	if len(subs) > 0 {
		out.Statistics.Accuracy = decimal.NewFromInt(int64(out.Statistics.CorrectSubmissions)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(len(subs)))).
			Round(2)
	}
	return out, nil
}

// ClearAll deletes every submission. Rewards already paid are kept.
func (s *Service) ClearAll(ctx context.Context) (int64, error) {
	return s.clear(ctx, store.SubmissionFilter{})
}

// ClearForTeamRound deletes one team's submissions for a round so it can
// answer again.
func (s *Service) ClearForTeamRound(ctx context.Context, teamID int64, round int) (int64, error) {
	if teamID <= 0 || round <= 0 {
		return 0, apperr.Validation("teamId and round must be positive")
	}
	return s.clear(ctx, store.SubmissionFilter{TeamID: teamID, Round: round})
}

func (s *Service) clear(ctx context.Context, filter store.SubmissionFilter) (int64, error) {
	var n int64
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.DeleteSubmissions(ctx, filter)
		return err
	})
	if err != nil {
		return 0, s.translate(err)
	}
	s.logger.Info("quiz submissions cleared", "team_id", filter.TeamID, "round", filter.Round, "deleted", n)
	return n, nil
}

func (s *Service) translate(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	s.logger.Error("quiz operation failed", "error", err)
	return apperr.Internal("quiz", err)
}

// Package seed holds the initial data set a game is created from and reset to.
package seed

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/trading-game/internal/model"
)

//go:embed default.yaml
var defaultYAML []byte

// Data is a complete seed data set.
type Data struct {
	Teams       []Team       `yaml:"teams"`
	Instruments []Instrument `yaml:"instruments"`
	Questions   []Question   `yaml:"questions"`
	Events      []Event      `yaml:"events"`
}

type Team struct {
	Code    string          `yaml:"code"`
	Name    string          `yaml:"name"`
	Balance decimal.Decimal `yaml:"balance"`
}

type Instrument struct {
	Symbol      string          `yaml:"symbol"`
	Name        string          `yaml:"name"`
	Price       decimal.Decimal `yaml:"price"`
	Category    string          `yaml:"category"`
	Description string          `yaml:"description"`
}

type Question struct {
	Round    int      `yaml:"round"`
	Question string   `yaml:"question"`
	Options  []string `yaml:"options"`
	Correct  int      `yaml:"correct"`
}

type Event struct {
	Round   int                        `yaml:"round"`
	Title   string                     `yaml:"title"`
	Content string                     `yaml:"content"`
	Shocks  map[string]decimal.Decimal `yaml:"shocks"`
	// Inactive events are stored but skipped when prices are applied.
	Inactive bool `yaml:"inactive"`
}

// Default returns the embedded data set.
func Default() (*Data, error) {
	return Parse(defaultYAML)
}

// Load reads a data set from a YAML file. An empty path yields Default.
func Load(path string) (*Data, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML data set.
func Parse(b []byte) (*Data, error) {
	var d Data
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse seed yaml: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks uniqueness and value ranges.
func (d *Data) Validate() error {
	var errs []error

	if len(d.Teams) == 0 {
		errs = append(errs, errors.New("seed: at least one team is required"))
	}
	codes := make(map[string]bool)
	for _, t := range d.Teams {
		if t.Code == "" {
			errs = append(errs, errors.New("seed: team code is required"))
		}
		if codes[t.Code] {
			errs = append(errs, fmt.Errorf("seed: duplicate team code %s", t.Code))
		}
		codes[t.Code] = true
		if t.Balance.IsNegative() {
			errs = append(errs, fmt.Errorf("seed: team %s has a negative balance", t.Code))
		}
	}

	symbols := make(map[string]bool)
	for _, in := range d.Instruments {
		if in.Symbol == "" {
			errs = append(errs, errors.New("seed: instrument symbol is required"))
		}
		if symbols[in.Symbol] {
			errs = append(errs, fmt.Errorf("seed: duplicate instrument symbol %s", in.Symbol))
		}
		symbols[in.Symbol] = true
		if !in.Price.IsPositive() {
			errs = append(errs, fmt.Errorf("seed: instrument %s price must be positive", in.Symbol))
		}
	}

	rounds := make(map[int]bool)
	for _, q := range d.Questions {
		if rounds[q.Round] {
			errs = append(errs, fmt.Errorf("seed: more than one question for round %d", q.Round))
		}
		rounds[q.Round] = true
		if q.Correct < 0 || q.Correct >= len(q.Options) {
			errs = append(errs, fmt.Errorf("seed: question for round %d has no option %d", q.Round, q.Correct))
		}
	}

	for _, e := range d.Events {
		if e.Round < 1 {
			errs = append(errs, fmt.Errorf("seed: event %q has invalid round %d", e.Title, e.Round))
		}
	}

	return errors.Join(errs...)
}

// ModelTeams converts the seed teams, assigning ids in order starting at 1.
func (d *Data) ModelTeams() []model.Team {
	out := make([]model.Team, len(d.Teams))
	for i, t := range d.Teams {
		out[i] = model.Team{ID: int64(i + 1), Code: t.Code, Name: t.Name, Balance: t.Balance}
	}
	return out
}

// ModelInstruments converts the seed instruments, assigning ids in order.
func (d *Data) ModelInstruments() []model.Instrument {
	out := make([]model.Instrument, len(d.Instruments))
	for i, in := range d.Instruments {
		out[i] = model.Instrument{
			ID:           int64(i + 1),
			Symbol:       in.Symbol,
			Name:         in.Name,
			CurrentPrice: in.Price,
			Category:     in.Category,
			Description:  in.Description,
		}
	}
	return out
}

// ModelQuestions converts the seed questions, assigning ids in order.
func (d *Data) ModelQuestions() []model.QuizQuestion {
	out := make([]model.QuizQuestion, len(d.Questions))
	for i, q := range d.Questions {
		out[i] = model.QuizQuestion{
			ID:            int64(i + 1),
			Round:         q.Round,
			Question:      q.Question,
			Options:       append([]string(nil), q.Options...),
			CorrectAnswer: q.Correct,
		}
	}
	return out
}

// ModelEvents converts the seed events, assigning ids in order.
func (d *Data) ModelEvents() []model.NewsEvent {
	out := make([]model.NewsEvent, len(d.Events))
	for i, e := range d.Events {
		shocks := make(map[string]decimal.Decimal, len(e.Shocks))
		for sym, pct := range e.Shocks {
			shocks[sym] = pct
		}
		out[i] = model.NewsEvent{
			ID:             int64(i + 1),
			Round:          e.Round,
			Title:          e.Title,
			Content:        e.Content,
			AffectedStocks: shocks,
			Active:         !e.Inactive,
		}
	}
	return out
}

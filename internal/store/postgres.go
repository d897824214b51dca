package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/seed"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	pgReader
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pgReader: pgReader{q: pool}}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Seed(ctx context.Context, data *seed.Data) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, t := range data.ModelTeams() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO teams (code, name, balance) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (code) DO NOTHING`,
			t.Code, t.Name, t.Balance.String()); err != nil {
			return fmt.Errorf("seed team %s: %w", t.Code, err)
		}
	}
	for _, in := range data.ModelInstruments() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO instruments (symbol, name, current_price, category, description)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5)
			 ON CONFLICT (symbol) DO NOTHING`,
			in.Symbol, in.Name, in.CurrentPrice.String(), in.Category, in.Description); err != nil {
			return fmt.Errorf("seed instrument %s: %w", in.Symbol, err)
		}
	}
	for _, q := range data.ModelQuestions() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO quiz_questions (round_number, question, options, correct_answer)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (round_number) DO UPDATE
			 SET question = EXCLUDED.question, options = EXCLUDED.options,
			     correct_answer = EXCLUDED.correct_answer`,
			q.Round, q.Question, q.Options, q.CorrectAnswer); err != nil {
			return fmt.Errorf("seed question for round %d: %w", q.Round, err)
		}
	}
	for _, e := range data.ModelEvents() {
		shocks, err := json.Marshal(e.AffectedStocks)
		if err != nil {
			return fmt.Errorf("encode shocks for %q: %w", e.Title, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO news_events (round_number, title, content, affected_stocks, is_active)
			 VALUES ($1, $2, $3, $4::JSONB, $5)
			 ON CONFLICT (round_number, title) DO NOTHING`,
			e.Round, e.Title, e.Content, string(shocks), e.Active); err != nil {
			return fmt.Errorf("seed event %q: %w", e.Title, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Reset(ctx context.Context, data *seed.Data) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM quiz_submissions`,
		`DELETE FROM ledger_entries`,
		`DELETE FROM holdings`,
		`UPDATE teams SET esg_score = 0, quiz_score = 0`,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	for _, t := range data.Teams {
		if _, err := tx.Exec(ctx,
			`UPDATE teams SET balance = $2::NUMERIC WHERE code = $1`,
			t.Code, t.Balance.String()); err != nil {
			return fmt.Errorf("reset team %s: %w", t.Code, err)
		}
	}
	for _, in := range data.Instruments {
		if _, err := tx.Exec(ctx,
			`UPDATE instruments SET current_price = $2::NUMERIC WHERE symbol = $1`,
			in.Symbol, in.Price.String()); err != nil {
			return fmt.Errorf("reset instrument %s: %w", in.Symbol, err)
		}
	}
	return tx.Commit(ctx)
}

// notFound maps pgx.ErrNoRows onto ErrNotFound.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// --- Reads, shared by the pool and open transactions ---

type pgReader struct {
	q querier
}

const teamColumns = `id, code, name, balance::TEXT, esg_score, quiz_score`

func scanTeam(row pgx.Row) (*model.Team, error) {
	var t model.Team
	var balance string
	if err := row.Scan(&t.ID, &t.Code, &t.Name, &balance, &t.ESGScore, &t.QuizScore); err != nil {
		return nil, err
	}
	t.Balance, _ = decimal.NewFromString(balance)
	return &t, nil
}

func (r pgReader) GetTeam(ctx context.Context, id int64) (*model.Team, error) {
	t, err := scanTeam(r.q.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get team %d", id)
	}
	return t, nil
}

func (r pgReader) GetTeamByCode(ctx context.Context, code string) (*model.Team, error) {
	t, err := scanTeam(r.q.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE code = $1`, code))
	if err != nil {
		return nil, notFound(err, "get team %s", code)
	}
	return t, nil
}

func (r pgReader) ListTeams(ctx context.Context) ([]model.Team, error) {
	rows, err := r.q.Query(ctx, `SELECT `+teamColumns+` FROM teams ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, *t)
	}
	return teams, rows.Err()
}

const instrumentColumns = `id, symbol, name, current_price::TEXT, category, description`

func scanInstrument(row pgx.Row) (*model.Instrument, error) {
	var in model.Instrument
	var price string
	if err := row.Scan(&in.ID, &in.Symbol, &in.Name, &price, &in.Category, &in.Description); err != nil {
		return nil, err
	}
	in.CurrentPrice, _ = decimal.NewFromString(price)
	return &in, nil
}

func (r pgReader) GetInstrument(ctx context.Context, id int64) (*model.Instrument, error) {
	in, err := scanInstrument(r.q.QueryRow(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get instrument %d", id)
	}
	return in, nil
}

func (r pgReader) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	in, err := scanInstrument(r.q.QueryRow(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, notFound(err, "get instrument %s", symbol)
	}
	return in, nil
}

func (r pgReader) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := r.q.Query(ctx, `SELECT `+instrumentColumns+` FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

const holdingColumns = `id, team_id, instrument_id, quantity, average_cost::TEXT`

func scanHolding(row pgx.Row) (*model.Holding, error) {
	var h model.Holding
	var avg string
	if err := row.Scan(&h.ID, &h.TeamID, &h.InstrumentID, &h.Quantity, &avg); err != nil {
		return nil, err
	}
	h.AverageCost, _ = decimal.NewFromString(avg)
	return &h, nil
}

func (r pgReader) GetHolding(ctx context.Context, teamID, instrumentID int64) (*model.Holding, error) {
	h, err := scanHolding(r.q.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE team_id = $1 AND instrument_id = $2`,
		teamID, instrumentID))
	if err != nil {
		return nil, notFound(err, "get holding %d/%d", teamID, instrumentID)
	}
	return h, nil
}

func (r pgReader) ListHoldings(ctx context.Context, teamID int64) ([]model.Holding, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE team_id = $1 ORDER BY instrument_id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

const ledgerColumns = `id, team_id, instrument_id, round, side, quantity, price::TEXT, fee::TEXT, created_at`

func (r pgReader) ListLedgerEntriesByTeam(ctx context.Context, teamID int64, limit int) ([]model.LedgerEntry, error) {
	return r.queryLedger(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE team_id = $1
		 ORDER BY created_at DESC, id LIMIT $2`, teamID, limitOrAll(limit))
}

func (r pgReader) ListLedgerEntriesByInstrument(ctx context.Context, instrumentID int64, limit int) ([]model.LedgerEntry, error) {
	return r.queryLedger(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE instrument_id = $1
		 ORDER BY created_at DESC, id LIMIT $2`, instrumentID, limitOrAll(limit))
}

func (r pgReader) ListLedgerEntriesByRound(ctx context.Context, round int) ([]model.LedgerEntry, error) {
	return r.queryLedger(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE round = $1
		 ORDER BY created_at DESC, id`, round)
}

// limitOrAll turns a non-positive limit into NULL, which LIMIT treats as
// no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (r pgReader) queryLedger(ctx context.Context, sql string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var priceS, feeS string
		if err := rows.Scan(&e.ID, &e.TeamID, &e.InstrumentID, &e.Round, &e.Side,
			&e.Quantity, &priceS, &feeS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Price, _ = decimal.NewFromString(priceS)
		e.Fee, _ = decimal.NewFromString(feeS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const questionColumns = `id, round_number, question, options, correct_answer`

func scanQuestion(row pgx.Row) (*model.QuizQuestion, error) {
	var q model.QuizQuestion
	if err := row.Scan(&q.ID, &q.Round, &q.Question, &q.Options, &q.CorrectAnswer); err != nil {
		return nil, err
	}
	return &q, nil
}

func (r pgReader) GetQuestion(ctx context.Context, id int64) (*model.QuizQuestion, error) {
	q, err := scanQuestion(r.q.QueryRow(ctx, `SELECT `+questionColumns+` FROM quiz_questions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get question %d", id)
	}
	return q, nil
}

func (r pgReader) GetQuestionByRound(ctx context.Context, round int) (*model.QuizQuestion, error) {
	q, err := scanQuestion(r.q.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM quiz_questions WHERE round_number = $1`, round))
	if err != nil {
		return nil, notFound(err, "get question for round %d", round)
	}
	return q, nil
}

const submissionColumns = `id, team_id, question_id, round_number, selected_answer, is_correct, bonus::TEXT, submitted_at`

func scanSubmission(row pgx.Row) (*model.QuizSubmission, error) {
	var s model.QuizSubmission
	var bonus string
	if err := row.Scan(&s.ID, &s.TeamID, &s.QuestionID, &s.Round, &s.SelectedAnswer,
		&s.IsCorrect, &bonus, &s.SubmittedAt); err != nil {
		return nil, err
	}
	s.Bonus, _ = decimal.NewFromString(bonus)
	return &s, nil
}

func (r pgReader) GetSubmission(ctx context.Context, teamID, questionID int64) (*model.QuizSubmission, error) {
	s, err := scanSubmission(r.q.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM quiz_submissions WHERE team_id = $1 AND question_id = $2`,
		teamID, questionID))
	if err != nil {
		return nil, notFound(err, "get submission %d/%d", teamID, questionID)
	}
	return s, nil
}

func (r pgReader) ListSubmissionsByRound(ctx context.Context, round int) ([]model.QuizSubmission, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+submissionColumns+` FROM quiz_submissions WHERE round_number = $1
		 ORDER BY submitted_at, id`, round)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []model.QuizSubmission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

const eventColumns = `id, round_number, title, content, affected_stocks, is_active, created_at`

func scanEvent(row pgx.Row) (*model.NewsEvent, error) {
	var e model.NewsEvent
	var shocks []byte
	if err := row.Scan(&e.ID, &e.Round, &e.Title, &e.Content, &shocks, &e.Active, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(shocks, &e.AffectedStocks); err != nil {
		return nil, fmt.Errorf("decode shocks for event %d: %w", e.ID, err)
	}
	return &e, nil
}

func (r pgReader) GetNewsEvent(ctx context.Context, id int64) (*model.NewsEvent, error) {
	e, err := scanEvent(r.q.QueryRow(ctx, `SELECT `+eventColumns+` FROM news_events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get news event %d", id)
	}
	return e, nil
}

func (r pgReader) ListNewsEvents(ctx context.Context, filter EventFilter) ([]model.NewsEvent, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+eventColumns+` FROM news_events
		 WHERE ($1 = 0 OR round_number = $1) AND (NOT $2 OR is_active)
		 ORDER BY round_number, id`, filter.Round, filter.ActiveOnly)
	if err != nil {
		return nil, fmt.Errorf("list news events: %w", err)
	}
	defer rows.Close()

	var out []model.NewsEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// --- Writes inside a transaction ---

type pgTx struct {
	pgReader
}

func (t *pgTx) LockTeam(ctx context.Context, id int64) (*model.Team, error) {
	team, err := scanTeam(t.q.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "lock team %d", id)
	}
	return team, nil
}

func (t *pgTx) LockHolding(ctx context.Context, teamID, instrumentID int64) (*model.Holding, error) {
	h, err := scanHolding(t.q.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE team_id = $1 AND instrument_id = $2 FOR UPDATE`,
		teamID, instrumentID))
	if err != nil {
		return nil, notFound(err, "lock holding %d/%d", teamID, instrumentID)
	}
	return h, nil
}

// execOne runs a statement that must touch exactly one row.
func (t *pgTx) execOne(ctx context.Context, what string, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpdateTeam(ctx context.Context, team *model.Team) error {
	return t.execOne(ctx, fmt.Sprintf("update team %d", team.ID),
		`UPDATE teams SET balance = $2::NUMERIC, esg_score = $3, quiz_score = $4 WHERE id = $1`,
		team.ID, team.Balance.String(), team.ESGScore, team.QuizScore)
}

func (t *pgTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO holdings (team_id, instrument_id, quantity, average_cost)
		 VALUES ($1, $2, $3, $4::NUMERIC) RETURNING id`,
		h.TeamID, h.InstrumentID, h.Quantity, h.AverageCost.String()).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("insert holding: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateHolding(ctx context.Context, h *model.Holding) error {
	return t.execOne(ctx, fmt.Sprintf("update holding %d", h.ID),
		`UPDATE holdings SET quantity = $2, average_cost = $3::NUMERIC WHERE id = $1`,
		h.ID, h.Quantity, h.AverageCost.String())
}

func (t *pgTx) DeleteHolding(ctx context.Context, id int64) error {
	return t.execOne(ctx, fmt.Sprintf("delete holding %d", id),
		`DELETE FROM holdings WHERE id = $1`, id)
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, team_id, instrument_id, round, side, quantity, price, fee, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.TeamID, e.InstrumentID, e.Round, e.Side,
		e.Quantity, e.Price.String(), e.Fee.String(), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateInstrumentPrice(ctx context.Context, id int64, price decimal.Decimal) error {
	return t.execOne(ctx, fmt.Sprintf("update instrument %d price", id),
		`UPDATE instruments SET current_price = $2::NUMERIC WHERE id = $1`, id, price.String())
}

func (t *pgTx) InsertSubmission(ctx context.Context, s *model.QuizSubmission) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO quiz_submissions
		   (id, team_id, question_id, round_number, selected_answer, is_correct, bonus, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		s.ID, s.TeamID, s.QuestionID, s.Round, s.SelectedAnswer, s.IsCorrect,
		s.Bonus.String(), s.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteSubmission(ctx context.Context, id string) error {
	return t.execOne(ctx, "delete submission "+id, `DELETE FROM quiz_submissions WHERE id = $1`, id)
}

func (t *pgTx) DeleteSubmissions(ctx context.Context, filter SubmissionFilter) (int64, error) {
	tag, err := t.q.Exec(ctx,
		`DELETE FROM quiz_submissions
		 WHERE ($1 = 0 OR team_id = $1) AND ($2 = 0 OR round_number = $2)`,
		filter.TeamID, filter.Round)
	if err != nil {
		return 0, fmt.Errorf("delete submissions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) SetNewsEventActive(ctx context.Context, id int64, active bool) error {
	return t.execOne(ctx, fmt.Sprintf("set news event %d active", id),
		`UPDATE news_events SET is_active = $2 WHERE id = $1`, id, active)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id                     TEXT PRIMARY KEY,
		company_name           TEXT NOT NULL,
		email                  TEXT NOT NULL UNIQUE,
		provider_key_encrypted TEXT,
		bot_provider           TEXT NOT NULL DEFAULT 'vapi',
		bot_id                 TEXT,
		status                 TEXT NOT NULL DEFAULT 'pending',
		is_active              INTEGER NOT NULL DEFAULT 1,
		created_at             TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS calls (
		id               TEXT PRIMARY KEY,
		customer_id      TEXT NOT NULL REFERENCES customers(id),
		provider_call_id TEXT,
		transcript       TEXT,
		duration_seconds REAL,
		outcome          TEXT,
		failure_category TEXT,
		created_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_calls_customer ON calls(customer_id);
	CREATE TABLE IF NOT EXISTS call_attributes (
		id                     TEXT PRIMARY KEY,
		call_id                TEXT NOT NULL REFERENCES calls(id),
		accent_strength        INTEGER NOT NULL DEFAULT 1,
		correction_attempts    INTEGER NOT NULL DEFAULT 0,
		emotional_markers      TEXT,
		disfluency_count       INTEGER NOT NULL DEFAULT 0,
		background_noise       TEXT,
		context_type           TEXT,
		failure_pattern        TEXT,
		conversation_flow      TEXT,
		bot_interruptions      INTEGER NOT NULL DEFAULT 0,
		customer_interruptions INTEGER NOT NULL DEFAULT 0,
		clarification_requests INTEGER NOT NULL DEFAULT 0,
		successful_resolution  INTEGER NOT NULL DEFAULT 0,
		confidence_level       INTEGER NOT NULL DEFAULT 3,
		call_sentiment         TEXT,
		key_phrases            TEXT
	);
	CREATE INDEX IF NOT EXISTS ix_attrs_call ON call_attributes(call_id);
	CREATE INDEX IF NOT EXISTS ix_attrs_pattern ON call_attributes(failure_pattern);
	CREATE TABLE IF NOT EXISTS patterns (
		id                     TEXT PRIMARY KEY,
		customer_id            TEXT NOT NULL REFERENCES customers(id),
		name                   TEXT NOT NULL,
		description            TEXT,
		failure_type           TEXT,
		frequency              INTEGER NOT NULL DEFAULT 0,
		severity               TEXT NOT NULL DEFAULT 'medium',
		revenue_impact_monthly REAL NOT NULL DEFAULT 0,
		example_call_ids       TEXT,
		example_transcript     TEXT,
		suggested_fix          TEXT,
		root_cause             TEXT,
		status                 TEXT NOT NULL DEFAULT 'identified',
		created_at             TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_patterns_customer ON patterns(customer_id);
	CREATE TABLE IF NOT EXISTS variants (
		id                TEXT PRIMARY KEY,
		pattern_id        TEXT NOT NULL REFERENCES patterns(id),
		letter            TEXT,
		name              TEXT NOT NULL,
		prompt_text       TEXT NOT NULL,
		is_control        INTEGER NOT NULL DEFAULT 0,
		success_rate      REAL NOT NULL DEFAULT 0,
		improvement_delta REAL NOT NULL DEFAULT 0,
		recommended       INTEGER NOT NULL DEFAULT 0,
		tested_against    INTEGER NOT NULL DEFAULT 0,
		total_calls       INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_variants_pattern ON variants(pattern_id);
	CREATE TABLE IF NOT EXISTS ab_tests (
		id                   TEXT PRIMARY KEY,
		customer_id          TEXT NOT NULL REFERENCES customers(id),
		pattern_id           TEXT NOT NULL REFERENCES patterns(id),
		name                 TEXT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'draft',
		control_assistant_id TEXT,
		variant_assistant_id TEXT,
		variant_record_id    TEXT,
		variant_letter       TEXT,
		traffic_split        INTEGER NOT NULL DEFAULT 20,
		total_calls          INTEGER NOT NULL DEFAULT 0,
		control_calls        INTEGER NOT NULL DEFAULT 0,
		control_success_rate REAL NOT NULL DEFAULT 0,
		variant_calls        INTEGER NOT NULL DEFAULT 0,
		variant_success_rate REAL NOT NULL DEFAULT 0,
		start_date           TEXT,
		end_date             TEXT,
		started_at           TEXT,
		completed_at         TEXT,
		winner_variant_id    TEXT,
		created_at           TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_tests_customer ON ab_tests(customer_id);
	CREATE INDEX IF NOT EXISTS ix_tests_status ON ab_tests(status);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// --- time helpers: all timestamps are stored as RFC3339 UTC strings ---

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s.String)
	return t
}

func marshalList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	json.Unmarshal([]byte(s.String), &out)
	return out
}

// --- customers ---

// CreateCustomer inserts a customer row.
func (s *SQLiteStore) CreateCustomer(ctx context.Context, c Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, company_name, email, provider_key_encrypted,
			bot_provider, bot_id, status, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CompanyName, c.Email, c.ProviderKeyEncrypted,
		c.BotProvider, c.BotID, c.Status, boolInt(c.IsActive), fmtTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

// GetCustomer fetches a customer by ID. Returns nil if not found.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Customer
	var keyEnc, botID sql.NullString
	var active int
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_name, email, provider_key_encrypted, bot_provider,
			bot_id, status, is_active, created_at
		FROM customers WHERE id = ?`, id,
	).Scan(&c.ID, &c.CompanyName, &c.Email, &keyEnc, &c.BotProvider,
		&botID, &c.Status, &active, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer %q: %w", id, err)
	}

	c.ProviderKeyEncrypted = keyEnc.String
	c.BotID = botID.String
	c.IsActive = active != 0
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &c, nil
}

// --- calls ---

// CreateCall inserts a call row.
func (s *SQLiteStore) CreateCall(ctx context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, customer_id, provider_call_id, transcript,
			duration_seconds, outcome, failure_category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CustomerID, c.ProviderCallID, c.Transcript,
		c.DurationSeconds, c.Outcome, c.FailureCategory, fmtTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

// CreateCallAttributes inserts the extracted attribute record for a call.
func (s *SQLiteStore) CreateCallAttributes(ctx context.Context, a CallAttributes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_attributes (id, call_id, accent_strength, correction_attempts,
			emotional_markers, disfluency_count, background_noise, context_type,
			failure_pattern, conversation_flow, bot_interruptions, customer_interruptions,
			clarification_requests, successful_resolution, confidence_level,
			call_sentiment, key_phrases)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CallID, a.AccentStrength, a.CorrectionAttempts,
		marshalList(a.EmotionalMarkers), a.DisfluencyCount, a.BackgroundNoise, a.ContextType,
		a.FailurePattern, a.ConversationFlow, a.BotInterruptions, a.CustomerInterruptions,
		a.ClarificationRequests, boolInt(a.SuccessfulResolution), a.ConfidenceLevel,
		a.CallSentiment, marshalList(a.KeyPhrases),
	)
	if err != nil {
		return fmt.Errorf("create call attributes: %w", err)
	}
	return nil
}

const failedCallColumns = `
	c.id, c.customer_id, c.provider_call_id, c.transcript, c.duration_seconds,
	c.outcome, c.failure_category, c.created_at,
	a.id, a.accent_strength, a.correction_attempts, a.emotional_markers,
	a.disfluency_count, a.background_noise, a.context_type, a.failure_pattern,
	a.conversation_flow, a.bot_interruptions, a.customer_interruptions,
	a.clarification_requests, a.successful_resolution, a.confidence_level,
	a.call_sentiment, a.key_phrases`

func scanFailedCall(rows *sql.Rows) (FailedCall, error) {
	var fc FailedCall
	var transcript, failureCategory, noise, ctxType, pattern, flow, sentiment sql.NullString
	var markers, phrases sql.NullString
	var providerCallID sql.NullString
	var resolution int
	var createdAt string

	err := rows.Scan(
		&fc.Call.ID, &fc.Call.CustomerID, &providerCallID, &transcript, &fc.Call.DurationSeconds,
		&fc.Call.Outcome, &failureCategory, &createdAt,
		&fc.Attributes.ID, &fc.Attributes.AccentStrength, &fc.Attributes.CorrectionAttempts, &markers,
		&fc.Attributes.DisfluencyCount, &noise, &ctxType, &pattern,
		&flow, &fc.Attributes.BotInterruptions, &fc.Attributes.CustomerInterruptions,
		&fc.Attributes.ClarificationRequests, &resolution, &fc.Attributes.ConfidenceLevel,
		&sentiment, &phrases,
	)
	if err != nil {
		return fc, err
	}

	fc.Call.ProviderCallID = providerCallID.String
	fc.Call.Transcript = transcript.String
	fc.Call.FailureCategory = failureCategory.String
	fc.Call.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	fc.Attributes.CallID = fc.Call.ID
	fc.Attributes.EmotionalMarkers = unmarshalList(markers)
	fc.Attributes.BackgroundNoise = noise.String
	fc.Attributes.ContextType = ctxType.String
	fc.Attributes.FailurePattern = pattern.String
	fc.Attributes.ConversationFlow = flow.String
	fc.Attributes.SuccessfulResolution = resolution != 0
	fc.Attributes.CallSentiment = sentiment.String
	fc.Attributes.KeyPhrases = unmarshalList(phrases)
	return fc, nil
}

// ListFailedCalls returns a customer's failed calls joined with attributes.
func (s *SQLiteStore) ListFailedCalls(ctx context.Context, customerID string) ([]FailedCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+failedCallColumns+`
		FROM calls c JOIN call_attributes a ON a.call_id = c.id
		WHERE c.customer_id = ? AND c.outcome = 'failed'
		ORDER BY c.created_at`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list failed calls: %w", err)
	}
	defer rows.Close()

	var result []FailedCall
	for rows.Next() {
		fc, err := scanFailedCall(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, fc)
	}
	return result, rows.Err()
}

// ListCallsByFailurePattern returns failed calls tagged with a failure
// pattern, for use as generation examples and simulation edge cases.
func (s *SQLiteStore) ListCallsByFailurePattern(ctx context.Context, customerID, failurePattern string, limit int) ([]FailedCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+failedCallColumns+`
		FROM calls c JOIN call_attributes a ON a.call_id = c.id
		WHERE c.customer_id = ? AND c.outcome = 'failed' AND a.failure_pattern = ?
		ORDER BY c.created_at LIMIT ?`, customerID, failurePattern, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls by pattern: %w", err)
	}
	defer rows.Close()

	var result []FailedCall
	for rows.Next() {
		fc, err := scanFailedCall(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, fc)
	}
	return result, rows.Err()
}

// --- patterns ---

// CreatePattern inserts a pattern row.
func (s *SQLiteStore) CreatePattern(ctx context.Context, p Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (id, customer_id, name, description, failure_type,
			frequency, severity, revenue_impact_monthly, example_call_ids,
			example_transcript, suggested_fix, root_cause, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CustomerID, p.Name, p.Description, p.FailureType,
		p.Frequency, string(p.Severity), p.RevenueImpactMonthly, marshalList(p.ExampleCallIDs),
		p.ExampleTranscript, p.SuggestedFix, p.RootCause, p.Status, fmtTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create pattern: %w", err)
	}
	return nil
}

func scanPattern(scan func(...any) error) (*Pattern, error) {
	var p Pattern
	var desc, failureType, callIDs, transcript, fix, rootCause sql.NullString
	var severity, createdAt string

	err := scan(&p.ID, &p.CustomerID, &p.Name, &desc, &failureType,
		&p.Frequency, &severity, &p.RevenueImpactMonthly, &callIDs,
		&transcript, &fix, &rootCause, &p.Status, &createdAt)
	if err != nil {
		return nil, err
	}

	p.Description = desc.String
	p.FailureType = failureType.String
	p.Severity = Severity(severity)
	p.ExampleCallIDs = unmarshalList(callIDs)
	p.ExampleTranscript = transcript.String
	p.SuggestedFix = fix.String
	p.RootCause = rootCause.String
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

const patternColumns = `id, customer_id, name, description, failure_type,
	frequency, severity, revenue_impact_monthly, example_call_ids,
	example_transcript, suggested_fix, root_cause, status, created_at`

// GetPattern fetches a pattern by ID. Returns nil if not found.
func (s *SQLiteStore) GetPattern(ctx context.Context, id string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern %q: %w", id, err)
	}
	return p, nil
}

// ListPatterns returns a customer's patterns, most frequent first.
func (s *SQLiteStore) ListPatterns(ctx context.Context, customerID string) ([]Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE customer_id = ? ORDER BY frequency DESC`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var result []Pattern
	for rows.Next() {
		p, err := scanPattern(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// SetPatternStatus updates a pattern's lifecycle status.
func (s *SQLiteStore) SetPatternStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE patterns SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set pattern status: %w", err)
	}
	return nil
}

// --- variants ---

// CreateVariant inserts a variant row.
func (s *SQLiteStore) CreateVariant(ctx context.Context, v Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variants (id, pattern_id, letter, name, prompt_text, is_control,
			success_rate, improvement_delta, recommended, tested_against, total_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.PatternID, v.Letter, v.Name, v.PromptText, boolInt(v.IsControl),
		v.SuccessRate, v.ImprovementDelta, boolInt(v.Recommended), v.TestedAgainst,
		v.TotalCalls, fmtTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create variant: %w", err)
	}
	return nil
}

const variantColumns = `id, pattern_id, letter, name, prompt_text, is_control,
	success_rate, improvement_delta, recommended, tested_against, total_calls, created_at`

func scanVariant(scan func(...any) error) (*Variant, error) {
	var v Variant
	var letter sql.NullString
	var isControl, recommended int
	var createdAt string

	err := scan(&v.ID, &v.PatternID, &letter, &v.Name, &v.PromptText, &isControl,
		&v.SuccessRate, &v.ImprovementDelta, &recommended, &v.TestedAgainst,
		&v.TotalCalls, &createdAt)
	if err != nil {
		return nil, err
	}

	v.Letter = letter.String
	v.IsControl = isControl != 0
	v.Recommended = recommended != 0
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &v, nil
}

// GetVariant fetches a variant by ID. Returns nil if not found.
func (s *SQLiteStore) GetVariant(ctx context.Context, id string) (*Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE id = ?`, id)
	v, err := scanVariant(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get variant %q: %w", id, err)
	}
	return v, nil
}

// ListVariants returns a pattern's variants, best simulated rate first.
func (s *SQLiteStore) ListVariants(ctx context.Context, patternID string) ([]Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE pattern_id = ? ORDER BY success_rate DESC`,
		patternID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var result []Variant
	for rows.Next() {
		v, err := scanVariant(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	return result, rows.Err()
}

// --- A/B tests ---

// CreateTest inserts an A/B test row.
func (s *SQLiteStore) CreateTest(ctx context.Context, t ABTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ab_tests (id, customer_id, pattern_id, name, status,
			control_assistant_id, variant_assistant_id, variant_record_id, variant_letter,
			traffic_split, total_calls, control_calls, control_success_rate,
			variant_calls, variant_success_rate, start_date, end_date,
			started_at, completed_at, winner_variant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CustomerID, t.PatternID, t.Name, string(t.Status),
		t.ControlAssistantID, t.VariantAssistantID, t.VariantRecordID, t.VariantLetter,
		t.TrafficSplit, t.TotalCalls, t.ControlCalls, t.ControlSuccessRate,
		t.VariantCalls, t.VariantSuccessRate, fmtTime(t.StartDate), fmtTime(t.EndDate),
		fmtTime(t.StartedAt), fmtTime(t.CompletedAt), t.WinnerVariantID, fmtTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create test: %w", err)
	}
	return nil
}

const testColumns = `id, customer_id, pattern_id, name, status,
	control_assistant_id, variant_assistant_id, variant_record_id, variant_letter,
	traffic_split, total_calls, control_calls, control_success_rate,
	variant_calls, variant_success_rate, start_date, end_date,
	started_at, completed_at, winner_variant_id, created_at`

func scanTest(scan func(...any) error) (*ABTest, error) {
	var t ABTest
	var status, createdAt string
	var ctrlID, varID, recID, letter, winner sql.NullString
	var startDate, endDate, startedAt, completedAt sql.NullString

	err := scan(&t.ID, &t.CustomerID, &t.PatternID, &t.Name, &status,
		&ctrlID, &varID, &recID, &letter,
		&t.TrafficSplit, &t.TotalCalls, &t.ControlCalls, &t.ControlSuccessRate,
		&t.VariantCalls, &t.VariantSuccessRate, &startDate, &endDate,
		&startedAt, &completedAt, &winner, &createdAt)
	if err != nil {
		return nil, err
	}

	t.Status = TestStatus(status)
	t.ControlAssistantID = ctrlID.String
	t.VariantAssistantID = varID.String
	t.VariantRecordID = recID.String
	t.VariantLetter = letter.String
	t.StartDate = parseTime(startDate)
	t.EndDate = parseTime(endDate)
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)
	t.WinnerVariantID = winner.String
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

// GetTest fetches a test by ID. Returns nil if not found.
func (s *SQLiteStore) GetTest(ctx context.Context, id string) (*ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+testColumns+` FROM ab_tests WHERE id = ?`, id)
	t, err := scanTest(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get test %q: %w", id, err)
	}
	return t, nil
}

// ListTests returns a customer's tests, newest first.
func (s *SQLiteStore) ListTests(ctx context.Context, customerID string) ([]ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+testColumns+` FROM ab_tests WHERE customer_id = ? ORDER BY created_at DESC`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()

	var result []ABTest
	for rows.Next() {
		t, err := scanTest(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// ListRunningTests returns every test currently in the running state.
func (s *SQLiteStore) ListRunningTests(ctx context.Context) ([]ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+testColumns+` FROM ab_tests WHERE status = ? ORDER BY created_at`,
		string(TestRunning))
	if err != nil {
		return nil, fmt.Errorf("list running tests: %w", err)
	}
	defer rows.Close()

	var result []ABTest
	for rows.Next() {
		t, err := scanTest(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// HasRunningTest reports whether a (customer, pattern) pair already has a
// running test. At most one may run at a time.
func (s *SQLiteStore) HasRunningTest(ctx context.Context, customerID, patternID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ab_tests WHERE customer_id = ? AND pattern_id = ? AND status = ?`,
		customerID, patternID, string(TestRunning),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count running tests: %w", err)
	}
	return count > 0, nil
}

// UpdateTestCounts writes a monitoring snapshot back to the test row.
func (s *SQLiteStore) UpdateTestCounts(ctx context.Context, id string, counts TestCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE ab_tests SET control_calls = ?, control_success_rate = ?,
			variant_calls = ?, variant_success_rate = ?, total_calls = ?
		WHERE id = ?`,
		counts.ControlCalls, counts.ControlSuccessRate,
		counts.VariantCalls, counts.VariantSuccessRate, counts.TotalCalls, id,
	)
	if err != nil {
		return fmt.Errorf("update test counts: %w", err)
	}
	return nil
}

// SetTestEndDate moves a test's observation window end.
func (s *SQLiteStore) SetTestEndDate(ctx context.Context, id string, endDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE ab_tests SET end_date = ? WHERE id = ?`, fmtTime(endDate), id)
	if err != nil {
		return fmt.Errorf("set test end date: %w", err)
	}
	return nil
}

// TransitionTest performs a compare-and-swap status transition. The WHERE
// clause on the current status is what closes the concurrent
// promote/cancel race: only one caller can win.
func (s *SQLiteStore) TransitionTest(ctx context.Context, id string, from, to TestStatus, winnerVariantID string, completedAt time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE ab_tests SET status = ?, winner_variant_id = NULLIF(?, ''), completed_at = NULLIF(?, '')
		WHERE id = ? AND status = ?`,
		string(to), winnerVariantID, fmtTime(completedAt), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition test %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ForceCancelTest marks a test cancelled whatever its prior status. The
// winner column is cleared so only complete tests ever carry a winner.
func (s *SQLiteStore) ForceCancelTest(ctx context.Context, id string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE ab_tests SET status = ?, winner_variant_id = NULL, completed_at = ? WHERE id = ?`,
		string(TestCancelled), fmtTime(completedAt), id,
	)
	if err != nil {
		return fmt.Errorf("cancel test %q: %w", id, err)
	}
	return nil
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package store persists profiles, trades, chat transcripts, and equity
// history in SQLite. Realtime events are deliberately not stored here; the
// bus keeps its own bounded in-memory history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/risefleet/botd/internal/idgen"
)

// ErrNotFound marks lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// equityHistoryCap bounds how many equity readings are kept per profile.
const equityHistoryCap = 1000

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Profile is a persisted trader persona plus its trading account binding.
type Profile struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Handle         string    `json:"handle"`
	Bio            string    `json:"bio,omitempty"`
	TradingStyle   string    `json:"trading_style"`
	RiskTolerance  float64   `json:"risk_tolerance"`
	FavoriteAssets []string  `json:"favorite_assets,omitempty"`
	Traits         []string  `json:"traits,omitempty"`
	Address        string    `json:"address,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Trade is one decision that reached the exchange (or was rejected by it).
type Trade struct {
	ID         string    `json:"id"`
	ProfileID  string    `json:"profile_id"`
	Market     string    `json:"market"`
	Side       string    `json:"side"`
	Size       float64   `json:"size"`
	Price      float64   `json:"price,omitempty"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatMessage is one line of a profile's chat transcript.
type ChatMessage struct {
	ID        string    `json:"id"`
	ProfileID string    `json:"profile_id"`
	Role      string    `json:"role"`
	SenderID  string    `json:"sender_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// EquityPoint is one polled equity reading.
type EquityPoint struct {
	ProfileID  string    `json:"profile_id"`
	Equity     float64   `json:"equity"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Store) CreateProfile(ctx context.Context, p Profile) (Profile, error) {
	if p.ID == "" {
		p.ID = idgen.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.exec(ctx, `INSERT INTO profiles (id, name, handle, bio, trading_style, risk_tolerance, favorite_assets, traits, address, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Handle, nullString(p.Bio), p.TradingStyle, p.RiskTolerance,
		nullString(encodeStrings(p.FavoriteAssets)), nullString(encodeStrings(p.Traits)),
		nullString(p.Address), boolToInt(p.IsActive),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, handle, bio, trading_style, risk_tolerance, favorite_assets, traits, address, is_active, created_at, updated_at
		FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context, activeOnly bool) ([]Profile, error) {
	query := `SELECT id, name, handle, bio, trading_style, risk_tolerance, favorite_assets, traits, address, is_active, created_at, updated_at
		FROM profiles ORDER BY created_at ASC`
	if activeOnly {
		query = `SELECT id, name, handle, bio, trading_style, risk_tolerance, favorite_assets, traits, address, is_active, created_at, updated_at
		FROM profiles WHERE is_active = 1 ORDER BY created_at ASC`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// UpdateProfile writes every mutable field of p. Callers load the profile,
// change what they need, and save it back.
func (s *Store) UpdateProfile(ctx context.Context, p Profile) (Profile, error) {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE profiles SET name = ?, handle = ?, bio = ?, trading_style = ?, risk_tolerance = ?, favorite_assets = ?, traits = ?, address = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Handle, nullString(p.Bio), p.TradingStyle, p.RiskTolerance,
		nullString(encodeStrings(p.FavoriteAssets)), nullString(encodeStrings(p.Traits)),
		nullString(p.Address), boolToInt(p.IsActive),
		p.UpdatedAt.Format(time.RFC3339Nano), p.ID)
	if err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Profile{}, fmt.Errorf("profile %s: %w", p.ID, ErrNotFound)
	}
	return p, nil
}

func (s *Store) SetProfileActive(ctx context.Context, id string, active bool) error {
	res, err := s.exec(ctx, `UPDATE profiles SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set profile active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) SaveTrade(ctx context.Context, t Trade) (Trade, error) {
	if t.ID == "" {
		t.ID = idgen.New()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.exec(ctx, `INSERT INTO trades (id, profile_id, market, side, size, price, reasoning, confidence, order_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProfileID, t.Market, t.Side, t.Size, t.Price,
		nullString(t.Reasoning), t.Confidence, nullString(t.OrderID), t.Status,
		t.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Trade{}, fmt.Errorf("insert trade: %w", err)
	}
	return t, nil
}

// ListTrades returns the newest trades first. An empty profileID lists
// trades across all profiles.
func (s *Store) ListTrades(ctx context.Context, profileID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, profile_id, market, side, size, price, reasoning, confidence, order_id, status, created_at
		FROM trades ORDER BY created_at DESC LIMIT ?`
	args := []any{limit}
	if profileID != "" {
		query = `SELECT id, profile_id, market, side, size, price, reasoning, confidence, order_id, status, created_at
		FROM trades WHERE profile_id = ? ORDER BY created_at DESC LIMIT ?`
		args = []any{profileID, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var price, confidence sql.NullFloat64
		var reasoning, orderID sql.NullString
		var createdAtStr string
		if err := rows.Scan(&t.ID, &t.ProfileID, &t.Market, &t.Side, &t.Size, &price, &reasoning, &confidence, &orderID, &t.Status, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Price = price.Float64
		t.Confidence = confidence.Float64
		t.Reasoning = reasoning.String
		t.OrderID = orderID.String
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return out, nil
}

func (s *Store) SaveChatMessage(ctx context.Context, m ChatMessage) (ChatMessage, error) {
	if m.ID == "" {
		m.ID = idgen.New()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.exec(ctx, `INSERT INTO chat_messages (id, profile_id, role, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProfileID, m.Role, nullString(m.SenderID), m.Content,
		m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return m, nil
}

// ListChatMessages returns up to limit of the most recent messages for a
// profile, oldest first so they read as a transcript.
func (s *Store) ListChatMessages(ctx context.Context, profileID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, profile_id, role, sender_id, content, created_at
		FROM chat_messages WHERE profile_id = ? ORDER BY created_at DESC LIMIT ?`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var senderID sql.NullString
		var createdAtStr string
		if err := rows.Scan(&m.ID, &m.ProfileID, &m.Role, &senderID, &m.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.SenderID = senderID.String
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	// Flip to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecordEquity appends a reading and prunes anything beyond the per-profile
// cap so the table cannot grow without bound.
func (s *Store) RecordEquity(ctx context.Context, profileID string, equity float64) error {
	_, err := s.exec(ctx, `INSERT INTO equity_history (id, profile_id, equity, recorded_at) VALUES (?, ?, ?, ?)`,
		idgen.New(), profileID, equity, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert equity: %w", err)
	}
	_, err = s.exec(ctx, `DELETE FROM equity_history WHERE profile_id = ? AND id NOT IN (
		SELECT id FROM equity_history WHERE profile_id = ? ORDER BY recorded_at DESC LIMIT ?)`,
		profileID, profileID, equityHistoryCap)
	if err != nil {
		return fmt.Errorf("prune equity: %w", err)
	}
	return nil
}

// EquityHistory returns readings oldest first.
func (s *Store) EquityHistory(ctx context.Context, profileID string, limit int) ([]EquityPoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT profile_id, equity, recorded_at FROM (
		SELECT profile_id, equity, recorded_at FROM equity_history WHERE profile_id = ? ORDER BY recorded_at DESC LIMIT ?
	) ORDER BY recorded_at ASC`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("equity history: %w", err)
	}
	defer rows.Close()

	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		var recordedAtStr string
		if err := rows.Scan(&p.ProfileID, &p.Equity, &recordedAtStr); err != nil {
			return nil, fmt.Errorf("scan equity: %w", err)
		}
		p.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAtStr)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate equity: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (Profile, error) {
	var p Profile
	var bio, favoriteAssets, traits, address sql.NullString
	var isActive int
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&p.ID, &p.Name, &p.Handle, &bio, &p.TradingStyle, &p.RiskTolerance,
		&favoriteAssets, &traits, &address, &isActive, &createdAtStr, &updatedAtStr); err != nil {
		return Profile{}, err
	}
	p.Bio = bio.String
	p.FavoriteAssets = decodeStrings(favoriteAssets.String)
	p.Traits = decodeStrings(traits.String)
	p.Address = address.String
	p.IsActive = isActive != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// exec retries writes that lose the SQLite write lock to a concurrent
// writer.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		res, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isBusyError(err) {
			return res, err
		}
		time.Sleep(time.Duration(25*(attempt+1)) * time.Millisecond)
	}
	return res, err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

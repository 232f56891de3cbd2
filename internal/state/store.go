package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrInvalidAgent = errors.New("invalid agent")
)

// Store is the agent registry: it maps logical agent names to the base URL
// of their JSON-RPC endpoint.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

type Agent struct {
	Name        string    `json:"name"`
	BaseURL     string    `json:"base_url"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PutAgent registers name or replaces its base URL.
func (s *Store) PutAgent(ctx context.Context, name, baseURL, description string) (Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Agent{}, fmt.Errorf("%w: name is required", ErrInvalidAgent)
	}
	if err := validateBaseURL(baseURL); err != nil {
		return Agent{}, fmt.Errorf("%w: %s: %v", ErrInvalidAgent, name, err)
	}
	now := s.nowFn()
	_, err := s.db.ExecContext(ctx, `INSERT INTO agents (name, base_url, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET base_url = excluded.base_url, description = excluded.description, updated_at = excluded.updated_at`,
		name, baseURL, nullString(description), formatTime(now), formatTime(now))
	if err != nil {
		return Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	return s.GetAgent(ctx, name)
}

func (s *Store) GetAgent(ctx context.Context, name string) (Agent, error) {
	var agent Agent
	var description sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT name, base_url, description, created_at, updated_at FROM agents WHERE name = ?`, name).
		Scan(&agent.Name, &agent.BaseURL, &description, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	agent.Description = description.String
	agent.CreatedAt = parseTime(createdAt)
	agent.UpdatedAt = parseTime(updatedAt)
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, base_url, description, created_at, updated_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var agent Agent
		var description sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&agent.Name, &agent.BaseURL, &description, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agent.Description = description.String
		agent.CreatedAt = parseTime(createdAt)
		agent.UpdatedAt = parseTime(updatedAt)
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return nil
}

// ResolveAgent returns the base URL registered for name.
func (s *Store) ResolveAgent(ctx context.Context, name string) (string, error) {
	agent, err := s.GetAgent(ctx, name)
	if err != nil {
		return "", err
	}
	return agent.BaseURL, nil
}

// Seed registers every agent in agents, in name order.
func (s *Store) Seed(ctx context.Context, agents map[string]string) error {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := s.PutAgent(ctx, name, agents[name], ""); err != nil {
			return fmt.Errorf("seed agents: %w", err)
		}
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base url %q: missing host", raw)
	}
	return nil
}

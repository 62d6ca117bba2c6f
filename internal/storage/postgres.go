package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"api-governance-agent/internal/config"
	"api-governance-agent/internal/governance"
)

// ErrNoConfig is returned when the policy store holds no application config.
var ErrNoConfig = errors.New("no application config stored")

const queryTimeout = 5 * time.Second

// Store serves governance rules and application config from Postgres, for
// deployments that manage policy themselves instead of using the collector.
type Store struct {
	pool *pgxpool.Pool
}

// RuleRow is one row of governance_rules. JSON columns stay raw until decoded.
type RuleRow struct {
	ID                    string
	Name                  string
	Type                  string
	AppliedTo             string
	AppliedToUnidentified bool
	Block                 bool
	RegexConfig           []byte
	Response              []byte
	Variables             []byte
}

func New(ctx context.Context, cfg config.Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// FetchRules loads every enabled rule in priority order.
func (s *Store) FetchRules(ctx context.Context) ([]governance.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, type, applied_to, applied_to_unidentified, block,
		       regex_config, response, variables
		FROM governance_rules
		WHERE enabled
		ORDER BY priority, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []governance.Rule
	for rows.Next() {
		var r RuleRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.AppliedTo, &r.AppliedToUnidentified, &r.Block,
			&r.RegexConfig, &r.Response, &r.Variables); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule, err := r.Rule()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// Rule decodes the row into a governance rule.
func (r RuleRow) Rule() (governance.Rule, error) {
	rule := governance.Rule{
		ID:                    r.ID,
		Name:                  r.Name,
		Type:                  governance.RuleType(r.Type),
		AppliedTo:             governance.AppliedTo(r.AppliedTo),
		AppliedToUnidentified: r.AppliedToUnidentified,
		Block:                 r.Block,
	}
	for _, col := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"regex_config", r.RegexConfig, &rule.RegexConfig},
		{"response", r.Response, &rule.Response},
		{"variables", r.Variables, &rule.Variables},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return governance.Rule{}, fmt.Errorf("rule %s: decode %s: %w", r.ID, col.name, err)
		}
	}
	return rule, nil
}

// FetchConfig returns the latest application config document and its version tag.
func (s *Store) FetchConfig(ctx context.Context) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		body []byte
		etag string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT body, etag
		FROM agent_config
		ORDER BY updated_at DESC
		LIMIT 1
	`).Scan(&body, &etag)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNoConfig
	}
	if err != nil {
		return nil, "", fmt.Errorf("query config: %w", err)
	}
	return body, etag, nil
}

func (s *Store) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}

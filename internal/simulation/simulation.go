// Package simulation stores the configuration templates that group runs.
// A simulation is immutable after creation and carries no versioning of its own.
package simulation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS simulations (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	description         TEXT,
	environment_name    TEXT NOT NULL,
	environment_config  TEXT,
	agent_type          TEXT NOT NULL,
	agent_config        TEXT NOT NULL,
	max_steps           INTEGER,
	seed                INTEGER,
	tags                TEXT,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_simulations_name_created ON simulations(name, created_at);
CREATE INDEX IF NOT EXISTS ix_simulations_env_agent ON simulations(environment_name, agent_type);
`

// #endregion schema

// #region types
// Simulation is an environment + agent configuration template.
type Simulation struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	EnvironmentName   string         `json:"environment_name"`
	EnvironmentConfig map[string]any `json:"environment_config,omitempty"`
	AgentType         string         `json:"agent_type"`
	AgentConfig       map[string]any `json:"agent_config"`
	MaxSteps          *int           `json:"max_steps,omitempty"`
	Seed              *int64         `json:"seed,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Params are the inputs to Create.
type Params struct {
	Name              string
	Description       string
	EnvironmentName   string
	EnvironmentConfig map[string]any
	AgentType         string
	AgentConfig       map[string]any
	MaxSteps          *int
	Seed              *int64
	Tags              []string
}

// Summary is a simulation listing row with its run count.
type Summary struct {
	Simulation
	RunCount int `json:"run_count"`
}

// #endregion types

// #region store
// Store manages the simulations table.
type Store struct {
	db *sql.DB
}

// NewStore creates the simulations table if needed and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate simulations: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion store

// #region create
// Create validates and persists a new simulation.
func (s *Store) Create(ctx context.Context, p Params) (Simulation, error) {
	if strings.TrimSpace(p.Name) == "" {
		return Simulation{}, fmt.Errorf("name is required: %w", storeerr.ErrValidation)
	}
	if strings.TrimSpace(p.EnvironmentName) == "" {
		return Simulation{}, fmt.Errorf("environment_name is required: %w", storeerr.ErrValidation)
	}
	if strings.TrimSpace(p.AgentType) == "" {
		return Simulation{}, fmt.Errorf("agent_type is required: %w", storeerr.ErrValidation)
	}
	if p.AgentConfig == nil {
		p.AgentConfig = map[string]any{}
	}
	if p.EnvironmentConfig == nil {
		p.EnvironmentConfig = map[string]any{}
	}

	now := time.Now().UTC()
	sim := Simulation{
		ID:                uuid.New().String(),
		Name:              p.Name,
		Description:       p.Description,
		EnvironmentName:   p.EnvironmentName,
		EnvironmentConfig: p.EnvironmentConfig,
		AgentType:         p.AgentType,
		AgentConfig:       p.AgentConfig,
		MaxSteps:          p.MaxSteps,
		Seed:              p.Seed,
		Tags:              p.Tags,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	envJSON, err := json.Marshal(sim.EnvironmentConfig)
	if err != nil {
		return Simulation{}, fmt.Errorf("marshal environment config: %w", err)
	}
	agentJSON, err := json.Marshal(sim.AgentConfig)
	if err != nil {
		return Simulation{}, fmt.Errorf("marshal agent config: %w", err)
	}
	var tagsJSON any
	if len(sim.Tags) > 0 {
		b, err := json.Marshal(sim.Tags)
		if err != nil {
			return Simulation{}, fmt.Errorf("marshal tags: %w", err)
		}
		tagsJSON = string(b)
	}
	var maxSteps, seed any
	if sim.MaxSteps != nil {
		maxSteps = *sim.MaxSteps
	}
	if sim.Seed != nil {
		seed = *sim.Seed
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO simulations (id, name, description, environment_name, environment_config,
		 agent_type, agent_config, max_steps, seed, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sim.ID, sim.Name, dbutil.NullIfEmpty(sim.Description), sim.EnvironmentName, string(envJSON),
		sim.AgentType, string(agentJSON), maxSteps, seed, tagsJSON,
		dbutil.FormatTime(now), dbutil.FormatTime(now),
	)
	if err != nil {
		return Simulation{}, fmt.Errorf("insert simulation: %w", err)
	}
	return sim, nil
}

// #endregion create

// #region get
const columns = `id, name, description, environment_name, environment_config, agent_type,
	agent_config, max_steps, seed, tags, created_at, updated_at`

// Get retrieves a simulation by id.
func (s *Store) Get(ctx context.Context, id string) (Simulation, error) {
	return Get(ctx, s.db, id)
}

// Get retrieves a simulation by id through q.
func Get(ctx context.Context, q dbutil.Querier, id string) (Simulation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+columns+` FROM simulations WHERE id = ?`, id)
	sim, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Simulation{}, fmt.Errorf("simulation %s: %w", id, storeerr.ErrNotFound)
	}
	if err != nil {
		return Simulation{}, fmt.Errorf("get simulation %s: %w", id, err)
	}
	return sim, nil
}

// List returns simulations oldest first with their run counts. A limit <= 0 means 100.
func (s *Store) List(ctx context.Context, skip, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+`,
		   (SELECT COUNT(*) FROM runs r WHERE r.simulation_id = simulations.id)
		 FROM simulations ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var count int
		sim, err := scan(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, Summary{Simulation: sim, RunCount: count})
	}
	return out, rows.Err()
}

// #endregion get

// #region scan
type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner, extra ...any) (Simulation, error) {
	var sim Simulation
	var description, envJSON, tagsJSON sql.NullString
	var agentJSON, createdStr, updatedStr string
	var maxSteps, seed sql.NullInt64

	dest := []any{&sim.ID, &sim.Name, &description, &sim.EnvironmentName, &envJSON, &sim.AgentType,
		&agentJSON, &maxSteps, &seed, &tagsJSON, &createdStr, &updatedStr}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return Simulation{}, err
	}

	sim.Description = description.String
	if envJSON.Valid {
		if err := json.Unmarshal([]byte(envJSON.String), &sim.EnvironmentConfig); err != nil {
			return Simulation{}, fmt.Errorf("unmarshal environment config: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(agentJSON), &sim.AgentConfig); err != nil {
		return Simulation{}, fmt.Errorf("unmarshal agent config: %w", err)
	}
	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &sim.Tags); err != nil {
			return Simulation{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if maxSteps.Valid {
		n := int(maxSteps.Int64)
		sim.MaxSteps = &n
	}
	if seed.Valid {
		n := seed.Int64
		sim.Seed = &n
	}
	var err error
	if sim.CreatedAt, err = dbutil.ParseTime(createdStr); err != nil {
		return Simulation{}, err
	}
	if sim.UpdatedAt, err = dbutil.ParseTime(updatedStr); err != nil {
		return Simulation{}, err
	}
	return sim, nil
}

// #endregion scan

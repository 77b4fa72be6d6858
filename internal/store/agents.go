package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/directory"
)

// UpsertAgent persists an agent's capability descriptor. The directory stays
// the source of truth for routing; the table exists for inspection across
// restarts.
func (s *Store) UpsertAgent(desc directory.Descriptor) error {
	skills, err := json.Marshal(desc.Skills)
	if err != nil {
		return fmt.Errorf("marshal skills: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO agents (agent_id, display_name, description, endpoint, skills, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			display_name = excluded.display_name,
			description  = excluded.description,
			endpoint     = excluded.endpoint,
			skills       = excluded.skills,
			version      = excluded.version,
			updated_at   = excluded.updated_at`,
		desc.AgentID, desc.DisplayName, desc.Description, desc.Endpoint,
		string(skills), desc.Version, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgent(agentID string) error {
	if _, err := s.db.Exec(`DELETE FROM agents WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// ListAgents returns persisted descriptors ordered by agent id.
func (s *Store) ListAgents() ([]directory.Descriptor, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, display_name, description, endpoint, skills, version
		FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []directory.Descriptor
	for rows.Next() {
		var desc directory.Descriptor
		var skills string
		if err := rows.Scan(&desc.AgentID, &desc.DisplayName, &desc.Description,
			&desc.Endpoint, &skills, &desc.Version); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if skills != "" {
			if err := json.Unmarshal([]byte(skills), &desc.Skills); err != nil {
				return nil, fmt.Errorf("unmarshal skills: %w", err)
			}
		}
		out = append(out, desc)
	}
	return out, rows.Err()
}

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

// Pre-SQLite releases kept state in flat JSON files in the data dir. On
// open we import any that remain into the relational tables and rename
// them *.migrated, so a second startup finds nothing to do.

type legacySessionFile struct {
	Sessions []struct {
		SessionID      string  `json:"session_id"`
		AgentName      string  `json:"agent_name"`
		ClientName     string  `json:"client_name"`
		ContextID      string  `json:"context_id"`
		TaskID         string  `json:"task_id"`
		CreatedAt      int64   `json:"created_at"`
		LastAccessedAt int64   `json:"last_accessed_at"`
		TotalCostUSD   float64 `json:"total_cost_usd"`
		MessageCount   int     `json:"message_count"`
	} `json:"sessions"`
}

type legacyBudgetFile struct {
	Records []struct {
		Date       string  `json:"date"`
		ClientName string  `json:"client_name"`
		SpentUSD   float64 `json:"spent_usd"`
	} `json:"records"`
}

func (s *Store) importLegacyState() error {
	if err := s.importLegacySessions(); err != nil {
		return err
	}
	return s.importLegacyBudget()
}

func (s *Store) importLegacySessions() error {
	path := filepath.Join(s.dataDir, "sessions.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file legacySessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	now := time.Now().UnixMilli()
	imported := 0
	for _, ls := range file.Sessions {
		if ls.ContextID == "" || ls.SessionID == "" {
			continue
		}
		created := ls.CreatedAt
		if created == 0 {
			created = now
		}
		accessed := ls.LastAccessedAt
		if accessed == 0 {
			accessed = created
		}
		// Imported workers are never alive: the process that owned them
		// is long gone.
		_, err := s.db.Exec(`
			INSERT OR IGNORE INTO sessions (session_id, agent_name, client_name, context_id,
				task_id, created_at, last_accessed_at, total_cost_usd, message_count, process_alive)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			ls.SessionID, ls.AgentName, nullString(ls.ClientName), ls.ContextID,
			nullString(ls.TaskID), created, accessed, ls.TotalCostUSD, ls.MessageCount)
		if err != nil {
			return fmt.Errorf("failed to import legacy session %s: %w", ls.SessionID, err)
		}
		imported++
	}

	if err := markMigrated(path); err != nil {
		return err
	}
	logger.Info("Imported %d legacy session(s) from %s", imported, path)
	return nil
}

func (s *Store) importLegacyBudget() error {
	path := filepath.Join(s.dataDir, "budget.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file legacyBudgetFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	imported := 0
	for _, rec := range file.Records {
		if rec.Date == "" || rec.ClientName == "" {
			continue
		}
		_, err := s.db.Exec(`
			INSERT INTO budget_records (date, client_name, spent_usd) VALUES (?, ?, ?)
			ON CONFLICT(date, client_name) DO UPDATE SET spent_usd = MAX(spent_usd, excluded.spent_usd)`,
			rec.Date, rec.ClientName, rec.SpentUSD)
		if err != nil {
			return fmt.Errorf("failed to import legacy budget record: %w", err)
		}
		imported++
	}

	if err := markMigrated(path); err != nil {
		return err
	}
	logger.Info("Imported %d legacy budget record(s) from %s", imported, path)
	return nil
}

func markMigrated(path string) error {
	if err := os.Rename(path, path+".migrated"); err != nil {
		return fmt.Errorf("failed to rename %s after import: %w", path, err)
	}
	return nil
}

package profile

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"facelock/internal/face"
)

// SQLiteStore implements Store and DraftStore on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database and runs migrations.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			mean_descriptor BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS descriptors (
			profile_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (profile_id, idx),
			FOREIGN KEY (profile_id) REFERENCES profiles(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS enrollment_draft (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// GetAll loads every stored profile with its descriptors.
func (s *SQLiteStore) GetAll() ([]*UserProfile, error) {
	rows, err := s.db.Query(`SELECT id, name, mean_descriptor, created_at FROM profiles ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*UserProfile
	for rows.Next() {
		var p UserProfile
		var mean []byte
		if err := rows.Scan(&p.ID, &p.Name, &mean, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		p.MeanDescriptor = decodeDescriptor(mean)
		profiles = append(profiles, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range profiles {
		raw, err := s.loadDescriptors(p.ID)
		if err != nil {
			return nil, err
		}
		p.RawDescriptors = raw
	}
	return profiles, nil
}

// Get loads one profile by id.
func (s *SQLiteStore) Get(id string) (*UserProfile, error) {
	var p UserProfile
	var mean []byte
	err := s.db.QueryRow(`SELECT id, name, mean_descriptor, created_at FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &mean, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	p.MeanDescriptor = decodeDescriptor(mean)
	if p.RawDescriptors, err = s.loadDescriptors(id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) loadDescriptors(profileID string) ([]face.Descriptor, error) {
	rows, err := s.db.Query(`SELECT data FROM descriptors WHERE profile_id = ? ORDER BY idx`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query descriptors: %w", err)
	}
	defer rows.Close()

	var out []face.Descriptor
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, decodeDescriptor(data))
	}
	return out, rows.Err()
}

// Save inserts a new profile and its descriptors in one transaction.
func (s *SQLiteStore) Save(p *UserProfile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO profiles (id, name, mean_descriptor, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, encodeDescriptor(p.MeanDescriptor), p.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to insert profile: %w", err)
	}

	for i, d := range p.RawDescriptors {
		if _, err := tx.Exec(`INSERT INTO descriptors (profile_id, idx, data) VALUES (?, ?, ?)`,
			p.ID, i, encodeDescriptor(d)); err != nil {
			return fmt.Errorf("failed to insert descriptor: %w", err)
		}
	}

	return tx.Commit()
}

// Rename updates a profile's display name.
func (s *SQLiteStore) Rename(id, newName string) error {
	res, err := s.db.Exec(`UPDATE profiles SET name = ? WHERE id = ?`, newName, id)
	if err != nil {
		return fmt.Errorf("failed to rename profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a profile and, via the cascade, its descriptors.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDraft upserts the single enrollment draft.
func (s *SQLiteStore) SaveDraft(d *Draft) error {
	d.UpdatedAt = time.Now()
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal draft: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO enrollment_draft (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

// LoadDraft returns the stored draft, or nil when none exists.
func (s *SQLiteStore) LoadDraft() (*Draft, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM enrollment_draft WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}
	var d Draft
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal draft: %w", err)
	}
	return &d, nil
}

// ClearDraft removes the stored draft if present.
func (s *SQLiteStore) ClearDraft() error {
	_, err := s.db.Exec(`DELETE FROM enrollment_draft WHERE id = 1`)
	return err
}

// encodeDescriptor packs a descriptor as little-endian float32 bytes.
func encodeDescriptor(d face.Descriptor) []byte {
	out := make([]byte, 4*len(d))
	for i, v := range d {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeDescriptor(data []byte) face.Descriptor {
	d := make(face.Descriptor, len(data)/4)
	for i := range d {
		d[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return d
}

var (
	_ Store      = (*SQLiteStore)(nil)
	_ DraftStore = (*SQLiteStore)(nil)
)

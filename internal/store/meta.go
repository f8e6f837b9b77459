package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Metadata is the identity and configuration anchor for a world. The seed is
// immutable for the lifetime of the world.
type Metadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Seed        int64     `json:"seed"`
	CreatedAt   time.Time `json:"created_at"`
	LastPlayed  time.Time `json:"last_played"`
	Version     int       `json:"version"`
	Difficulty  string    `json:"difficulty"`
	Description string    `json:"description,omitempty"`
}

const metaFileName = "world.meta"

const metaVersion = 1

// metaSchema validates world.meta before it is trusted. A file that fails
// here is structural corruption, rejected at open time.
const metaSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "name", "seed", "created_at", "version", "difficulty"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"seed": {"type": "integer"},
		"created_at": {"type": "string"},
		"last_played": {"type": "string"},
		"version": {"type": "integer", "minimum": 1},
		"difficulty": {"type": "string", "enum": ["peaceful", "easy", "normal", "hard"]},
		"description": {"type": "string"}
	}
}`

var metaValidator = jsonschema.MustCompileString("world.meta.schema.json", metaSchema)

func metaPath(dir string) string { return filepath.Join(dir, metaFileName) }

func readMetadata(dir string) (Metadata, error) {
	var m Metadata
	raw, err := os.ReadFile(metaPath(dir))
	if err != nil {
		return m, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := metaValidator.Validate(doc); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return m, nil
}

func writeMetadata(dir string, m Metadata) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath(dir), append(b, '\n'), 0o644)
}

func newMetadata(name string, seed int64, difficulty, description string) Metadata {
	if name == "" {
		name = "world"
	}
	if difficulty == "" {
		difficulty = "normal"
	}
	now := time.Now().UTC()
	return Metadata{
		ID:          uuid.NewString(),
		Name:        name,
		Seed:        seed,
		CreatedAt:   now,
		LastPlayed:  now,
		Version:     metaVersion,
		Difficulty:  difficulty,
		Description: description,
	}
}

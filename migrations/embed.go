package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
)

// Directions of a migration file.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

var (
	// ErrNoMigrations is returned when the filesystem holds no migration files.
	ErrNoMigrations = errors.New("no embedded migration files found")
	// ErrInvalidFilename is returned for files not named NNN_name.(up|down).sql.
	ErrInvalidFilename = errors.New("invalid migration filename")
	// ErrUnpairedMigration is returned when an up or down file has no partner.
	ErrUnpairedMigration = errors.New("unpaired migration")
	// ErrSequenceGap is returned when sequence numbers skip a value or do not start at 001.
	ErrSequenceGap = errors.New("migration sequence gap")
	// ErrChecksumMismatch is returned when a file changed after it was first validated.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename: 001_migration_name.up.sql or 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// EmbeddedMigration wraps the SQL files compiled into the binary and
	// validates them before any state-changing operation.
	EmbeddedMigration struct {
		fs        fs.FS
		checksums map[string]string // filename -> sha256
	}

	// MigrationInfo is a parsed migration filename.
	MigrationInfo struct {
		Sequence  int
		Name      string
		Direction string
		Filename  string
	}
)

// NewEmbeddedMigration creates an EmbeddedMigration over filesystem.
// Pass nil to use the migrations compiled into the binary.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigration{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the filesystem holding the migration files.
func (e *EmbeddedMigration) FS() fs.FS {
	return e.fs
}

// List returns the well-named migration files in apply order.
// Files not matching NNN_name.(up|down).sql are ignored.
func (e *EmbeddedMigration) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		if migrationFilenameRegex.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	// Lexicographic order is apply order: 001_x.down < 001_x.up < 002_y.down.
	slices.Sort(files)

	return files, nil
}

// Content returns the SQL of one migration file.
func (e *EmbeddedMigration) Content(filename string) ([]byte, error) {
	return fs.ReadFile(e.fs, filename)
}

// Validate checks pairing, sequence and integrity of every migration file.
//
// The first call records checksums; later calls fail with ErrChecksumMismatch
// if a file's content changed in between.
func (e *EmbeddedMigration) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	infos := make([]MigrationInfo, 0, len(files))

	for _, file := range files {
		info, err := ParseMigrationFilename(file)
		if err != nil {
			return err
		}

		infos = append(infos, info)
	}

	if err := validatePairing(infos); err != nil {
		return err
	}

	if err := validateSequence(infos); err != nil {
		return err
	}

	return e.validateChecksums(files)
}

// MaxVersion returns the highest sequence number among the migration files,
// or 0 when none can be read.
func (e *EmbeddedMigration) MaxVersion() int {
	files, err := e.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, file := range files {
		if info, err := ParseMigrationFilename(file); err == nil {
			maxSequence = max(maxSequence, info.Sequence)
		}
	}

	return maxSequence
}

// ParseMigrationFilename splits a migration filename into its parts.
func ParseMigrationFilename(filename string) (MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return MigrationInfo{}, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("%w: bad sequence in %s: %w", ErrInvalidFilename, filename, err)
	}

	return MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func validatePairing(infos []MigrationInfo) error {
	directions := make(map[string]map[string]bool)

	for _, info := range infos {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
	}

	for key, seen := range directions {
		if !seen[DirectionUp] {
			return fmt.Errorf("%w: %s has no up migration", ErrUnpairedMigration, key)
		}

		if !seen[DirectionDown] {
			return fmt.Errorf("%w: %s has no down migration", ErrUnpairedMigration, key)
		}
	}

	return nil
}

func validateSequence(infos []MigrationInfo) error {
	sequences := make([]int, 0, len(infos))

	for _, info := range infos {
		sequences = append(sequences, info.Sequence)
	}

	slices.Sort(sequences)
	sequences = slices.Compact(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("%w: sequence must start at 001, found %03d", ErrSequenceGap, sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if want := sequences[i-1] + 1; sequences[i] != want {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, want, sequences[i])
		}
	}

	return nil
}

func (e *EmbeddedMigration) validateChecksums(files []string) error {
	for _, file := range files {
		content, err := e.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		sum := sha256.Sum256(content)
		current := hex.EncodeToString(sum[:])

		if stored, ok := e.checksums[file]; ok && stored != current {
			return fmt.Errorf("%w: %s was modified", ErrChecksumMismatch, file)
		}

		e.checksums[file] = current
	}

	return nil
}

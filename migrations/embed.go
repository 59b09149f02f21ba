package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
)

var (
	// ErrNoMigrations is returned when the source holds no migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrInvalidMigrationName is returned for files that do not follow 001_name.(up|down).sql.
	ErrInvalidMigrationName = errors.New("invalid migration filename")

	// ErrUnpairedMigration is returned when an up file has no down file or vice versa.
	ErrUnpairedMigration = errors.New("unpaired migration")

	// ErrSequenceGap is returned when sequence numbers do not run 001, 002, ... without gaps.
	ErrSequenceGap = errors.New("gap in migration sequence")

	// ErrChecksumMismatch is returned when a migration changed after it was first validated.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

//go:embed *.sql
var embeddedMigrations embed.FS

var migrationFilename = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

type (
	// MigrationSet validates the migration files compiled into the binary, so a broken set is
	// caught before any statement reaches the database.
	MigrationSet struct {
		fs        fs.FS
		checksums map[string]string
	}

	// MigrationFile is one parsed migration filename.
	MigrationFile struct {
		Sequence  int
		Name      string
		Direction string
		Filename  string
	}
)

// NewMigrationSet wraps filesystem. nil selects the embedded migrations.
func NewMigrationSet(filesystem fs.FS) *MigrationSet {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &MigrationSet{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the underlying filesystem for the iofs source driver.
func (m *MigrationSet) FS() fs.FS {
	return m.fs
}

// Files lists well-formed migration files in apply order. Other files are ignored.
func (m *MigrationSet) Files() ([]string, error) {
	entries, err := fs.ReadDir(m.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if !entry.IsDir() && migrationFilename.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	slices.Sort(files)

	return files, nil
}

// MaxSequence returns the highest sequence number in the set, 0 when empty.
func (m *MigrationSet) MaxSequence() int {
	files, err := m.Files()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, file := range files {
		if parsed, err := ParseMigrationFilename(file); err == nil && parsed.Sequence > maxSequence {
			maxSequence = parsed.Sequence
		}
	}

	return maxSequence
}

// Validate checks pairing, sequence and, from the second call on, that no file changed.
func (m *MigrationSet) Validate() error {
	files, err := m.Files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[int]map[string]string)

	for _, file := range files {
		parsed, err := ParseMigrationFilename(file)
		if err != nil {
			return err
		}

		if pairs[parsed.Sequence] == nil {
			pairs[parsed.Sequence] = make(map[string]string)
		}

		pairs[parsed.Sequence][parsed.Direction] = parsed.Name
	}

	sequences := make([]int, 0, len(pairs))

	for sequence, directions := range pairs {
		up, hasUp := directions["up"]
		down, hasDown := directions["down"]

		if !hasUp || !hasDown || up != down {
			return fmt.Errorf("%w: %03d", ErrUnpairedMigration, sequence)
		}

		sequences = append(sequences, sequence)
	}

	slices.Sort(sequences)

	for i, sequence := range sequences {
		if sequence != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, sequence)
		}
	}

	return m.verifyChecksums(files)
}

func (m *MigrationSet) verifyChecksums(files []string) error {
	for _, file := range files {
		content, err := fs.ReadFile(m.fs, file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}

		sum := sha256.Sum256(content)
		checksum := hex.EncodeToString(sum[:])

		if previous, ok := m.checksums[file]; ok && previous != checksum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, file)
		}

		m.checksums[file] = checksum
	}

	return nil
}

// ParseMigrationFilename splits 001_name.up.sql into its parts.
func ParseMigrationFilename(filename string) (*MigrationFile, error) {
	matches := migrationFilename.FindStringSubmatch(filename)
	if len(matches) != 4 { //nolint: mnd
		return nil, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidMigrationName, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidMigrationName, filename, err)
	}

	return &MigrationFile{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

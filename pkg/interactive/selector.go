package interactive

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kadirbelkuyu/dbqe/internal/backup"
)

// EntitySelector walks the user through picking entities and the options of
// a backup or restore.
type EntitySelector struct {
	*Prompter
}

// NewEntitySelector reads answers from r. A *bufio.Reader is used as is so
// the selector can share buffered input with its caller.
func NewEntitySelector(r io.Reader, out io.Writer) *EntitySelector {
	return &EntitySelector{Prompter: NewPrompter(r, out)}
}

// SelectEntities prints the entity table and returns the chosen names. An
// empty answer or "all" selects every entity and returns nil.
func (s *EntitySelector) SelectEntities(entities []backup.EntityInfo) ([]string, error) {
	if len(entities) == 0 {
		return nil, fmt.Errorf("no entities found")
	}

	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, "Available entities:")
	fmt.Fprintln(s.out, strings.Repeat("=", 72))
	fmt.Fprintf(s.out, "%-4s %-24s %-24s %-10s %-8s\n", "No", "Entity", "Table", "Records", "Relations")
	fmt.Fprintln(s.out, strings.Repeat("-", 72))
	for i, e := range entities {
		fmt.Fprintf(s.out, "%-4d %-24s %-24s %-10d %-8d\n", i+1, e.Name, e.Table, e.Records, e.Relations)
	}
	fmt.Fprintln(s.out, strings.Repeat("=", 72))

	for {
		fmt.Fprint(s.out, "\nEntities to include (numbers or names, comma separated) [all]: ")
		input, err := s.Line()
		if err != nil {
			return nil, fmt.Errorf("unable to read input: %w", err)
		}

		if input == "" || strings.EqualFold(input, "all") {
			return nil, nil
		}

		selected, err := parseSelection(input, entities)
		if err != nil {
			fmt.Fprintln(s.out, err)
			continue
		}
		fmt.Fprintf(s.out, "\nSelected entities: %s\n", strings.Join(selected, ", "))
		return selected, nil
	}
}

func parseSelection(input string, entities []backup.EntityInfo) ([]string, error) {
	seen := make(map[string]bool)
	var selected []string
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name := ""
		if n, err := strconv.Atoi(part); err == nil {
			if n < 1 || n > len(entities) {
				return nil, fmt.Errorf("please select numbers between 1 and %d", len(entities))
			}
			name = entities[n-1].Name
		} else {
			for _, e := range entities {
				if strings.EqualFold(e.Name, part) {
					name = e.Name
					break
				}
			}
			if name == "" {
				return nil, fmt.Errorf("unknown entity %q", part)
			}
		}

		if !seen[name] {
			seen[name] = true
			selected = append(selected, name)
		}
	}
	if len(selected) == 0 {
		return nil, errors.New("please choose at least one entity")
	}
	return selected, nil
}

func (s *EntitySelector) ConfirmAction(action, target string) bool {
	fmt.Fprintf(s.out, "\nConfirm running %s for %s (y/N): ", action, target)

	input, err := s.Line()
	if err != nil {
		return false
	}

	input = strings.ToLower(input)
	return input == "y" || input == "yes"
}

func (s *EntitySelector) GetBackupOptions() backup.BackupOptions {
	options := backup.BackupOptions{ShowProgress: true}

	fmt.Fprint(s.out, "Output directory (leave empty to auto-create under backups/): ")
	options.OutputPath, _ = s.Line()

	options.BatchSize = s.readInt("Batch size", 0)
	options.Workers = s.readInt("Parallel workers", 0)

	return options
}

func (s *EntitySelector) GetRestoreOptions() backup.RestoreOptions {
	options := backup.RestoreOptions{ShowProgress: true}

	for options.BackupPath == "" {
		fmt.Fprint(s.out, "Backup directory (look under backups/): ")
		path, err := s.Line()
		if err != nil {
			return options
		}
		options.BackupPath = path
	}

	options.CleanFirst = s.readYesNo("Delete existing records of the restored entities first?", false)
	if !options.CleanFirst {
		options.SkipDuplicates = s.readYesNo("Skip records that already exist?", true)
	}
	options.SkipVerify = !s.readYesNo("Verify file checksums?", true)
	options.BatchSize = s.readInt("Batch size", 0)
	options.Workers = s.readInt("Parallel workers", 0)

	return options
}

// readInt returns fallback for an empty or invalid answer. Zero lets the
// service pick its default.
func (s *EntitySelector) readInt(question string, fallback int) int {
	if fallback > 0 {
		fmt.Fprintf(s.out, "%s [%d]: ", question, fallback)
	} else {
		fmt.Fprintf(s.out, "%s [default]: ", question)
	}
	input, err := s.Line()
	if err != nil || input == "" {
		return fallback
	}
	n, err := strconv.Atoi(input)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *EntitySelector) readYesNo(question string, fallback bool) bool {
	suffix := "(y/N)"
	if fallback {
		suffix = "(Y/n)"
	}
	fmt.Fprintf(s.out, "%s %s ", question, suffix)
	input, err := s.Line()
	if err != nil {
		return fallback
	}
	if answer, ok := parseYesNo(input, fallback); ok {
		return answer
	}
	return fallback
}

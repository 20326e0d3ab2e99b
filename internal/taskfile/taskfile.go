// Package taskfile loads task definitions from YAML or JSON documents.
//
// A document lists tasks under a top-level "tasks" key:
//
//	tasks:
//	  - id: greet-oslo          # optional, generated when absent
//	    input:                  # mapping, key order is kept
//	      city: Oslo
//	      greeting: hello
//	    output: greetings/oslo.txt
//	  - row:                    # a table row; input mirrors the row
//	      city: Rome
//	  - input:                  # explicit list form
//	      - {name: q, value: "what is 2+2"}
//
// JSON documents use the same shape.
package taskfile

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/phrazzld/flowbatch/internal/task"
)

// ErrNoTasks is returned when patterns match no files or the files define no tasks.
var ErrNoTasks = errors.New("no tasks found")

type document struct {
	Tasks []entry `yaml:"tasks"`
}

type entry struct {
	ID     string    `yaml:"id"`
	Input  yaml.Node `yaml:"input"`
	Row    yaml.Node `yaml:"row"`
	Output string    `yaml:"output"`
}

// Parse decodes the tasks of one document. source names the document in errors.
func Parse(source string, data []byte) ([]*task.Record, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: failed to parse task file: %w", source, err)
	}

	records := make([]*task.Record, 0, len(doc.Tasks))
	for i, e := range doc.Tasks {
		r, err := e.record()
		if err != nil {
			return nil, fmt.Errorf("%s: task %d: %w", source, i+1, err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (e entry) record() (*task.Record, error) {
	hasInput := !isEmpty(&e.Input)
	hasRow := !isEmpty(&e.Row)

	var r *task.Record
	switch {
	case hasInput && hasRow:
		return nil, errors.New("input and row are mutually exclusive")
	case hasRow:
		row, err := decodeFields(&e.Row)
		if err != nil {
			return nil, fmt.Errorf("row: %w", err)
		}
		r = task.NewRecordFromRow(row, e.Output)
	case hasInput:
		input, err := decodeFields(&e.Input)
		if err != nil {
			return nil, fmt.Errorf("input: %w", err)
		}
		r = task.NewRecord(input, e.Output)
	default:
		return nil, errors.New("input or row is required")
	}

	if e.ID != "" {
		r.ID = e.ID
	}
	return r, nil
}

func isEmpty(n *yaml.Node) bool {
	return n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

// decodeFields accepts a mapping or a sequence of {name, value} mappings.
func decodeFields(n *yaml.Node) (task.Fields, error) {
	switch n.Kind {
	case yaml.MappingNode:
		fields := make(task.Fields, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			value, err := scalar(val)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key.Value, err)
			}
			fields = fields.Set(key.Value, value)
		}
		return fields, nil

	case yaml.SequenceNode:
		fields := make(task.Fields, 0, len(n.Content))
		for i, item := range n.Content {
			var f struct {
				Name  string    `yaml:"name"`
				Value yaml.Node `yaml:"value"`
			}
			if err := item.Decode(&f); err != nil {
				return nil, fmt.Errorf("field %d: %w", i+1, err)
			}
			if f.Name == "" {
				return nil, fmt.Errorf("field %d: name is required", i+1)
			}
			value, err := scalar(&f.Value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			fields = fields.Set(f.Name, value)
		}
		return fields, nil
	}

	return nil, fmt.Errorf("expected a mapping or a list, got %s", kindName(n.Kind))
}

// scalar renders a value node as the string sent to the flow service.
func scalar(n *yaml.Node) (string, error) {
	if isEmpty(n) {
		return "", nil
	}
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		return scalar(n.Alias)
	}
	if n.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("expected a scalar value, got %s", kindName(n.Kind))
	}
	return n.Value, nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "list"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "nothing"
	}
}

// LoadFile parses the task file at path.
func LoadFile(path string) ([]*task.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return Parse(path, data)
}

// Expand resolves doublestar glob patterns to a sorted, de-duplicated list
// of files. Directories are never matched.
func Expand(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range patterns {
		if !doublestar.ValidatePathPattern(pattern) {
			return nil, fmt.Errorf("invalid task file pattern %q", pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("failed to expand %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Load expands patterns and parses every matched file, in path order. Task
// ids must be unique across files.
func Load(patterns []string) ([]*task.Record, error) {
	files, err := Expand(patterns)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: patterns %v match no files", ErrNoTasks, patterns)
	}

	ids := make(map[string]string)
	var records []*task.Record
	for _, file := range files {
		rs, err := LoadFile(file)
		if err != nil {
			return nil, err
		}
		for _, r := range rs {
			if prev, ok := ids[r.ID]; ok {
				return nil, fmt.Errorf("%w: id %q in %s was already defined in %s", task.ErrDuplicateTask, r.ID, file, prev)
			}
			ids[r.ID] = file
		}
		records = append(records, rs...)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w in %d files", ErrNoTasks, len(files))
	}
	return records, nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"valet/pkg/protocol"
)

// taskDoc is the on-disk YAML shape of one task definition.
type taskDoc struct {
	Name              string    `yaml:"name"`
	Instructions      string    `yaml:"instructions"`
	Interval          string    `yaml:"interval"`
	Precondition      string    `yaml:"precondition"`
	Steps             []stepDoc `yaml:"steps"`
	Script            string    `yaml:"script"`
	Profile           string    `yaml:"profile"`
	Dir               string    `yaml:"dir"`
	Notify            bool      `yaml:"notify"`
	Disabled          bool      `yaml:"disabled"`
	PersistentSession bool      `yaml:"persistent_session"`
}

type stepDoc struct {
	Instructions string `yaml:"instructions"`
	Optional     bool   `yaml:"optional"`
}

type tasksFile struct {
	Tasks []taskDoc `yaml:"tasks"`
}

// LoadTasks reads the YAML task definition file. A missing file is not an
// error; the daemon simply has no scheduled tasks. Definitions are validated
// here so the scheduler never sees a half-formed task.
func LoadTasks(path string) ([]protocol.Task, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks %s: %w", path, err)
	}

	var doc tasksFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tasks %s: %w", path, err)
	}

	seen := make(map[string]bool, len(doc.Tasks))
	out := make([]protocol.Task, 0, len(doc.Tasks))
	for i, td := range doc.Tasks {
		task, err := td.resolve()
		if err != nil {
			return nil, fmt.Errorf("tasks %s: entry %d: %w", path, i, err)
		}
		if seen[task.Name] {
			return nil, fmt.Errorf("tasks %s: duplicate task name %q", path, task.Name)
		}
		seen[task.Name] = true
		out = append(out, task)
	}
	return out, nil
}

func (td taskDoc) resolve() (protocol.Task, error) {
	if td.Name == "" {
		return protocol.Task{}, fmt.Errorf("task name is required")
	}
	if td.Interval == "" {
		return protocol.Task{}, fmt.Errorf("task %q: interval is required", td.Name)
	}
	interval, err := time.ParseDuration(td.Interval)
	if err != nil {
		return protocol.Task{}, fmt.Errorf("task %q: interval: %w", td.Name, err)
	}
	if interval < time.Minute {
		return protocol.Task{}, fmt.Errorf("task %q: interval %s is below the 1m floor", td.Name, td.Interval)
	}

	task := protocol.Task{
		Name:              td.Name,
		Instructions:      td.Instructions,
		Interval:          interval,
		Precondition:      td.Precondition,
		Script:            td.Script,
		Profile:           td.Profile,
		Dir:               td.Dir,
		Notify:            td.Notify,
		Disabled:          td.Disabled,
		PersistentSession: td.PersistentSession,
	}
	for j, sd := range td.Steps {
		if sd.Instructions == "" {
			return protocol.Task{}, fmt.Errorf("task %q: step %d has no instructions", td.Name, j+1)
		}
		task.Steps = append(task.Steps, protocol.PlanStep{
			Instructions: sd.Instructions,
			Optional:     sd.Optional,
		})
	}

	// One execution shape per task: script, plan steps, or plain
	// instructions.
	switch {
	case task.Script != "":
		if task.Instructions != "" || len(task.Steps) > 0 {
			return protocol.Task{}, fmt.Errorf("task %q: script tasks take no instructions or steps", td.Name)
		}
	case len(task.Steps) > 0:
		// Plan steps take precedence; top-level instructions are ignored.
	case task.Instructions == "":
		return protocol.Task{}, fmt.Errorf("task %q: one of instructions, steps, or script is required", td.Name)
	}
	if task.PersistentSession && task.IsScript() {
		return protocol.Task{}, fmt.Errorf("task %q: persistent_session has no effect on script tasks", td.Name)
	}
	return task, nil
}

package models

import "encoding/json"

// TaskDescriptor identifies one evaluation unit within a slice.
type TaskDescriptor struct {
	Domain                string          `json:"domain"`
	ExampleID             string          `json:"example_id"`
	Instruction           string          `json:"instruction"`
	Config                json.RawMessage `json:"config"`
	RequiresExternalDrive bool            `json:"requires_external_drive"`
	RequiresProxy         bool            `json:"requires_proxy"`
}

// ID returns the task identity used in results and artifact paths.
func (t TaskDescriptor) ID() string {
	return t.Domain + "__" + t.ExampleID
}

// TaskRef points at one example inside a slice without its configuration.
type TaskRef struct {
	Domain    string `json:"domain"`
	ExampleID string `json:"example_id"`
}

// DomainEntry is one domain of a slice with its example ids in catalog order.
type DomainEntry struct {
	Domain     string   `json:"domain"`
	ExampleIDs []string `json:"example_ids"`
}

// Slice is a named, ordered catalog of tasks grouped by domain.
type Slice struct {
	Name    string        `json:"name"`
	Source  string        `json:"source"`
	Domains []DomainEntry `json:"domains"`
}

// Refs flattens the slice in catalog order: domains as listed, ids as listed.
func (s Slice) Refs() []TaskRef {
	var refs []TaskRef
	for _, d := range s.Domains {
		for _, id := range d.ExampleIDs {
			refs = append(refs, TaskRef{Domain: d.Domain, ExampleID: id})
		}
	}
	return refs
}

// Len returns the number of tasks in the slice.
func (s Slice) Len() int {
	n := 0
	for _, d := range s.Domains {
		n += len(d.ExampleIDs)
	}
	return n
}

// SelectedTask is a task chosen by the selector together with its position in
// the filtered, flattened slice it was chosen from.
type SelectedTask struct {
	Index int
	Task  TaskDescriptor
}

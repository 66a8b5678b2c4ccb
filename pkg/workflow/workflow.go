package workflow

import (
	"github.com/emberq/emberq/pkg/core"
)

// Signature is one task invocation inside a composition.
type Signature struct {
	Name string
	Args []any
	Opts []core.Option
}

// Task builds a signature.
func Task(name string, args ...any) Signature {
	return Signature{Name: name, Args: args}
}

// With appends submission options to a signature.
func (s Signature) With(opts ...core.Option) Signature {
	s.Opts = append(s.Opts[:len(s.Opts):len(s.Opts)], opts...)
	return s
}

// Chain runs its tasks sequentially, prepending each result to the next
// task's arguments.
type Chain struct {
	Tasks []Signature
}

// NewChain builds a chain.
func NewChain(tasks ...Signature) Chain {
	return Chain{Tasks: tasks}
}

// Validate rejects empty chains.
func (c Chain) Validate() error {
	if len(c.Tasks) == 0 {
		return core.Configf("a chain needs at least one task")
	}
	return nil
}

// Group runs its tasks in parallel with no mutual ordering.
type Group struct {
	Tasks []Signature
}

// NewGroup builds a group.
func NewGroup(tasks ...Signature) Group {
	return Group{Tasks: tasks}
}

// Chord runs the header group in parallel, then the body exactly once
// with all header results, in member order, as its argument.
type Chord struct {
	Header Group
	Body   Signature
}

// NewChord builds a chord.
func NewChord(header Group, body Signature) Chord {
	return Chord{Header: header, Body: body}
}

// Map fans one task out over items, one invocation per item.
func Map(name string, items []any) Group {
	tasks := make([]Signature, len(items))
	for i, item := range items {
		tasks[i] = Task(name, item)
	}
	return Group{Tasks: tasks}
}

// Starmap fans one task out over argument tuples, spreading each tuple
// across the task's parameters.
func Starmap(name string, argSets [][]any) Group {
	tasks := make([]Signature, len(argSets))
	for i, args := range argSets {
		tasks[i] = Task(name, args...)
	}
	return Group{Tasks: tasks}
}

// Chunks splits items into batches of size and submits one invocation
// per batch, each receiving its batch as a single slice argument.
func Chunks(name string, items []any, size int) Group {
	if size < 1 {
		size = 1
	}
	var tasks []Signature
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]
		tasks = append(tasks, Task(name, batch))
	}
	return Group{Tasks: tasks}
}

package scheduler

import (
	"sync"

	"github.com/gammazero/toposort"
)

// Catalog is the explicitly registered set of task descriptors the scheduler
// runs. Tasks are registered once at startup and validated before use.
type Catalog struct {
	mu         sync.RWMutex
	tasks      map[string]Descriptor
	order      []string            // registration order
	dependents map[string][]string // name -> tasks that depend on it
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		tasks:      make(map[string]Descriptor),
		dependents: make(map[string][]string),
	}
}

// Register adds a descriptor. Returns error if the name is empty, already
// registered, or the descriptor has no body.
func (c *Catalog) Register(d Descriptor) error {
	if d.Name == "" {
		return invalidf("task name must not be empty")
	}
	if d.Body == nil {
		return invalidf("task %q has no body", d.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tasks[d.Name]; exists {
		return invalidf("task %q already registered", d.Name)
	}

	d.Dependencies = append([]string(nil), d.Dependencies...)
	d.FollowOns = append([]string(nil), d.FollowOns...)
	c.tasks[d.Name] = d
	c.order = append(c.order, d.Name)

	for _, dep := range d.Dependencies {
		c.dependents[dep] = append(c.dependents[dep], d.Name)
	}

	return nil
}

// Validate checks that every dependency and follow-on is registered and that
// the dependency relation is acyclic. Returns the names in a dependency-first
// order.
func (c *Catalog) Validate() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range c.order {
		d := c.tasks[name]
		for _, dep := range d.Dependencies {
			if _, exists := c.tasks[dep]; !exists {
				return nil, missingDependency(name, dep)
			}
		}
		for _, f := range d.FollowOns {
			if _, exists := c.tasks[f]; !exists {
				return nil, invalidf("task %q suggests unregistered follow-on %q", name, f)
			}
		}
	}

	var edges []toposort.Edge
	for _, name := range c.order {
		d := c.tasks[name]
		if len(d.Dependencies) == 0 {
			// Roots still need an edge to appear in the result.
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range d.Dependencies {
			// Edge (dep, name) means dep must come before name
			edges = append(edges, toposort.Edge{dep, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, cycleError(c.findCycle())
	}

	order := make([]string, 0, len(sorted))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(string))
		}
	}

	if len(order) != len(c.tasks) {
		return nil, invalidf("topological sort lost %d tasks", len(c.tasks)-len(order))
	}

	return order, nil
}

// findCycle returns one dependency cycle as a path, first node repeated at
// the end. Callers hold the read lock.
func (c *Catalog) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.tasks))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range c.tasks[name].Dependencies {
			switch state[dep] {
			case visiting:
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range c.order {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

// Get returns the descriptor registered under name.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.tasks[name]
	if !ok {
		return Descriptor{}, false
	}
	return cloneDescriptor(d), true
}

// Names returns the registered names in registration order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Dependents returns the tasks that declare name as a direct dependency.
func (c *Catalog) Dependents(name string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.dependents[name]...)
}

// Len returns the number of registered tasks.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks)
}

func cloneDescriptor(d Descriptor) Descriptor {
	cp := d
	if d.Dependencies != nil {
		cp.Dependencies = append([]string(nil), d.Dependencies...)
	}
	if d.FollowOns != nil {
		cp.FollowOns = append([]string(nil), d.FollowOns...)
	}
	return cp
}

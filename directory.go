package dirigent

import (
	"fmt"
	"strings"
)

// GeneralAgentName is the built-in zero-latency agent. Tasks assigned to it
// are answered with a precomputed capability overview instead of a model
// call, and it is the fallback target when a plan names an unknown agent.
const GeneralAgentName = "GeneralAgent"

// AgentDirectory is the catalog of available agents: for each agent a
// summary (shown to the planner) and the tool definitions it may invoke.
// Lookup is case-insensitive because plans come from a model that does not
// reliably preserve casing.
type AgentDirectory struct {
	order   []string
	entries map[string]*directoryEntry // keyed by lower-case name
}

type directoryEntry struct {
	name    string
	summary string
	tools   []ToolDefinition
}

func NewAgentDirectory() *AgentDirectory {
	return &AgentDirectory{entries: map[string]*directoryEntry{}}
}

// Add registers an agent. Re-adding a name replaces its entry.
func (d *AgentDirectory) Add(name, summary string, tools []ToolDefinition) {
	key := strings.ToLower(name)
	if _, ok := d.entries[key]; !ok {
		d.order = append(d.order, key)
	}
	d.entries[key] = &directoryEntry{name: name, summary: summary, tools: tools}
}

// Resolve maps a possibly mis-cased agent name to its canonical form.
func (d *AgentDirectory) Resolve(name string) (string, bool) {
	if e, ok := d.entries[strings.ToLower(name)]; ok {
		return e.name, true
	}
	return "", false
}

// Tools returns the tool definitions for an agent, or nil if unknown.
func (d *AgentDirectory) Tools(name string) []ToolDefinition {
	if e, ok := d.entries[strings.ToLower(name)]; ok {
		return e.tools
	}
	return nil
}

// Summary returns the agent's one-line description, or "".
func (d *AgentDirectory) Summary(name string) string {
	if e, ok := d.entries[strings.ToLower(name)]; ok {
		return e.summary
	}
	return ""
}

// Names returns canonical agent names in registration order.
func (d *AgentDirectory) Names() []string {
	names := make([]string, 0, len(d.order))
	for _, key := range d.order {
		names = append(names, d.entries[key].name)
	}
	return names
}

// Overview renders the catalog as planner/capability context: one block per
// agent with its summary and action names.
func (d *AgentDirectory) Overview() string {
	var b strings.Builder
	for _, key := range d.order {
		e := d.entries[key]
		fmt.Fprintf(&b, "### %s\n", e.name)
		if e.summary != "" {
			b.WriteString(e.summary + "\n")
		}
		for _, t := range e.tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

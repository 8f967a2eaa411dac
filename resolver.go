// resolver.go: dependency resolution and deterministic load ordering
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the resolution result attached to every descriptor.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeSkippedMissingDependency
	OutcomeSkippedVersionMismatch
	OutcomeSkippedCycle
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "Ready"
	case OutcomeSkippedMissingDependency:
		return "SkippedMissingDependency"
	case OutcomeSkippedVersionMismatch:
		return "SkippedVersionMismatch"
	case OutcomeSkippedCycle:
		return "SkippedCycle"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// PlanEntry is the resolution record of one descriptor.
type PlanEntry struct {
	Descriptor *PluginDescriptor
	Outcome    Outcome
	// Blocker is the GUID of the dependency that caused the exclusion.
	Blocker string
	Reason  string
	// Position is the zero-based load position of a Ready entry, -1 otherwise.
	Position int
	// IgnoredSoftDependencies lists soft ordering hints dropped to break a
	// soft dependency cycle.
	IgnoredSoftDependencies []string
}

// LoadPlan is a total order over the descriptors that passed resolution plus
// an outcome for every descriptor. Every hard dependency of a planned
// descriptor appears strictly earlier in the order.
type LoadPlan struct {
	order   []*PluginDescriptor
	entries map[string]*PlanEntry
}

func newLoadPlan() *LoadPlan {
	return &LoadPlan{entries: make(map[string]*PlanEntry)}
}

// Order returns the Ready descriptors in load order.
func (p *LoadPlan) Order() []*PluginDescriptor {
	order := make([]*PluginDescriptor, len(p.order))
	copy(order, p.order)
	return order
}

// OrderGUIDs returns the GUIDs of the Ready descriptors in load order.
func (p *LoadPlan) OrderGUIDs() []string {
	guids := make([]string, len(p.order))
	for i, d := range p.order {
		guids[i] = d.GUID
	}
	return guids
}

// Entry returns the resolution record for guid.
func (p *LoadPlan) Entry(guid string) (PlanEntry, bool) {
	entry, ok := p.entries[guid]
	if !ok {
		return PlanEntry{}, false
	}
	return *entry, true
}

// Outcome returns the outcome for guid.
func (p *LoadPlan) Outcome(guid string) (Outcome, bool) {
	entry, ok := p.entries[guid]
	if !ok {
		return 0, false
	}
	return entry.Outcome, true
}

// Entries returns every record in GUID-lexical order.
func (p *LoadPlan) Entries() []PlanEntry {
	entries := make([]PlanEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Descriptor.GUID < entries[j].Descriptor.GUID
	})
	return entries
}

// Skipped returns the excluded records in GUID-lexical order.
func (p *LoadPlan) Skipped() []PlanEntry {
	var skipped []PlanEntry
	for _, entry := range p.Entries() {
		if entry.Outcome != OutcomeReady {
			skipped = append(skipped, entry)
		}
	}
	return skipped
}

// Len returns the number of descriptors that will load.
func (p *LoadPlan) Len() int { return len(p.order) }

// Report renders the plan as a human readable resolution report.
func (p *LoadPlan) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Load order (%d):\n", len(p.order))
	for i, d := range p.order {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, d)
		entry := p.entries[d.GUID]
		if len(entry.IgnoredSoftDependencies) > 0 {
			fmt.Fprintf(&b, "     soft ordering ignored: %s\n", strings.Join(entry.IgnoredSoftDependencies, ", "))
		}
	}
	skipped := p.Skipped()
	if len(skipped) > 0 {
		fmt.Fprintf(&b, "Skipped (%d):\n", len(skipped))
		for _, entry := range skipped {
			fmt.Fprintf(&b, "  %s [%s]: %s\n", entry.Descriptor, entry.Outcome, entry.Reason)
		}
	}
	return b.String()
}

// Resolver turns a descriptor set into a LoadPlan.
//
// Hard dependency cycles exclude their members and, transitively, anything
// hard-depending on them. Remaining descriptors are excluded when a hard
// dependency is absent, excluded itself, or below the declared minimum
// version. Survivors are ordered topologically over hard and soft edges with
// GUID-lexical tie-breaking. A cycle made only possible by soft edges never
// excludes anything: the lexically smallest blocked descriptor whose hard
// dependencies are all placed is released and its pending soft hints are
// ignored.
type Resolver struct {
	logger  Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// NewResolver creates a resolver. A nil logger discards output.
func NewResolver(logger Logger) *Resolver {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &Resolver{logger: logger, tracer: tracerOrNoop(nil)}
}

// WithInstrumentation attaches metrics and a tracer. Either may be nil.
func (r *Resolver) WithInstrumentation(metrics *Metrics, tracer trace.Tracer) *Resolver {
	r.metrics = metrics
	r.tracer = tracerOrNoop(tracer)
	return r
}

// Resolve computes the load plan with a silent resolver.
func Resolve(descriptors []*PluginDescriptor) *LoadPlan {
	return NewResolver(nil).Resolve(context.Background(), descriptors)
}

// Resolve computes the load plan. It never fails: every exclusion is
// recorded on the plan. Input order does not affect the result.
func (r *Resolver) Resolve(ctx context.Context, descriptors []*PluginDescriptor) *LoadPlan {
	_, span := r.tracer.Start(ctx, "chainloader.resolve")

	g := newDependencyGraph(descriptors)
	plan := newLoadPlan()
	for _, guid := range g.guids {
		plan.entries[guid] = &PlanEntry{Descriptor: g.nodes[guid], Outcome: OutcomeReady, Position: -1}
	}

	g.markCycles(plan)
	g.markCycleDependents(plan)
	g.evaluateHardDependencies(plan)
	g.order(plan)

	for _, guid := range g.guids {
		entry := plan.entries[guid]
		r.metrics.resolutionOutcome(entry.Outcome)
		switch {
		case entry.Outcome != OutcomeReady:
			r.logger.Error("Plugin excluded from load order",
				"guid", guid,
				"outcome", entry.Outcome.String(),
				"blocker", entry.Blocker,
				"reason", entry.Reason,
				"module", entry.Descriptor.Module.String())
		case len(entry.IgnoredSoftDependencies) > 0:
			r.logger.Warn("Soft dependency cycle broken",
				"guid", guid,
				"ignored", entry.IgnoredSoftDependencies)
		}
	}

	span.SetAttributes(
		attribute.Int("resolve.descriptors", len(g.guids)),
		attribute.Int("resolve.ready", len(plan.order)),
	)
	span.End()

	r.logger.Info("Dependency resolution completed",
		"descriptors", len(g.guids),
		"ready", len(plan.order),
		"skipped", len(g.guids)-len(plan.order))
	return plan
}

// dependencyGraph indexes descriptors by GUID.
type dependencyGraph struct {
	nodes map[string]*PluginDescriptor
	guids []string
	// hardDependents maps a GUID to the GUIDs hard-depending on it.
	hardDependents map[string][]string
}

// newDependencyGraph indexes descriptors. If a GUID occurs more than once
// the descriptor with the smallest module reference is used.
func newDependencyGraph(descriptors []*PluginDescriptor) *dependencyGraph {
	g := &dependencyGraph{
		nodes:          make(map[string]*PluginDescriptor, len(descriptors)),
		hardDependents: make(map[string][]string),
	}
	for _, d := range descriptors {
		if d == nil {
			continue
		}
		if existing, ok := g.nodes[d.GUID]; ok && !d.Module.less(existing.Module) {
			continue
		}
		g.nodes[d.GUID] = d
	}

	g.guids = make([]string, 0, len(g.nodes))
	for guid := range g.nodes {
		g.guids = append(g.guids, guid)
	}
	sort.Strings(g.guids)

	for _, guid := range g.guids {
		for _, dep := range g.nodes[guid].Dependencies {
			if dep.Hard {
				if _, present := g.nodes[dep.TargetGUID]; present {
					g.hardDependents[dep.TargetGUID] = append(g.hardDependents[dep.TargetGUID], guid)
				}
			}
		}
	}
	return g
}

// markCycles finds strongly connected components of the hard dependency
// graph (Tarjan) and marks every member of a cyclic component.
func (g *dependencyGraph) markCycles(plan *LoadPlan) {
	index := 0
	indices := make(map[string]int, len(g.guids))
	lowlink := make(map[string]int, len(g.guids))
	onStack := make(map[string]bool, len(g.guids))
	var stack []string

	var strongConnect func(guid string)
	strongConnect = func(guid string) {
		indices[guid] = index
		lowlink[guid] = index
		index++
		stack = append(stack, guid)
		onStack[guid] = true

		for _, dep := range g.nodes[guid].Dependencies {
			if !dep.Hard {
				continue
			}
			target := dep.TargetGUID
			if _, present := g.nodes[target]; !present {
				continue
			}
			if _, visited := indices[target]; !visited {
				strongConnect(target)
				lowlink[guid] = min(lowlink[guid], lowlink[target])
			} else if onStack[target] {
				lowlink[guid] = min(lowlink[guid], indices[target])
			}
		}

		if lowlink[guid] != indices[guid] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == guid {
				break
			}
		}
		if len(component) > 1 || g.dependsOnItself(guid) {
			sort.Strings(component)
			g.markComponent(plan, component)
		}
	}

	for _, guid := range g.guids {
		if _, visited := indices[guid]; !visited {
			strongConnect(guid)
		}
	}
}

func (g *dependencyGraph) dependsOnItself(guid string) bool {
	for _, dep := range g.nodes[guid].Dependencies {
		if dep.Hard && dep.TargetGUID == guid {
			return true
		}
	}
	return false
}

func (g *dependencyGraph) markComponent(plan *LoadPlan, component []string) {
	members := strings.Join(component, ", ")
	for _, guid := range component {
		entry := plan.entries[guid]
		entry.Outcome = OutcomeSkippedCycle
		entry.Blocker = g.cycleBlocker(guid, component)
		entry.Reason = "participates in a hard dependency cycle among " + members
	}
}

// cycleBlocker returns the first hard dependency of guid, in declared order,
// that lies in the same component.
func (g *dependencyGraph) cycleBlocker(guid string, component []string) string {
	for _, dep := range g.nodes[guid].Dependencies {
		if !dep.Hard {
			continue
		}
		i := sort.SearchStrings(component, dep.TargetGUID)
		if i < len(component) && component[i] == dep.TargetGUID {
			return dep.TargetGUID
		}
	}
	return guid
}

// markCycleDependents excludes, transitively, everything hard-depending on
// a cycle member.
func (g *dependencyGraph) markCycleDependents(plan *LoadPlan) {
	var queue []string
	for _, guid := range g.guids {
		if plan.entries[guid].Outcome == OutcomeSkippedCycle {
			queue = append(queue, guid)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range g.hardDependents[current] {
			entry := plan.entries[dependent]
			if entry.Outcome == OutcomeSkippedCycle {
				continue
			}
			entry.Outcome = OutcomeSkippedCycle
			entry.Blocker = current
			entry.Reason = fmt.Sprintf("hard-depends on %s, which is excluded by a dependency cycle", current)
			queue = append(queue, dependent)
		}
	}
}

// evaluateHardDependencies excludes descriptors whose hard dependencies are
// absent, excluded or too old. The first failing dependency in declared
// order determines the outcome.
func (g *dependencyGraph) evaluateHardDependencies(plan *LoadPlan) {
	done := make(map[string]bool, len(g.guids))
	for guid, entry := range plan.entries {
		if entry.Outcome == OutcomeSkippedCycle {
			done[guid] = true
		}
	}

	// The hard graph restricted to non-cycle descriptors is acyclic, so the
	// recursion terminates.
	var evaluate func(guid string)
	evaluate = func(guid string) {
		if done[guid] {
			return
		}
		done[guid] = true
		entry := plan.entries[guid]

		for _, dep := range g.nodes[guid].Dependencies {
			if !dep.Hard {
				continue
			}
			target, present := g.nodes[dep.TargetGUID]
			if !present {
				entry.Outcome = OutcomeSkippedMissingDependency
				entry.Blocker = dep.TargetGUID
				entry.Reason = fmt.Sprintf("requires %s, which is not present", dep)
				return
			}

			evaluate(dep.TargetGUID)
			targetEntry := plan.entries[dep.TargetGUID]
			if targetEntry.Outcome != OutcomeReady {
				entry.Outcome = OutcomeSkippedMissingDependency
				entry.Blocker = dep.TargetGUID
				entry.Reason = fmt.Sprintf("requires %s, which was excluded (%s)", dep.TargetGUID, targetEntry.Outcome)
				return
			}

			if !target.Version.AtLeast(dep.MinVersion) {
				entry.Outcome = OutcomeSkippedVersionMismatch
				entry.Blocker = dep.TargetGUID
				entry.Reason = fmt.Sprintf("requires %s >= %s, found %s", dep.TargetGUID, dep.MinVersion, target.Version)
				return
			}
		}
	}

	for _, guid := range g.guids {
		evaluate(guid)
	}
}

// order places Ready descriptors with Kahn's algorithm over hard and soft
// edges, always taking the lexically smallest available GUID.
func (g *dependencyGraph) order(plan *LoadPlan) {
	ready := func(guid string) bool {
		entry, ok := plan.entries[guid]
		return ok && entry.Outcome == OutcomeReady
	}

	hardIn := make(map[string]int)
	softIn := make(map[string]int)
	successors := make(map[string][]edge)
	remaining := make(map[string]bool)

	for _, guid := range g.guids {
		if !ready(guid) {
			continue
		}
		remaining[guid] = true
		for _, dep := range g.nodes[guid].Dependencies {
			if dep.TargetGUID == guid || !ready(dep.TargetGUID) {
				continue
			}
			successors[dep.TargetGUID] = append(successors[dep.TargetGUID], edge{to: guid, hard: dep.Hard})
			if dep.Hard {
				hardIn[guid]++
			} else {
				softIn[guid]++
			}
		}
	}

	available := &guidHeap{}
	released := make(map[string]bool)
	for _, guid := range g.guids {
		if remaining[guid] && hardIn[guid] == 0 && softIn[guid] == 0 {
			heap.Push(available, guid)
		}
	}

	for len(remaining) > 0 {
		if available.Len() == 0 {
			guid := g.releaseSoftBlocked(plan, remaining, hardIn)
			released[guid] = true
			heap.Push(available, guid)
		}

		guid := heap.Pop(available).(string)
		delete(remaining, guid)
		entry := plan.entries[guid]
		entry.Position = len(plan.order)
		plan.order = append(plan.order, entry.Descriptor)

		for _, e := range successors[guid] {
			if !remaining[e.to] {
				continue
			}
			if e.hard {
				hardIn[e.to]--
			} else if !released[e.to] {
				softIn[e.to]--
			}
			if hardIn[e.to] == 0 && (softIn[e.to] == 0 || released[e.to]) && !available.contains(e.to) {
				heap.Push(available, e.to)
			}
		}
	}
}

// releaseSoftBlocked breaks a soft dependency cycle. It picks the source
// component of the remaining subgraph with the lexically smallest member and
// releases that component's smallest member whose hard dependencies are all
// placed. Only the soft hints pointing inside the component are recorded as
// ignored; dependents of the cycle keep theirs.
func (g *dependencyGraph) releaseSoftBlocked(plan *LoadPlan, remaining map[string]bool, hardIn map[string]int) string {
	component := g.sourceComponent(remaining)
	for _, guid := range component {
		if hardIn[guid] != 0 {
			continue
		}
		members := make(map[string]bool, len(component))
		for _, member := range component {
			members[member] = true
		}
		entry := plan.entries[guid]
		for _, dep := range g.nodes[guid].Dependencies {
			if !dep.Hard && members[dep.TargetGUID] && dep.TargetGUID != guid {
				entry.IgnoredSoftDependencies = append(entry.IgnoredSoftDependencies, dep.TargetGUID)
			}
		}
		return guid
	}
	// Unreachable: hard edges among Ready descriptors are acyclic, so a
	// source component always has a member without pending hard edges.
	panic("chainloader: no releasable descriptor in soft dependency cycle")
}

// sourceComponent returns, sorted, the strongly connected component of the
// remaining descriptors that depends on nothing outside itself. When several
// qualify, the one holding the lexically smallest GUID wins.
func (g *dependencyGraph) sourceComponent(remaining map[string]bool) []string {
	pending := func(guid string) []string {
		var targets []string
		for _, dep := range g.nodes[guid].Dependencies {
			if dep.TargetGUID != guid && remaining[dep.TargetGUID] {
				targets = append(targets, dep.TargetGUID)
			}
		}
		return targets
	}

	index := 0
	indices := make(map[string]int, len(remaining))
	lowlink := make(map[string]int, len(remaining))
	onStack := make(map[string]bool, len(remaining))
	componentOf := make(map[string]int, len(remaining))
	var components [][]string
	var stack []string

	var strongConnect func(guid string)
	strongConnect = func(guid string) {
		indices[guid] = index
		lowlink[guid] = index
		index++
		stack = append(stack, guid)
		onStack[guid] = true

		for _, target := range pending(guid) {
			if _, visited := indices[target]; !visited {
				strongConnect(target)
				lowlink[guid] = min(lowlink[guid], lowlink[target])
			} else if onStack[target] {
				lowlink[guid] = min(lowlink[guid], indices[target])
			}
		}

		if lowlink[guid] != indices[guid] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			componentOf[top] = len(components)
			component = append(component, top)
			if top == guid {
				break
			}
		}
		sort.Strings(component)
		components = append(components, component)
	}

	for _, guid := range g.guids {
		if _, visited := indices[guid]; remaining[guid] && !visited {
			strongConnect(guid)
		}
	}

	var best []string
	for i, component := range components {
		if len(component) < 2 {
			continue
		}
		source := true
		for _, member := range component {
			for _, target := range pending(member) {
				if componentOf[target] != i {
					source = false
				}
			}
		}
		if source && (best == nil || component[0] < best[0]) {
			best = component
		}
	}
	return best
}

type edge struct {
	to   string
	hard bool
}

// guidHeap is a min-heap of GUIDs.
type guidHeap []string

func (h guidHeap) Len() int           { return len(h) }
func (h guidHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h guidHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *guidHeap) Push(x any) { *h = append(*h, x.(string)) }

func (h *guidHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h guidHeap) contains(guid string) bool {
	for _, g := range h {
		if g == guid {
			return true
		}
	}
	return false
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package predicate

import "sync"

// Factory builds a statistic instance for a matched definition.
type Factory func(host Host, def Definition) Statistic

// Matcher decides whether a registered factory can host the given statistic
// name and configuration.
type Matcher func(statisticName string, configuration map[string]interface{}) bool

// Registration is the handle returned by Register. Cancelling it removes the
// factory from future matches; instances already built keep running.
type Registration struct {
	matcher Matcher
	factory Factory

	mu        sync.Mutex
	cancelled bool
}

// Cancel withdraws the registration.
func (r *Registration) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *Registration) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Registry holds the statistic factories registered by the embedding
// application. The communicator consults it whenever the server announces a
// predicate the agent has no instance for.
type Registry struct {
	mu      sync.Mutex
	entries []*Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a factory guarded by a matcher. Matchers are consulted in
// registration order and the first match wins.
func (r *Registry) Register(matcher Matcher, factory Factory) *Registration {
	reg := &Registration{matcher: matcher, factory: factory}
	r.mu.Lock()
	r.entries = append(r.entries, reg)
	r.mu.Unlock()
	return reg
}

// TryMatch finds a factory for def and instantiates it, or returns nil when
// no registered factory accepts the definition. Cancelled registrations are
// pruned as a side effect.
func (r *Registry) TryMatch(host Host, def Definition) Statistic {
	r.mu.Lock()
	live := r.entries[:0]
	var chosen *Registration
	for _, reg := range r.entries {
		if reg.isCancelled() {
			continue
		}
		live = append(live, reg)
		if chosen == nil && reg.matcher(def.StatisticName, def.Configuration) {
			chosen = reg
		}
	}
	r.entries = live
	r.mu.Unlock()

	if chosen == nil {
		return nil
	}
	return chosen.factory(host, def)
}

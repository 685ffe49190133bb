// Package snapshot implements the incremental snapshot-install protocol:
// two coupled state machines, one on the leader and one on the follower,
// that exchange page checksums and ship only the pages that actually
// differ instead of the whole database file.
package snapshot

import "fmt"

// state is a named node in one of the two state machines below, carrying
// the set of states it is allowed to transition to.
type state int

type stateConf struct {
	name    string
	allowed map[state]bool
}

func bits(states ...state) map[state]bool {
	m := make(map[state]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// transition validates from->to against conf and panics on an illegal
// move: a state machine violation is a programming error, not a runtime
// condition callers should recover from.
func transition(conf []stateConf, from, to state) {
	if !conf[from].allowed[to] {
		panic(fmt.Sprintf("illegal transition %s -> %s", conf[from].name, conf[to].name))
	}
}

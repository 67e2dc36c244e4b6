package jobs

import (
	"fmt"
	"strconv"
	"strings"
)

// Verb is the primary verb of a job action.
type Verb string

const (
	VerbUp     Verb = "up"     // deploy / start the lab
	VerbDown   Verb = "down"   // destroy / stop the lab
	VerbSync   Verb = "sync"   // reconcile or enforce, optionally scoped
	VerbLinks  Verb = "links"  // incremental topology change
	VerbUpdate Verb = "update" // agent self-update
)

// Action is a parsed job action string. The grammar exists so the
// pipeline can compute conflicts without inspecting payloads:
//
//	up | down | sync
//	sync:node:<node_id> | sync:agent:<agent_id>
//	links:add:<K>,remove:<M>
//	update:agent:<agent_id>
type Action struct {
	Verb        Verb
	SubjectKind string // "node" or "agent", empty when unscoped
	SubjectID   string

	LinksAdd    int
	LinksRemove int
}

// String reconstructs the canonical action string.
func (a Action) String() string {
	switch a.Verb {
	case VerbSync, VerbUpdate:
		if a.SubjectKind != "" {
			return fmt.Sprintf("%s:%s:%s", a.Verb, a.SubjectKind, a.SubjectID)
		}
		return string(a.Verb)
	case VerbLinks:
		return fmt.Sprintf("links:add:%d,remove:%d", a.LinksAdd, a.LinksRemove)
	default:
		return string(a.Verb)
	}
}

// ParseAction parses an action string. Unknown verbs and malformed
// qualifiers are errors.
func ParseAction(s string) (Action, error) {
	parts := strings.Split(s, ":")
	switch Verb(parts[0]) {
	case VerbUp, VerbDown:
		if len(parts) != 1 {
			return Action{}, fmt.Errorf("action %q: verb %s takes no qualifier", s, parts[0])
		}
		return Action{Verb: Verb(parts[0])}, nil

	case VerbSync:
		if len(parts) == 1 {
			return Action{Verb: VerbSync}, nil
		}
		if len(parts) != 3 || (parts[1] != "node" && parts[1] != "agent") || parts[2] == "" {
			return Action{}, fmt.Errorf("action %q: want sync:node:<id> or sync:agent:<id>", s)
		}
		return Action{Verb: VerbSync, SubjectKind: parts[1], SubjectID: parts[2]}, nil

	case VerbUpdate:
		if len(parts) != 3 || parts[1] != "agent" || parts[2] == "" {
			return Action{}, fmt.Errorf("action %q: want update:agent:<id>", s)
		}
		return Action{Verb: VerbUpdate, SubjectKind: "agent", SubjectID: parts[2]}, nil

	case VerbLinks:
		// links:add:K,remove:M
		rest := strings.TrimPrefix(s, "links:")
		fields := strings.Split(rest, ",")
		if len(fields) != 2 {
			return Action{}, fmt.Errorf("action %q: want links:add:<K>,remove:<M>", s)
		}
		add, err := qualifierCount(fields[0], "add")
		if err != nil {
			return Action{}, fmt.Errorf("action %q: %w", s, err)
		}
		remove, err := qualifierCount(fields[1], "remove")
		if err != nil {
			return Action{}, fmt.Errorf("action %q: %w", s, err)
		}
		return Action{Verb: VerbLinks, LinksAdd: add, LinksRemove: remove}, nil

	default:
		return Action{}, fmt.Errorf("action %q: unknown verb", s)
	}
}

func qualifierCount(field, key string) (int, error) {
	kv := strings.Split(field, ":")
	if len(kv) != 2 || kv[0] != key {
		return 0, fmt.Errorf("want %s:<n>, got %q", key, field)
	}
	n, err := strconv.Atoi(kv[1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad %s count %q", key, kv[1])
	}
	return n, nil
}

// conflictsWith is the admission conflict matrix. sync passes may
// interleave with each other; everything that mutates the runtime
// excludes everything else touching the same lab. update is
// agent-scoped and never conflicts.
var conflictsWith = map[Verb]map[Verb]bool{
	VerbUp:    {VerbDown: true, VerbSync: true, VerbLinks: true},
	VerbDown:  {VerbUp: true, VerbSync: true, VerbLinks: true},
	VerbSync:  {VerbUp: true, VerbDown: true},
	VerbLinks: {VerbUp: true, VerbDown: true, VerbLinks: true},
	VerbUpdate: {},
}

// ConflictsWith reports whether two actions may not be active on the
// same lab at once.
func (a Action) ConflictsWith(b Action) bool {
	return conflictsWith[a.Verb][b.Verb]
}

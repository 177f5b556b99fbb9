package model

import (
	"fmt"
	"strings"
)

// Action is the kind of world mutation a LogEntry records.
type Action string

const (
	ActionBreak           Action = "BREAK"
	ActionPlace           Action = "PLACE"
	ActionContainerAdd    Action = "CONTAINER_ADD"
	ActionContainerRemove Action = "CONTAINER_REMOVE"
	ActionContainerOpen   Action = "CONTAINER_OPEN"
	ActionEntityKill      Action = "ENTITY_KILL"
	ActionEntitySpawn     Action = "ENTITY_SPAWN"
)

var knownActions = []Action{
	ActionBreak,
	ActionPlace,
	ActionContainerAdd,
	ActionContainerRemove,
	ActionContainerOpen,
	ActionEntityKill,
	ActionEntitySpawn,
}

func ParseAction(s string) (Action, error) {
	up := Action(strings.ToUpper(strings.TrimSpace(s)))
	for _, a := range knownActions {
		if a == up {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

func (a Action) Valid() bool {
	_, err := ParseAction(string(a))
	return err == nil
}

// IsContainer reports whether a is one of the CONTAINER_* actions.
func (a Action) IsContainer() bool {
	return strings.HasPrefix(string(a), "CONTAINER_")
}

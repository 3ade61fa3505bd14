package commands

import (
	"regexp"
	"strings"
)

// controlRe matches a /-prefixed control command at the start of a
// message: the name, then optional arguments.
var controlRe = regexp.MustCompile(`^/([a-zA-Z][a-zA-Z0-9_-]*)(?:\s+(.*))?$`)

// routeCommands is the full set of recognized control verbs. Anything
// else starting with "/" still parses but is reported as unknown by
// the registry.
var routeCommands = map[string]bool{
	"bind": true, "where": true, "unbind": true, "chatlist": true,
	"help": true, "cursor": true, "reset-cursor": true,
	"owner": true, "owner-only": true, "pi": true, "soul": true,
	"policy": true, "tooling": true, "model": true, "mode": true,
	"loglevel": true, "reload": true,
	"start": true, "stop": true, "status": true,
	"snapshot": true, "esc": true, "clear": true,
	"skill": true,
}

// ParsedCommand is the outcome of ParseRouteCommand.
type ParsedCommand struct {
	Command string
	Args    []string
}

// ParseRouteCommand splits a control command into name and arguments.
// The second return is false when the text is not a command at all.
func ParseRouteCommand(text string) (ParsedCommand, bool) {
	text = strings.TrimSpace(text)
	match := controlRe.FindStringSubmatch(text)
	if match == nil {
		return ParsedCommand{}, false
	}
	parsed := ParsedCommand{Command: strings.ToLower(match[1])}
	if match[2] != "" {
		parsed.Args = strings.Fields(match[2])
	}
	return parsed, true
}

// IsRouteCommand reports whether text is one of the recognized
// control commands.
func IsRouteCommand(text string) bool {
	parsed, isCmd := ParseRouteCommand(text)
	return isCmd && routeCommands[parsed.Command]
}

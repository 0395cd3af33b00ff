package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// command is one parsed input line. An empty name means a plain message.
type command struct {
	name string
	room string
	id   int64
	text string
}

var errUsage = errors.New("usage error, see /help")

// parseCommand splits a line into a command. Arguments are validated for
// shape only; the channel checks them against room state.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	cmd := command{name: strings.ToLower(name)}

	switch cmd.name {
	case "help", "who", "typing", "pending", "quit":
		return cmd, nil
	case "join", "room":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return command{}, fmt.Errorf("/%s <room>: %w", cmd.name, errUsage)
		}
		cmd.room = rest
	case "leave":
		cmd.room = rest
	case "delete":
		id, err := parseID(rest)
		if err != nil {
			return command{}, fmt.Errorf("/delete <id>: %w", err)
		}
		cmd.id = id
	case "react", "edit", "report":
		idArg, text, _ := strings.Cut(rest, " ")
		id, err := parseID(idArg)
		if err != nil {
			return command{}, fmt.Errorf("/%s <id>: %w", cmd.name, err)
		}
		cmd.id = id
		cmd.text = strings.TrimSpace(text)
		if cmd.text == "" && cmd.name != "report" {
			return command{}, fmt.Errorf("/%s: missing argument: %w", cmd.name, errUsage)
		}
	default:
		return command{}, fmt.Errorf("unknown command /%s: %w", name, errUsage)
	}
	return cmd, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errUsage
	}
	return id, nil
}

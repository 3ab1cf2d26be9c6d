package scheduler

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// msgKind identifies which line-protocol verb a line carries (spec §5).
type msgKind int

const (
	msgUnknown msgKind = iota
	msgOK
	msgBye
	msgItem
	msgHeart
	msgEmail
	msgLog
	msgVerbose
)

// protocolMsg is one parsed line from an agent's stdout (spec §5).
// Format: "HEART: <n> [<m>]" and "EMAIL: <text>" / "LOG: <text>" /
// "VERBOSE: <text>" with an all-caps key before the colon; "OK",
// "BYE <code>" and "ITEM <n>" carry no colon.
type protocolMsg struct {
	Kind msgKind
	N    int
	M    int
	Text string
	raw  string
}

// parseLine parses a single raw agent output line into a protocolMsg. An
// unrecognized verb or malformed "<KEY>: n [m]" body yields msgUnknown;
// the caller surfaces that as ErrProtocol (spec §7 "protocol").
func parseLine(line string) protocolMsg {
	msg := protocolMsg{raw: line}

	if !utf8.ValidString(line) {
		return msg
	}

	trimmed := strings.TrimRight(line, "\r\n")
	if trimmed == "OK" {
		msg.Kind = msgOK
		return msg
	}

	colon := strings.IndexByte(trimmed, ':')
	if colon < 0 {
		// BYE and ITEM also appear as "BYE <code>" / "ITEM <n>" with a
		// space instead of a colon.
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			return msg
		}
		switch fields[0] {
		case "BYE":
			if len(fields) < 2 {
				return msg
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return msg
			}
			msg.Kind = msgBye
			msg.N = n
			return msg
		case "ITEM":
			if len(fields) < 2 {
				return msg
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return msg
			}
			msg.Kind = msgItem
			msg.N = n
			return msg
		}
		return msg
	}

	key := trimmed[:colon]
	if !isAllCapsKey(key) {
		return msg
	}
	body := strings.TrimSpace(trimmed[colon+1:])

	switch key {
	case "HEART":
		fields := strings.Fields(body)
		if len(fields) == 0 {
			return msg
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return msg
		}
		msg.Kind = msgHeart
		msg.N = n
		if len(fields) > 1 {
			if m, err := strconv.Atoi(fields[1]); err == nil {
				msg.M = m
			}
		}
		return msg
	case "EMAIL":
		msg.Kind = msgEmail
		msg.Text = body
		return msg
	case "LOG":
		msg.Kind = msgLog
		msg.Text = body
		return msg
	case "VERBOSE":
		msg.Kind = msgVerbose
		msg.Text = body
		return msg
	}
	return msg
}

func isAllCapsKey(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

package parser

import (
	"regexp"

	"github.com/logsentry/backend/internal/event"
)

// sshd auth lines:
//
//	Failed password for invalid user root from 192.168.1.10 port 52144 ssh2
//	Failed password for root from 192.168.1.10 port 52144 ssh2
//	Accepted password for deploy from 192.168.1.10 port 52144 ssh2
var (
	sshFailRe = regexp.MustCompile(
		`Failed password for (?:invalid user )?(\S+) from (\d{1,3}(?:\.\d{1,3}){3})(?: port (\d+))?`)
	sshOKRe = regexp.MustCompile(
		`Accepted \S+ for (\S+) from (\d{1,3}(?:\.\d{1,3}){3})(?: port (\d+))?`)
)

// parseSSH recognizes sshd failed/accepted password lines.
func parseSSH(message string) event.Event {
	if m := sshFailRe.FindStringSubmatch(message); m != nil {
		return sshEvent(m, event.OutcomeFail)
	}
	if m := sshOKRe.FindStringSubmatch(message); m != nil {
		return sshEvent(m, event.OutcomeSuccess)
	}
	return nil
}

func sshEvent(m []string, outcome string) event.Event {
	ev := event.Event{
		event.FieldLogSource: "ssh",
		event.FieldService:   "sshd",
		event.FieldUsername:  m[1],
		event.FieldSrcIP:     m[2],
		event.FieldOutcome:   outcome,
	}
	if m[3] != "" {
		ev[event.FieldPort] = m[3]
	}
	return ev
}

// Copyright 2024-2026 Aiku AI

package bot

import "strings"

// commandKind is the closed set of commands the bot understands. Inbound
// text maps to exactly one of these; there is no free-form dispatch.
type commandKind int

const (
	cmdUnknown commandKind = iota
	cmdHelp
	cmdLogin
	cmdKeywords
	cmdExceptions
	cmdStatus
	cmdStop
	cmdRestart

	// admin-only
	cmdGrant
	cmdRevoke
	cmdUsers
	cmdStats
	cmdRestartAll
	cmdDebug
)

// command is one parsed user instruction.
type command struct {
	kind commandKind
	args string
}

var commandWords = map[string]commandKind{
	"help":        cmdHelp,
	"start":       cmdHelp,
	"login":       cmdLogin,
	"keywords":    cmdKeywords,
	"exceptions":  cmdExceptions,
	"status":      cmdStatus,
	"stop":        cmdStop,
	"restart":     cmdRestart,
	"grant":       cmdGrant,
	"revoke":      cmdRevoke,
	"users":       cmdUsers,
	"stats":       cmdStats,
	"restart-all": cmdRestartAll,
	"debug":       cmdDebug,
}

// isAdminOnly reports whether a command requires admin rights.
func (k commandKind) isAdminOnly() bool {
	switch k {
	case cmdGrant, cmdRevoke, cmdUsers, cmdStats, cmdRestartAll:
		return true
	default:
		return false
	}
}

// parseCommand maps one inbound DM to a command. The leading word selects
// the kind (case-insensitive, optional slash prefix); the rest is the
// argument string.
func parseCommand(text string) command {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return command{kind: cmdUnknown}
	}

	word, args, _ := strings.Cut(trimmed, " ")
	word = strings.ToLower(strings.TrimPrefix(word, "/"))

	kind, ok := commandWords[word]
	if !ok {
		return command{kind: cmdUnknown}
	}
	return command{kind: kind, args: strings.TrimSpace(args)}
}

const helpText = `Keyword relay commands:
  login <token>        store your personal access token and start monitoring
  keywords <a, b, …>   set the keyword list (comma-separated); empty to show
  exceptions <a, b, …> set the exception list (comma-separated); empty to show
  status               show credential, filter and monitoring state
  stop                 pause monitoring
  restart              restart monitoring with the latest settings
  help                 this text`

const adminHelpText = helpText + `

Admin commands:
  grant <user>         allow a user (id or @username) to use the relay
  revoke <user>        remove a user and tear down their session
  users                list allowed users
  stats                relay statistics
  restart-all          restart every active session`

package channels

import "strings"

// Commands the bridge understands across channels. A command message is
// intercepted before normal processing and never reaches the AI
// collaborator.
const (
	CommandStart   = "start"
	CommandHelp    = "help"
	CommandReset   = "reset"
	CommandContact = "contact"
)

// commandTable is the fixed set of recognized command tokens. Aliases map
// onto the canonical commands above.
var commandTable = map[string]string{
	"/start":    CommandStart,
	"/help":     CommandHelp,
	"/reset":    CommandReset,
	"/contact":  CommandContact,
	"/operator": CommandContact,
}

// ParseCommand returns the canonical command for a message text, if the
// text is a command. Command detection requires a leading slash; arguments
// after the token (and Telegram's @botname suffix) are ignored.
func ParseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	token := text
	if i := strings.IndexAny(token, " \t\n"); i >= 0 {
		token = token[:i]
	}
	if i := strings.Index(token, "@"); i >= 0 {
		token = token[:i]
	}
	cmd, ok := commandTable[strings.ToLower(token)]
	return cmd, ok
}

// HelpText is the static reply for the help command.
const HelpText = "Available commands:\n/start — begin a new conversation\n/reset — start over\n/contact — talk to a human operator\n/help — show this message"

package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandType    Command = "type"
	CommandServe   Command = "serve"
	CommandSend    Command = "send"
	CommandStatus  Command = "status"
	CommandStop    Command = "stop"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandType:    {},
	CommandServe:   {},
	CommandSend:    {},
	CommandStatus:  {},
	CommandStop:    {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

// textCommands consume every remaining argument as text.
var textCommands = map[Command]struct{}{
	CommandType: {},
	CommandSend: {},
}

type Parsed struct {
	Command    Command
	ConfigPath string
	ShowHelp   bool
	// Text is the joined text argument. HasText distinguishes `type` with
	// no arguments (read stdin) from `type ""`.
	Text    string
	HasText bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp

			if _, ok := textCommands[cmd]; ok {
				rest := args[i+1:]
				if len(rest) > 0 && rest[0] == "--" {
					rest = rest[1:]
				}
				if len(rest) > 0 {
					parsed.Text = strings.Join(rest, " ")
					parsed.HasText = true
				}
				if cmd == CommandSend && !parsed.HasText {
					return Parsed{}, errors.New("send requires text")
				}
				return parsed, nil
			}

			if i != len(args)-1 {
				return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
			}
		}
	}

	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command> [TEXT...]

Run %[1]s through sudo or pkexec; it creates a virtual keyboard and then
returns to the invoking user before reading any text.

Commands:
  type [TEXT...]  Type TEXT, or each line of stdin when TEXT is omitted
  serve           Keep the keyboard open and accept text over the socket
  send TEXT       Ask a running server to type TEXT
  status          Print the running server's state
  stop            Interrupt the text the server is typing
  doctor          Run configuration and environment checks
  version         Print version information
  help            Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/typist/config.jsonc)
  -h, --help      Show help
  --version       Show version

Use -- before TEXT that starts with a dash.

send waits for text already queued on the server as well as its own. If
it still gets no reply in time it exits 1, and the server may go on typing;
use stop to cancel.
`, binaryName)
}

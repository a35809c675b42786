package router

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/eventsub"
	"github.com/onnwee/streambot/guard"
	"github.com/onnwee/streambot/twitchapi"
)

// Sender posts an outbound chat message. replyParentID threads the message
// when non-empty. Implemented by the chat package.
type Sender interface {
	Send(ctx context.Context, channelID, text, replyParentID string) (string, error)
}

// Deps is the read-only capability set handed to command executors.
type Deps struct {
	DB      *sql.DB
	Helix   *twitchapi.HelixClient
	Cfg     *config.Config
	Docs    *config.Documents
	Sender  Sender
	Permits guard.PermitStore
}

// Invocation carries one command execution's inputs.
type Invocation struct {
	Event eventsub.Event
	Args  []string
	Deps  Deps
}

// Action is a declared best-effort side effect applied after execution.
type Action struct {
	Kind string // "announce" | "shoutout"
	Args map[string]string
}

// Result is the executor contract's return shape. Message bypasses templating
// entirely; Template overrides the configured template for this invocation
// only; Suppress renders nothing.
type Result struct {
	Vars     map[string]string
	Reply    *bool
	Template string
	Message  string
	Actions  []Action
	Suppress bool
}

// Executor runs one command. Errors are caught by the router, recorded with
// reason "error", and never crash dispatch.
type Executor func(ctx context.Context, inv Invocation) (Result, error)

// Command binds a canonical name to its executor and declared defaults.
// Policy documents may override any populated default field.
type Command struct {
	Name     string
	Defaults config.CommandPolicy
	Execute  Executor
}

// Registry is the static command table, assembled once at process start.
// Aliases are globally unique and resolve to exactly one canonical name.
type Registry struct {
	commands map[string]*Command
	aliases  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
	}
}

// Register adds a command under its canonical name plus its declared aliases.
func (r *Registry) Register(cmd *Command) error {
	name := config.NormalizeName(cmd.Name)
	if name == "" {
		return fmt.Errorf("command name empty")
	}
	if _, dup := r.commands[name]; dup {
		return fmt.Errorf("duplicate command %q", name)
	}
	if owner, dup := r.aliases[name]; dup {
		return fmt.Errorf("command %q collides with alias of %q", name, owner)
	}
	r.commands[name] = cmd
	for _, a := range cmd.Defaults.Aliases {
		alias := config.NormalizeName(a)
		if alias == "" || alias == name {
			continue
		}
		if _, dup := r.commands[alias]; dup {
			return fmt.Errorf("alias %q of %q collides with a command name", alias, name)
		}
		if owner, dup := r.aliases[alias]; dup && owner != name {
			return fmt.Errorf("alias %q of %q already bound to %q", alias, name, owner)
		}
		r.aliases[alias] = name
	}
	return nil
}

// Lookup resolves a canonical name to its command.
func (r *Registry) Lookup(name string) (*Command, bool) {
	cmd, ok := r.commands[config.NormalizeName(name)]
	return cmd, ok
}

// Canonical resolves a token through the alias table to a canonical name.
// Falls back to the token itself when it names a registered command.
func (r *Registry) Canonical(token string) (string, bool) {
	t := config.NormalizeName(token)
	if name, ok := r.aliases[t]; ok {
		return name, true
	}
	if _, ok := r.commands[t]; ok {
		return t, true
	}
	return "", false
}

// Names returns the registered canonical names (for the help command).
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.commands))
	for name := range r.commands {
		out = append(out, name)
	}
	return out
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// CommandPolicy is the per-command policy block from the commands document.
// Pointer fields distinguish "not set" from an explicit false/zero so that
// overrides only win for populated fields.
type CommandPolicy struct {
	Aliases         []string          `json:"aliases,omitempty"`
	Roles           []string          `json:"roles,omitempty"`
	CooldownSeconds int               `json:"cooldownSeconds,omitempty"`
	LimitPerUser    int               `json:"limitPerUser,omitempty"`
	LimitPerStream  int               `json:"limitPerStream,omitempty"`
	ReplyToUser     *bool             `json:"replyToUser,omitempty"`
	FailSilently    *bool             `json:"failSilently,omitempty"`
	Response        string            `json:"response,omitempty"`
	Templates       map[string]string `json:"templates,omitempty"`
}

// Reply reports the effective replyToUser flag.
func (p CommandPolicy) Reply() bool { return p.ReplyToUser != nil && *p.ReplyToUser }

// Silent reports the effective failSilently flag.
func (p CommandPolicy) Silent() bool { return p.FailSilently != nil && *p.FailSilently }

// Template returns a named sub-template or the fallback when absent.
func (p CommandPolicy) Template(name, fallback string) string {
	if t, ok := p.Templates[name]; ok && t != "" {
		return t
	}
	return fallback
}

// MergePolicy overlays an override onto declared defaults. The override wins
// for every populated field; unset fields keep the default.
func MergePolicy(defaults, override CommandPolicy) CommandPolicy {
	out := defaults
	if override.Aliases != nil {
		out.Aliases = override.Aliases
	}
	if override.Roles != nil {
		out.Roles = override.Roles
	}
	if override.CooldownSeconds != 0 {
		out.CooldownSeconds = override.CooldownSeconds
	}
	if override.LimitPerUser != 0 {
		out.LimitPerUser = override.LimitPerUser
	}
	if override.LimitPerStream != 0 {
		out.LimitPerStream = override.LimitPerStream
	}
	if override.ReplyToUser != nil {
		out.ReplyToUser = override.ReplyToUser
	}
	if override.FailSilently != nil {
		out.FailSilently = override.FailSilently
	}
	if override.Response != "" {
		out.Response = override.Response
	}
	if len(override.Templates) > 0 {
		merged := make(map[string]string, len(out.Templates)+len(override.Templates))
		for k, v := range out.Templates {
			merged[k] = v
		}
		for k, v := range override.Templates {
			merged[k] = v
		}
		out.Templates = merged
	}
	return out
}

// CommandsDoc maps canonical command name to its policy block.
type CommandsDoc struct {
	Commands map[string]CommandPolicy `json:"commands"`
}

// LinkGuardSettings drives the link guard policy evaluator.
type LinkGuardSettings struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	WhitelistHosts []string `json:"whitelistHosts,omitempty"`
	PermitTTLSec   int      `json:"permitTtlSec,omitempty"`
	WarnTemplate   string   `json:"warnTemplate,omitempty"`
}

// On reports whether the link guard is enabled (default true when configured).
func (lg LinkGuardSettings) On() bool { return lg.Enabled == nil || *lg.Enabled }

// Announcement is one timed announcement entry.
type Announcement struct {
	Text            string `json:"text"`
	EveryMin        int    `json:"everyMin"`
	InitialDelayMin *int   `json:"initialDelayMin,omitempty"`
	JitterSec       int    `json:"jitterSec,omitempty"`
	Type            string `json:"type,omitempty"` // chat | announcement
	LiveOnly        *bool  `json:"liveOnly,omitempty"`
}

// EventToggle enables/disables one event-message kind.
type EventToggle struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Anonymous     bool   `json:"anonymous,omitempty"`
	AnonymousName string `json:"anonymousName,omitempty"`
}

// GreetingSettings controls the startup greeting.
type GreetingSettings struct {
	Enabled        bool   `json:"enabled"`
	Message        string `json:"message,omitempty"`
	DelayMs        int    `json:"delayMs,omitempty"`
	MinIntervalSec int    `json:"minIntervalSec,omitempty"`
}

// Settings is the cross-cutting settings document.
type Settings struct {
	Moderation struct {
		LinkGuard LinkGuardSettings `json:"linkGuard"`
	} `json:"moderation"`
	Announcements []Announcement         `json:"announcements,omitempty"`
	Templates     map[string]string      `json:"templates,omitempty"`
	Events        map[string]EventToggle `json:"events,omitempty"`
	Greeting      GreetingSettings       `json:"greeting"`
}

// Documents holds the two JSON policy documents behind a lock so a reload
// can swap them while dispatch goroutines read.
type Documents struct {
	commandsPath string
	settingsPath string

	mu       sync.RWMutex
	commands CommandsDoc
	settings Settings
}

// NewDocuments creates a holder for the given file paths without reading them.
func NewDocuments(commandsPath, settingsPath string) *Documents {
	return &Documents{commandsPath: commandsPath, settingsPath: settingsPath}
}

// Reload re-reads both documents from disk. A missing or malformed file keeps
// the previously loaded copy of that document and returns the error.
func (d *Documents) Reload() error {
	var firstErr error

	var cmds CommandsDoc
	if err := readJSONC(d.commandsPath, &cmds); err != nil {
		firstErr = fmt.Errorf("commands document: %w", err)
	} else {
		d.mu.Lock()
		d.commands = cmds
		d.mu.Unlock()
	}

	var st Settings
	if err := readJSONC(d.settingsPath, &st); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("settings document: %w", err)
		}
	} else {
		d.mu.Lock()
		d.settings = st
		d.mu.Unlock()
	}
	return firstErr
}

// Command returns the configured policy for a canonical name.
func (d *Documents) Command(name string) (CommandPolicy, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.commands.Commands[name]
	return p, ok
}

// Commands returns a snapshot of the commands document.
func (d *Documents) Commands() map[string]CommandPolicy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]CommandPolicy, len(d.commands.Commands))
	for k, v := range d.commands.Commands {
		out[k] = v
	}
	return out
}

// Settings returns a snapshot of the settings document.
func (d *Documents) Settings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// SetForTest replaces both documents directly (tests only).
func (d *Documents) SetForTest(cmds CommandsDoc, st Settings) {
	d.mu.Lock()
	d.commands = cmds
	d.settings = st
	d.mu.Unlock()
}

// readJSONC parses a JSON file, tolerating // and /* */ comments so operators
// can annotate the policy documents.
func readJSONC(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(stripComments(raw), v)
}

func stripComments(raw []byte) []byte {
	var out []byte
	inStr, inLine, inBlock := false, false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case inLine:
			if c == '\n' {
				inLine = false
				out = append(out, c)
			}
		case inBlock:
			if c == '*' && i+1 < len(raw) && raw[i+1] == '/' {
				inBlock = false
				i++
			}
		case inStr:
			out = append(out, c)
			if c == '\\' && i+1 < len(raw) {
				out = append(out, raw[i+1])
				i++
			} else if c == '"' {
				inStr = false
			}
		case c == '"':
			inStr = true
			out = append(out, c)
		case c == '/' && i+1 < len(raw) && raw[i+1] == '/':
			inLine = true
			i++
		case c == '/' && i+1 < len(raw) && raw[i+1] == '*':
			inBlock = true
			i++
		default:
			out = append(out, c)
		}
	}
	return out
}

// NormalizeName lowercases a command or alias for case-insensitive resolution.
func NormalizeName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Package commands holds the built-in command executors and their declared
// default policies. The catalog is assembled into the router's static
// registry once at process start.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/guard"
	"github.com/onnwee/streambot/router"
)

// RegisterAll installs every built-in command into reg.
func RegisterAll(reg *router.Registry) error {
	for _, c := range []*router.Command{
		Ping(),
		Help(),
		Uptime(),
		Title(),
		Game(),
		Shoutout(),
		CurrentTime(),
		Permit(),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

// Ping reports liveness with a rough store round-trip latency.
func Ping() *router.Command {
	return &router.Command{
		Name: "ping",
		Defaults: config.CommandPolicy{
			CooldownSeconds: 10,
			Response:        "pong ({latency}ms)",
		},
		Execute: func(ctx context.Context, inv router.Invocation) (router.Result, error) {
			start := time.Now()
			if err := inv.Deps.DB.PingContext(ctx); err != nil {
				return router.Result{}, err
			}
			ms := time.Since(start).Milliseconds()
			return router.Result{Vars: map[string]string{
				"latency": strconv.FormatInt(ms, 10),
			}}, nil
		},
	}
}

// Help lists the registered commands plus any config-only commands.
func Help() *router.Command {
	cmd := &router.Command{
		Name: "help",
		Defaults: config.CommandPolicy{
			Aliases:         []string{"commands"},
			CooldownSeconds: 30,
			ReplyToUser:     boolPtr(true),
		},
	}
	cmd.Execute = func(ctx context.Context, inv router.Invocation) (router.Result, error) {
		seen := map[string]bool{}
		var names []string
		for name := range inv.Deps.Docs.Commands() {
			n := config.NormalizeName(name)
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
		for _, n := range builtinNames {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
		sort.Strings(names)
		prefix := inv.Deps.Cfg.CmdPrefix
		for i, n := range names {
			names[i] = prefix + n
		}
		return router.Result{Message: "Commands: " + strings.Join(names, " ")}, nil
	}
	return cmd
}

var builtinNames = []string{"ping", "help", "uptime", "title", "game", "so", "time", "permit"}

// Uptime reports how long the stream has been live.
func Uptime() *router.Command {
	return &router.Command{
		Name: "uptime",
		Defaults: config.CommandPolicy{
			CooldownSeconds: 15,
			Response:        "{channelLogin} has been live for {uptime}",
		},
		Execute: func(ctx context.Context, inv router.Invocation) (router.Result, error) {
			info, live, err := inv.Deps.Helix.GetStream(ctx, inv.Event.ChannelID)
			if err != nil {
				return router.Result{}, err
			}
			if !live {
				return router.Result{Template: "{channelLogin} is offline right now"}, nil
			}
			return router.Result{Vars: map[string]string{
				"uptime": formatDuration(time.Since(info.StartedAt)),
			}}, nil
		},
	}
}

// Title reports the current stream title.
func Title() *router.Command {
	return &router.Command{
		Name: "title",
		Defaults: config.CommandPolicy{
			CooldownSeconds: 15,
			Response:        "{title}",
		},
		Execute: func(ctx context.Context, inv router.Invocation) (router.Result, error) {
			info, err := inv.Deps.Helix.GetChannelInfo(ctx, inv.Event.ChannelID)
			if err != nil {
				return router.Result{}, err
			}
			return router.Result{Vars: map[string]string{"title": info.Title}}, nil
		},
	}
}

// Game reports the current stream category.
func Game() *router.Command {
	return &router.Command{
		Name: "game",
		Defaults: config.CommandPolicy{
			Aliases:         []string{"category"},
			CooldownSeconds: 15,
			Response:        "Current category: {game}",
		},
		Execute: func(ctx context.Context, inv router.Invocation) (router.Result, error) {
			info, err := inv.Deps.Helix.GetChannelInfo(ctx, inv.Event.ChannelID)
			if err != nil {
				return router.Result{}, err
			}
			return router.Result{Vars: map[string]string{"game": info.GameName}}, nil
		},
	}
}

// Shoutout plugs another streamer: official shout-out plus a chat line.
func Shoutout() *router.Command {
	return &router.Command{
		Name: "so",
		Defaults: config.CommandPolicy{
			Aliases:         []string{"shoutout"},
			Roles:           []string{"mod"},
			CooldownSeconds: 5,
			Response:        "Go check out {target} at twitch.tv/{target}!",
		},
		Execute: func(ctx context.Context, inv router.Invocation) (router.Result, error) {
			if len(inv.Args) == 0 {
				return router.Result{Message: "usage: " + inv.Deps.Cfg.CmdPrefix + "so <login>"}, nil
			}
			target := strings.TrimPrefix(strings.ToLower(inv.Args[0]), "@")
			targetID, err := inv.Deps.Helix.GetUserID(ctx, target)
			if err != nil {
				return router.Result{}, fmt.Errorf("resolve %q: %w", target, err)
			}
			return router.Result{
				Vars: map[string]string{"target": target},
				Actions: []router.Action{
					{Kind: "shoutout", Args: map[string]string{"to": targetID}},
				},
			}, nil
		},
	}
}

// CurrentTime reports the broadcaster's wall-clock time.
func CurrentTime() *router.Command {
	return &router.Command{
		Name: "time",
		Defaults: config.CommandPolicy{
			CooldownSeconds: 15,
			Response:        "It's {time} for {channelLogin}",
		},
		Execute: func(ctx context.Context, inv router.Invocation) (router.Result, error) {
			return router.Result{Vars: map[string]string{
				"time": time.Now().Format("15:04 MST"),
			}}, nil
		},
	}
}

// Permit grants a short link-guard exemption to one chatter.
func Permit() *router.Command {
	return &router.Command{
		Name: "permit",
		Defaults: config.CommandPolicy{
			Roles:       []string{"mod"},
			ReplyToUser: boolPtr(true),
			Response:    "{target} can post links for the next {seconds}s",
		},
		Execute: func(ctx context.Context, inv router.Invocation) (router.Result, error) {
			if len(inv.Args) == 0 {
				return router.Result{Message: "usage: " + inv.Deps.Cfg.CmdPrefix + "permit <login>"}, nil
			}
			target := strings.TrimPrefix(strings.ToLower(inv.Args[0]), "@")

			ttl := time.Duration(inv.Deps.Docs.Settings().Moderation.LinkGuard.PermitTTLSec) * time.Second
			if ttl <= 0 {
				ttl = 60 * time.Second
			}
			ttl = guard.ClampTTL(ttl)

			if _, err := inv.Deps.Permits.Grant(ctx, inv.Event.ChannelID, target, ttl); err != nil {
				return router.Result{}, err
			}
			return router.Result{Vars: map[string]string{
				"target":  target,
				"seconds": strconv.Itoa(int(ttl / time.Second)),
			}}, nil
		},
	}
}

// formatDuration renders 1h2m3s style uptime without sub-second noise.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

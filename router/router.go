// Package router resolves inbound chat lines to commands and dispatches them
// through policy checks, execution, template rendering, and ledger logging.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/db"
	"github.com/onnwee/streambot/eventsub"
	"github.com/onnwee/streambot/guard"
	"github.com/onnwee/streambot/telemetry"
)

// Stream scope for quota counting. No stream-session boundary is tracked, so
// per-stream quotas accumulate for the lifetime of the ledger.
const StreamScope = 0

// Router is the dispatch orchestrator. One instance serves all sessions;
// shared state (cooldowns, permits) lives behind injectable stores.
type Router struct {
	Prefix    string
	Registry  *Registry
	Docs      *config.Documents
	Deps      Deps
	Cooldowns CooldownStore
	Guard     *guard.LinkGuard // optional
	Clock     func() time.Time
}

func (r *Router) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

// Run consumes normalized events until ctx is cancelled or events closes.
func (r *Router) Run(ctx context.Context, events <-chan eventsub.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent routes one normalized event: chat lines go through the link
// guard and then command dispatch; other kinds produce templated messages.
func (r *Router) HandleEvent(ctx context.Context, ev eventsub.Event) {
	if ev.Kind != eventsub.KindChat {
		r.handleNonChat(ctx, ev)
		return
	}
	if r.Guard != nil && r.Guard.Check(ctx, ev) {
		// The guard acted, so the line was not a command.
		return
	}
	telemetry.TimeFunc(telemetry.DispatchDuration, func() {
		r.Dispatch(ctx, ev)
	})
}

// Dispatch runs the staged dispatch algorithm for one chat event. Stages
// execute in strict order; every terminal branch past alias resolution
// writes exactly one usage row.
func (r *Router) Dispatch(ctx context.Context, ev eventsub.Event) {
	// Stage 1: not a command at all. No usage row, no message.
	if r.Prefix == "" || !strings.HasPrefix(ev.Text, r.Prefix) {
		return
	}

	// Stage 2: tokenize and resolve through the alias table.
	fields := strings.Fields(strings.TrimPrefix(ev.Text, r.Prefix))
	if len(fields) == 0 {
		return
	}
	name, ok := r.resolve(fields[0])
	if !ok {
		// Unknown token: not a known command, dropped without logging.
		return
	}
	args := fields[1:]

	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "router"),
		slog.String("command", name),
		slog.String("login", ev.UserLogin))

	// Stage 3: merged configuration; override wins for populated fields.
	cmd, registered := r.Registry.Lookup(name)
	policy := config.CommandPolicy{}
	if registered {
		policy = cmd.Defaults
	}
	if override, ok := r.Docs.Command(name); ok {
		policy = config.MergePolicy(policy, override)
	}
	if (!registered || cmd.Execute == nil) && policy.Response == "" {
		// Nothing to execute and nothing to say.
		return
	}

	// Stage 4: role check.
	if !roleAllowed(policy.Roles, ev) {
		r.record(ctx, ev, name, false, "forbidden")
		telemetry.CountDispatch("forbidden")
		if !policy.Silent() {
			r.send(ctx, ev, "@"+ev.UserLogin+" you can't use that command", policy.Reply())
		}
		return
	}

	// Stage 5: global per-command cooldown.
	now := r.now()
	if policy.CooldownSeconds > 0 && !r.Cooldowns.Ready(name, now) {
		r.record(ctx, ev, name, false, "cooldown")
		telemetry.CountDispatch("cooldown")
		return
	}

	// Stage 6: quotas, counted fresh from the ledger each dispatch.
	if policy.LimitPerUser > 0 {
		n, err := db.CountUserUsage(ctx, r.Deps.DB, StreamScope, ev.UserID, name)
		if err != nil {
			log.Error("quota count failed", slog.Any("err", err))
		} else if n >= policy.LimitPerUser {
			r.record(ctx, ev, name, false, "limit_user")
			telemetry.CountDispatch("limit_user")
			return
		}
	}
	if policy.LimitPerStream > 0 {
		n, err := db.CountCommandUsage(ctx, r.Deps.DB, StreamScope, name)
		if err != nil {
			log.Error("quota count failed", slog.Any("err", err))
		} else if n >= policy.LimitPerStream {
			r.record(ctx, ev, name, false, "limit_stream")
			telemetry.CountDispatch("limit_stream")
			return
		}
	}

	// Stage 7: execute. Executor panics and errors are contained; the event
	// is consumed either way.
	res, execErr := r.execute(ctx, cmd, registered, Invocation{Event: ev, Args: args, Deps: r.Deps})
	if execErr != nil {
		log.Error("command execution failed", slog.Any("err", execErr))
		r.record(ctx, ev, name, false, "error")
		telemetry.CountDispatch("error")
		if !policy.Silent() {
			r.send(ctx, ev, "@"+ev.UserLogin+" that didn't work, try again later", policy.Reply())
		}
		return
	}

	// Stage 8: declared side effects, best effort.
	for _, a := range res.Actions {
		if err := r.applyAction(ctx, ev, a); err != nil {
			log.Warn("side-effect action failed", slog.String("action", a.Kind), slog.Any("err", err))
		}
	}

	// Stage 9: render.
	out := res.Message
	if out == "" && !res.Suppress {
		tmpl := policy.Response
		if res.Template != "" {
			tmpl = res.Template
		}
		vars := map[string]string{
			"login":        ev.UserLogin,
			"displayName":  ev.UserName,
			"channelLogin": ev.ChannelLogin,
		}
		for k, v := range res.Vars {
			vars[k] = v
		}
		out = Render(tmpl, vars)
	}

	// Stage 10: send, arm the cooldown, write the success row.
	if !res.Suppress && out != "" {
		reply := policy.Reply()
		if res.Reply != nil {
			reply = *res.Reply
		}
		r.send(ctx, ev, out, reply)
	}
	if policy.CooldownSeconds > 0 {
		r.Cooldowns.Arm(name, now.Add(time.Duration(policy.CooldownSeconds)*time.Second))
	}
	r.record(ctx, ev, name, true, "")
	telemetry.CountDispatch("ok")
}

// resolve maps the first token to a canonical command name, consulting the
// static registry first and then the policy documents (config-only commands).
func (r *Router) resolve(token string) (string, bool) {
	if name, ok := r.Registry.Canonical(token); ok {
		return name, true
	}
	t := config.NormalizeName(token)
	for name, p := range r.Docs.Commands() {
		canonical := config.NormalizeName(name)
		if canonical == t {
			return canonical, true
		}
		for _, a := range p.Aliases {
			if config.NormalizeName(a) == t {
				return canonical, true
			}
		}
	}
	return "", false
}

func (r *Router) execute(ctx context.Context, cmd *Command, registered bool, inv Invocation) (res Result, err error) {
	if !registered || cmd.Execute == nil {
		// Config-only command: static response text, no executor.
		return Result{}, nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return cmd.Execute(ctx, inv)
}

func roleAllowed(roles []string, ev eventsub.Event) bool {
	if len(roles) == 0 {
		return true
	}
	for _, role := range roles {
		switch strings.ToLower(role) {
		case "everyone", "":
			return true
		case "mod", "owner":
			// Both gates admit broadcaster-or-moderator identity.
			if ev.IsMod || ev.IsBroadcaster {
				return true
			}
		}
	}
	return false
}

func (r *Router) send(ctx context.Context, ev eventsub.Event, text string, reply bool) {
	parent := ""
	if reply {
		parent = ev.MessageID
	}
	if _, err := r.Deps.Sender.Send(ctx, ev.ChannelID, text, parent); err != nil {
		slog.Error("outbound send failed", slog.Any("err", err))
	}
}

func (r *Router) record(ctx context.Context, ev eventsub.Event, name string, ok bool, reason string) {
	err := db.InsertUsage(ctx, r.Deps.DB, db.UsageRecord{
		Ts:        r.now(),
		StreamID:  StreamScope,
		UserID:    ev.UserID,
		Login:     ev.UserLogin,
		Command:   name,
		OK:        ok,
		Reason:    reason,
		MessageID: ev.MessageID,
	})
	if err != nil {
		slog.Error("usage record write failed", slog.Any("err", err))
	}
}

// applyAction performs one declared side effect. Failures are returned for
// logging but never escalate past the dispatch.
func (r *Router) applyAction(ctx context.Context, ev eventsub.Event, a Action) error {
	switch a.Kind {
	case "announce":
		msg := a.Args["message"]
		if msg == "" {
			return fmt.Errorf("announce action without message")
		}
		return r.Deps.Helix.SendAnnouncement(ctx, ev.ChannelID, r.Deps.Cfg.BotUserID, msg, a.Args["color"])
	case "shoutout":
		to := a.Args["to"]
		if to == "" {
			return fmt.Errorf("shoutout action without target")
		}
		return r.Deps.Helix.SendShoutout(ctx, ev.ChannelID, to, r.Deps.Cfg.BotUserID)
	default:
		return fmt.Errorf("unknown action %q", a.Kind)
	}
}

// DotLore - Ultra-lightweight conversational memory agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotLore contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dotlore/pkg/bus"
	"github.com/dotsetgreg/dotlore/pkg/chain"
	"github.com/dotsetgreg/dotlore/pkg/channels"
	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/dotsetgreg/dotlore/pkg/logger"
	"github.com/dotsetgreg/dotlore/pkg/memory"
	"github.com/dotsetgreg/dotlore/pkg/session"
	"github.com/dotsetgreg/dotlore/pkg/themes"
)

const (
	minAutonomyInterval = 5 * time.Second
	workQueueSize       = 32
)

// Deps are the collaborators an AgentLoop is built from.
type Deps struct {
	Loader     session.Loader
	Chain      *chain.Model
	Store      Persistence
	Vocabulary *themes.Vocabulary
	Rand       *rand.Rand
	Now        func() time.Time
}

// AgentLoop consumes requests from the bus, runs generation work one job at
// a time, and gives actors autonomous turns when the conversation is idle.
type AgentLoop struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	emitter  *bus.Emitter
	cache    *session.Cache
	director *Director
	model    string
	now      func() time.Time
	interval time.Duration
	autonomy atomic.Bool

	running        atomic.Bool
	work           chan job
	channelManager *channels.Manager

	mu    sync.Mutex
	focus *Actor
}

type job struct {
	name string
	run  func(ctx context.Context)
}

func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, deps Deps) (*AgentLoop, error) {
	if deps.Loader == nil {
		return nil, fmt.Errorf("new agent loop: no model loader")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	emitter := bus.NewEmitter(msgBus, "console", channels.ConsoleChatID)
	dopts := DirectorOptions{
		Vocabulary: deps.Vocabulary,
		Chain:      deps.Chain,
		Emitter:    emitter,
		Store:      deps.Store,
		UserName:   cfg.Agents.Defaults.UserName,
		Rand:       deps.Rand,
		Now:        deps.Now,
	}
	if cfg.Chain.LearnReplies {
		dopts.LearnSection = cfg.Chain.Section
	}
	director := NewDirector(dopts)

	interval := time.Duration(cfg.Autonomy.Interval) * time.Second
	if interval < minAutonomyInterval {
		interval = minAutonomyInterval
	}

	al := &AgentLoop{
		cfg:      cfg,
		bus:      msgBus,
		emitter:  emitter,
		cache:    session.NewCache(deps.Loader),
		director: director,
		model:    cfg.Agents.Defaults.Model,
		now:      deps.Now,
		interval: interval,
		work:     make(chan job, workQueueSize),
	}
	al.autonomy.Store(cfg.Autonomy.Enabled)
	return al, nil
}

func (al *AgentLoop) Director() *Director { return al.director }

func (al *AgentLoop) SetChannelManager(cm *channels.Manager) {
	al.channelManager = cm
}

// Start opens one session per configured actor and starts the actors.
func (al *AgentLoop) Start(ctx context.Context) error {
	names := al.cfg.Agents.Defaults.Actors
	if len(names) == 0 {
		names = config.FlexibleStringSlice{"Lore"}
	}
	for _, name := range names {
		a, err := al.director.NewActor(al.actorOptions(name))
		if err != nil {
			return err
		}
		s, err := session.New(ctx, al.cache, al.model, al.sessionOptions())
		if err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		if err := a.Start(ctx, s); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		al.mu.Lock()
		if al.focus == nil {
			al.focus = a
		}
		al.mu.Unlock()
	}
	logger.InfoCF("agent", "Agent started", map[string]interface{}{
		"actors": len(names),
		"model":  al.model,
	})
	return nil
}

func (al *AgentLoop) actorOptions(name string) ActorOptions {
	d := al.cfg.Agents.Defaults
	m := al.cfg.Memory
	settings := DefaultSettings()
	settings.Remember = m.Remember
	settings.Recall = m.Recall
	settings.MinRelevance = m.MinRelevance
	settings.User = RecallSettings{Sense: m.SenseUser, Count: m.RecallUser}
	settings.Actor = RecallSettings{Sense: m.SenseActor, Count: m.RecallActor}
	settings.System = RecallSettings{Sense: m.SenseSystem, Count: m.RecallSystem}
	if d.Temperature > 0 {
		settings.Temperature = d.Temperature
	}
	return ActorOptions{
		Name:         name,
		SystemPrompt: strings.ReplaceAll(d.SystemPrompt, "%1", name),
		Settings:     settings,
		Memory: memory.Options{
			RecentCapacity: m.RecentCapacity,
			ActiveMax:      m.ActiveMax,
			ExcerptLimit:   m.ExcerptLimit,
			ExcerptMargin:  m.ExcerptMargin,
		},
		HistoryCapacity: m.HistoryCapacity,
		InjectExcerpts:  m.InjectExcerpts,
	}
}

func (al *AgentLoop) sessionOptions() session.Options {
	opts := session.DefaultOptions()
	s := al.cfg.Session
	if s.OverflowThreshold > 0 {
		opts.OverflowThreshold = s.OverflowThreshold
	}
	if s.NBatch > 0 {
		opts.NBatch = s.NBatch
	}
	if s.NPredict > 0 {
		opts.NPredict = s.NPredict
	}
	if s.TokenBuffer > 0 {
		opts.TokenBuffer = s.TokenBuffer
	}
	if s.InformHistory > 0 {
		opts.InformHistory = s.InformHistory
	}
	opts.Temperature = al.cfg.Agents.Defaults.Temperature
	opts.Emitter = al.emitter
	opts.Gate = al.director.Gate()
	return opts
}

// Run consumes requests until ctx is done or the bus closes.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	defer al.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return al.consume(ctx) })
	g.Go(func() error { return al.worker(ctx) })
	g.Go(func() error { return al.tick(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

// Close saves every actor and releases the model handles.
func (al *AgentLoop) Close(ctx context.Context) error {
	err := al.director.SaveAll(ctx)
	if cerr := al.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (al *AgentLoop) consume(ctx context.Context) error {
	for al.running.Load() {
		req, ok := al.bus.ConsumeRequest(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return context.Canceled
		}
		al.emitter.Route(req.Channel, req.ChatID)
		if req.Command != "" {
			al.dispatchCommand(ctx, req)
			continue
		}
		if err := al.enqueue(ctx, "chat", func(ctx context.Context) { al.chat(ctx, req) }); err != nil {
			return err
		}
	}
	return context.Canceled
}

func (al *AgentLoop) enqueue(ctx context.Context, name string, run func(ctx context.Context)) error {
	select {
	case al.work <- job{name: name, run: run}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (al *AgentLoop) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-al.work:
			logger.DebugCF("agent", "Running job", map[string]interface{}{"job": j.name})
			j.run(ctx)
		}
	}
}

// tick gives every actor its schedule and, when nothing else is waiting,
// an autonomous turn.
func (al *AgentLoop) tick(ctx context.Context) error {
	ticker := time.NewTicker(al.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if len(al.work) > 0 {
				continue
			}
			select {
			case al.work <- job{name: "autonomy", run: al.Autonomy}:
			default:
			}
		}
	}
}

// Autonomy runs due schedule entries for every actor, then lets each take
// a free turn if autonomy is on.
func (al *AgentLoop) Autonomy(ctx context.Context) {
	for _, a := range al.director.Actors() {
		if err := a.RunSchedule(ctx, al.now()); err != nil {
			logger.WarnCF("agent", "Schedule run failed", map[string]interface{}{"actor": a.Name(), "error": err.Error()})
		}
		if !al.autonomy.Load() {
			continue
		}
		if err := a.Freedom(ctx); err != nil {
			al.report(err)
		}
	}
}

func (al *AgentLoop) chat(ctx context.Context, req bus.Request) {
	from := strings.TrimSpace(req.Sender)
	if from == "" {
		from = al.director.UserName()
	}
	a := al.Focused()
	if a == nil {
		al.director.Say("System", "No actor is running.")
		return
	}
	logger.InfoCF("agent", "Processing message", map[string]interface{}{
		"channel": req.Channel,
		"chat_id": req.ChatID,
		"sender":  from,
		"actor":   a.Name(),
	})
	if err := a.QueueQuery(ctx, from, req.Content); err != nil {
		al.report(err)
	}
}

func (al *AgentLoop) report(err error) {
	if errors.Is(err, ErrNegativeSentiment) {
		logger.WarnCF("agent", "Stopped on negative sentiment", map[string]interface{}{"error": err.Error()})
		al.director.Say("System", "Stopped: the conversation turned negative. Use /resume to continue.")
		return
	}
	logger.ErrorCF("agent", "Turn failed", map[string]interface{}{"error": err.Error()})
	al.director.Say("System", fmt.Sprintf("Error processing message: %v", err))
}

// Focused is the actor chat messages are addressed to.
func (al *AgentLoop) Focused() *Actor {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.focus
}

// Control commands run on the consumer so they take effect while a
// generation is in flight. Everything else queues behind it.
var controlCommands = map[string]bool{
	"help":   true,
	"stop":   true,
	"pause":  true,
	"resume": true,
	"status": true,
	"summon": true,
	"toggle": true,
	"actor":  true,
}

func (al *AgentLoop) dispatchCommand(ctx context.Context, req bus.Request) {
	if controlCommands[req.Command] {
		al.respond(al.handleCommand(ctx, req))
		return
	}
	err := al.enqueue(ctx, req.Command, func(ctx context.Context) {
		al.respond(al.handleCommand(ctx, req))
	})
	if err != nil {
		logger.DebugCF("agent", "Command dropped", map[string]interface{}{"command": req.Command})
	}
}

func (al *AgentLoop) respond(text string, handled bool) {
	if !handled {
		text = "Unknown command. Try /help."
	}
	if text != "" {
		al.director.Say("System", text)
	}
}

const helpText = `Commands:
/actor [name]                 show or switch the addressed actor
/toggle <mode>                memory, recall, react, echo, broadcast, transport, autonomy or a modality
/pause, /resume, /stop        control autonomous activity
/summon [on|off]              prefer guidance over answering other actors
/save                         save every actor
/reload                       reload the addressed actor's model
/pulse [words [lines [stride]]] <seed>
/travel <place>               move the addressed actor
/recall <text>                search memory
/delete <key>                 forget a memory
/schedule list | remove <id> | [required] in|every <interval> <command> | cron <m h dom mon dow> <command>
/run <command>                run a scheduled command now
/modality <name> <words...>   add words to a modality
/mode <text>                  file a mode declaration
/learn <section> <text>       teach the chain model
/sections [name]              list chain sections, or toggle one
/system <prompt>              replace the system prompt
/summary <text>               set the actor summary
/questions                    list the question pool
/status                       show runtime status`

func (al *AgentLoop) handleCommand(ctx context.Context, req bus.Request) (string, bool) {
	args := req.Args
	text := req.Text()
	a := al.Focused()
	if a == nil && req.Command != "help" && req.Command != "status" {
		return "No actor is running.", true
	}

	switch req.Command {
	case "help":
		return helpText, true

	case "actor":
		if len(args) == 0 {
			names := make([]string, 0)
			for _, other := range al.director.Actors() {
				names = append(names, other.Name())
			}
			return fmt.Sprintf("Addressing %s. Actors: %s", a.Name(), strings.Join(names, ", ")), true
		}
		next, err := al.director.Actor(args[0])
		if err != nil {
			return err.Error(), true
		}
		al.mu.Lock()
		al.focus = next
		al.mu.Unlock()
		return "Addressing " + next.Name(), true

	case "toggle":
		if len(args) == 0 {
			return "Usage: /toggle <mode>", true
		}
		if strings.EqualFold(args[0], "autonomy") {
			on := !al.autonomy.Load()
			al.autonomy.Store(on)
			return fmt.Sprintf("Autonomy: %t", on), true
		}
		return a.ToggleMode(args[0]), true

	case "pause":
		al.director.Pause()
		return "Paused.", true

	case "resume":
		al.director.Resume()
		for _, other := range al.director.Actors() {
			if s := other.Session(); s != nil && s.Paused() {
				s.Resume(ctx)
			}
		}
		return "Resumed.", true

	case "stop":
		al.director.Stop()
		return "Stopping.", true

	case "summon":
		var on bool
		switch strings.ToLower(text) {
		case "on", "true":
			on = al.director.Summon(true)
		case "off", "false":
			on = al.director.Summon(false)
		default:
			on = al.director.Summon()
		}
		return fmt.Sprintf("Summoned: %t", on), true

	case "save":
		if err := al.director.SaveAll(ctx); err != nil {
			return fmt.Sprintf("Save failed: %v", err), true
		}
		return "Saved all.", true

	case "reload":
		if err := a.Execute(ctx, Command{Kind: CommandReload}); err != nil {
			return fmt.Sprintf("Reload failed: %v", err), true
		}
		return "Reloaded " + a.Name() + ".", true

	case "pulse":
		if err := al.director.Pulse(ctx, text); err != nil {
			al.report(err)
		}
		return "", true

	case "travel":
		if err := a.ChangeLocation(ctx, text); err != nil {
			return fmt.Sprintf("Travel failed: %v", err), true
		}
		return "", true

	case "recall":
		if text == "" {
			return "Usage: /recall <text>", true
		}
		excerpts := a.Recall(ctx, text)
		if len(excerpts) == 0 {
			return "Nothing recalled.", true
		}
		lines := make([]string, 0, len(excerpts))
		for _, ex := range excerpts {
			lines = append(lines, fmt.Sprintf("[%s] %s", ex.Key, ex.Text))
		}
		return strings.Join(lines, "\n"), true

	case "delete":
		if text == "" {
			return "Usage: /delete <key>", true
		}
		if err := a.Forget(text); err != nil {
			return fmt.Sprintf("Delete failed: %v", err), true
		}
		return "Forgot " + text + ".", true

	case "schedule":
		return al.scheduleCommand(a, args), true

	case "run":
		c, err := ParseCommand(text)
		if err != nil {
			return err.Error(), true
		}
		if err := a.Execute(ctx, c); err != nil {
			return fmt.Sprintf("%s failed: %v", c.Kind, err), true
		}
		return "", true

	case "modality":
		if len(args) < 2 {
			return "Usage: /modality <name> <words...>", true
		}
		a.PopulateMode(args[0], args[1:])
		return "Done.", true

	case "mode":
		if text == "" {
			return "Usage: /mode <text>", true
		}
		found := a.AddModeType(text)
		if len(found) == 0 {
			return "No theme matched.", true
		}
		return "Filed under: " + strings.Join(found, ", "), true

	case "learn":
		if len(args) < 2 {
			return "Usage: /learn <section> <text>", true
		}
		section := args[0]
		body := strings.TrimSpace(strings.TrimPrefix(text, section))
		if err := al.director.Chain().Learn(ctx, section, body); err != nil {
			return fmt.Sprintf("Learn failed: %v", err), true
		}
		return "Learned into " + section + ".", true

	case "sections":
		if len(args) > 0 {
			on, err := al.director.Chain().Toggle(ctx, args[0])
			if err != nil {
				return fmt.Sprintf("Toggle failed: %v", err), true
			}
			return fmt.Sprintf("Section %s: %t", args[0], on), true
		}
		var lines []string
		for _, s := range al.director.Chain().Sections() {
			lines = append(lines, fmt.Sprintf("%s (%d words, enabled: %t)", s.Name, s.Words, s.Enabled))
		}
		if len(lines) == 0 {
			return "No sections.", true
		}
		return strings.Join(lines, "\n"), true

	case "system":
		if err := a.SetSystemPrompt(ctx, text); err != nil {
			return fmt.Sprintf("System prompt failed: %v", err), true
		}
		return "System prompt sent.", true

	case "summary":
		a.SetSummary(text)
		return "Summary set.", true

	case "questions":
		qs := al.director.Selector().Questions()
		if len(qs) == 0 {
			return "No questions recorded.", true
		}
		return strings.Join(qs, "\n"), true

	case "status":
		return al.statusText(), true
	}

	return "", false
}

// scheduleCommand handles /schedule. Forms:
//
//	list
//	remove <id>
//	[required] in <interval> <command>
//	[required] every <interval> <command>
//	[required] cron <min> <hour> <dom> <month> <dow> <command>
func (al *AgentLoop) scheduleCommand(a *Actor, args []string) string {
	const usage = "Usage: /schedule list | remove <id> | [required] in|every <interval> <command> | [required] cron <m h dom mon dow> <command>"
	if len(args) == 0 {
		return usage
	}
	switch args[0] {
	case "list":
		entries := a.Schedule().Entries()
		if len(entries) == 0 {
			return "Nothing scheduled."
		}
		lines := make([]string, 0, len(entries))
		for _, e := range entries {
			line := fmt.Sprintf("%s %s %s", shortID(e.ID), e.At.Format(time.RFC3339), e.Command)
			if e.Repeat != "" {
				line += " every " + e.Repeat
			}
			lines = append(lines, line)
		}
		return strings.Join(lines, "\n")
	case "remove":
		if len(args) < 2 {
			return usage
		}
		if !a.Schedule().Remove(args[1]) {
			return "No such entry."
		}
		return "Removed."
	}

	required := false
	if args[0] == "required" {
		required = true
		args = args[1:]
	}
	if len(args) < 3 {
		return usage
	}

	now := al.now()
	var at time.Time
	var repeat string
	var rest []string
	switch args[0] {
	case "in", "every":
		d, err := ParseInterval(args[1])
		if err != nil {
			return err.Error()
		}
		at = now.Add(d)
		if args[0] == "every" {
			repeat = args[1]
		}
		rest = args[2:]
	case "cron":
		if len(args) < 7 {
			return usage
		}
		repeat = strings.Join(args[1:6], " ")
		next, err := nextRun(Entry{Repeat: repeat}, now)
		if err != nil {
			return err.Error()
		}
		at = next
		rest = args[6:]
	default:
		return usage
	}

	c, err := ParseCommand(strings.Join(rest, " "))
	if err != nil {
		return err.Error()
	}
	e, err := a.AddSchedule(at, c, repeat, required)
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("Scheduled %s at %s (%s).", c, e.At.Format(time.RFC3339), shortID(e.ID))
}

func (al *AgentLoop) statusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", al.model)
	fmt.Fprintf(&b, "Autonomy: %t (every %s), paused: %t, summoned: %t\n",
		al.autonomy.Load(), al.interval, al.director.Paused(), al.director.Summoned())
	if al.channelManager != nil {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(al.channelManager.GetEnabledChannels(), ", "))
	}
	actors := al.director.Actors()
	sort.Slice(actors, func(i, j int) bool { return actors[i].Name() < actors[j].Name() })
	for _, a := range actors {
		st := a.Status()
		fmt.Fprintf(&b, "%s @ %s: %d memories, %d turns, %d scheduled, %d queued",
			st.Name, valueOr(st.Location, "nowhere"), st.Memories, st.History, st.Scheduled, st.Queued)
		if st.Bound {
			fmt.Fprintf(&b, ", slot %d cursor %d busy %t", st.Session.Slot, st.Session.Cursor, st.Session.Busy)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Dropped requests: %d, dropped events: %d", al.bus.DroppedRequests(), al.bus.DroppedEvents())
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// GetStartupInfo reports what the loop was configured with.
func (al *AgentLoop) GetStartupInfo() map[string]interface{} {
	names := make([]string, 0)
	for _, a := range al.director.Actors() {
		names = append(names, a.Name())
	}
	return map[string]interface{}{
		"model":    al.model,
		"actors":   names,
		"autonomy": al.autonomy.Load(),
		"interval": al.interval.String(),
	}
}

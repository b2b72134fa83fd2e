// DotLore - Ultra-lightweight conversational memory agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotLore contributors

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotlore/pkg/lexer"
	"github.com/dotsetgreg/dotlore/pkg/logger"
)

// Binding is the actor a session currently serves.
type Binding interface {
	Name() string
	Temperature() float64
	BaseSystemPrompt() string
	MoodProjection() string
	CheckModality(text string) bool
	ReactEnabled() bool
	// PopQueued returns the oldest command the actor queued while busy.
	PopQueued() (func(ctx context.Context), bool)
	// Attach points the actor at s and returns the session it used before.
	Attach(s *State) *State
	// Detach is called when s is rebound to another actor.
	Detach(s *State)
}

// Emitter receives presentation events: chunks of a speaker's text and the
// terminator closing that speaker's turn.
type Emitter interface {
	Chunk(speaker, text string)
	End(speaker string)
}

type nopEmitter struct{}

func (nopEmitter) Chunk(string, string) {}
func (nopEmitter) End(string)           {}

// Callback is a one-shot job run when the session is next idle.
type Callback func(ctx context.Context, s *State)

// Request is one completion call.
type Request struct {
	From    string
	Message string
	// Type names the frame markers, "im" when empty.
	Type string
	// Special sends Message unframed.
	Special bool
	// Override runs even while the session is busy and skips the drain.
	Override bool

	Temperature *float64
	NPast       *int
	NPredict    *int

	// OnToken sees every generated token. Returning false stops generation.
	OnToken   func(token string) bool
	OnSuccess func(text string)
	OnFailure func(err error)
	// Then receives the reply after OnSuccess and before queued work is
	// drained. deferred reports that Complete already returned "" to the
	// caller.
	Then func(ctx context.Context, text string, deferred bool)

	deferred bool
}

// Int returns a pointer to v, for Request overrides.
func Int(v int) *int { return &v }

// Options configure a State.
type Options struct {
	NBatch            int
	NPredict          int
	OverflowThreshold int
	TokenBuffer       int
	InformHistory     int
	// Temperature applies while no actor is bound.
	Temperature float64

	Overflow OverflowStrategy
	Emitter  Emitter
	Gate     *Gate
}

func DefaultOptions() Options {
	return Options{
		NBatch:            64,
		NPredict:          256,
		OverflowThreshold: 3800,
		TokenBuffer:       32,
		InformHistory:     20,
		Temperature:       1.5,
	}
}

// InformOptions control Inform.
type InformOptions struct {
	// Force skips the reload deferral, modality check and de-duplication.
	Force bool
	Type  string
	// Silent feeds the notice without displaying it.
	Silent bool
}

type informCall struct {
	from string
	msg  string
	opts InformOptions
}

// State serializes every generation call against one context slot of a
// model. Calls arriving while busy are queued and run, in priority order,
// once the session is idle.
type State struct {
	cache *Cache
	file  string
	slot  int
	opts  Options

	mu            sync.Mutex
	binding       Binding
	nPast         int
	nGen          int
	continuing    bool
	busy          bool
	paused        bool
	reloading     bool
	draining      bool
	infoq         []informCall
	cbq           []Callback
	deferred      []Request
	recentInforms []string
	savedInfo     map[string]int
	savedIdent    int
	queuedSystem  *string
}

// New opens a slot on file through cache.
func New(ctx context.Context, cache *Cache, file string, opts Options) (*State, error) {
	slot, err := cache.Open(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if opts.Overflow == nil {
		opts.Overflow = Truncate{}
	}
	if opts.Emitter == nil {
		opts.Emitter = nopEmitter{}
	}
	if opts.Gate == nil {
		opts.Gate = &Gate{}
	}
	logger.InfoCF("session", "Session opened", map[string]interface{}{"file": file, "slot": slot})
	return &State{
		cache:     cache,
		file:      file,
		slot:      slot,
		opts:      opts,
		savedInfo: make(map[string]int),
	}, nil
}

func (s *State) Slot() int { return s.slot }

func (s *State) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nPast
}

func (s *State) SetCursor(n int) {
	s.mu.Lock()
	s.nPast = n
	s.mu.Unlock()
}

func (s *State) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *State) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *State) Reloading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloading
}

// Binding returns the bound actor, or nil.
func (s *State) Binding() Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// Status is a snapshot for display.
type Status struct {
	Slot       int
	Cursor     int
	Busy       bool
	Paused     bool
	Reloading  bool
	Continuing bool
	Informs    int
	Callbacks  int
	Deferred   int
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Slot:       s.slot,
		Cursor:     s.nPast,
		Busy:       s.busy,
		Paused:     s.paused,
		Reloading:  s.reloading,
		Continuing: s.continuing,
		Informs:    len(s.infoq),
		Callbacks:  len(s.cbq),
		Deferred:   len(s.deferred),
	}
}

// alignMu serializes rebinding across all sessions, keeping sessions and
// bindings paired one to one.
var alignMu sync.Mutex

// Align binds s to b. The actor previously bound to s and the session b
// previously used are both released.
func (s *State) Align(b Binding) {
	alignMu.Lock()
	defer alignMu.Unlock()

	s.mu.Lock()
	prev := s.binding
	s.binding = b
	s.mu.Unlock()

	if prev != nil && prev != b {
		prev.Detach(s)
	}
	if old := b.Attach(s); old != nil && old != s {
		old.unbind(b)
	}
}

func (s *State) unbind(b Binding) {
	s.mu.Lock()
	if s.binding == b {
		s.binding = nil
	}
	s.mu.Unlock()
}

// Express runs cb now when an actor is bound, otherwise once one is.
func (s *State) Express(ctx context.Context, cb Callback) {
	s.mu.Lock()
	if s.binding == nil {
		s.cbq = append(s.cbq, cb)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	cb(ctx, s)
}

// QueueCallback runs cb on the next drain.
func (s *State) QueueCallback(cb Callback) {
	s.mu.Lock()
	s.cbq = append(s.cbq, cb)
	s.mu.Unlock()
}

func (s *State) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *State) Resume(ctx context.Context) {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.drain(ctx)
}

func frame(req Request) string {
	switch {
	case req.Message == "":
		return ""
	case req.From == "" || req.Special:
		return req.Message
	}
	typ := req.Type
	if typ == "" {
		typ = "im"
	}
	return "<|" + typ + "_start|>" + req.From + "\n" + req.Message + "<|" + typ + "_end|>"
}

func (s *State) paramsLocked(req Request) Params {
	p := Params{
		Temperature: s.opts.Temperature,
		NPast:       s.nPast,
		NBatch:      s.opts.NBatch,
		NPredict:    s.opts.NPredict,
		Continuing:  s.continuing,
	}
	if s.binding != nil {
		p.Temperature = s.binding.Temperature()
	}
	if s.continuing && s.nGen > 0 {
		p.NPredict = s.nGen
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.NPast != nil {
		p.NPast = *req.NPast
	}
	if req.NPredict != nil {
		p.NPredict = *req.NPredict
	}
	return p
}

// Complete runs req against the model. While the session is busy the
// request is deferred and Complete returns "" at once; its callbacks fire
// when it eventually runs. Callbacks run before queued work is drained.
func (s *State) Complete(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	if s.busy && !req.Override {
		req.deferred = true
		s.deferred = append(s.deferred, req)
		s.mu.Unlock()
		logger.DebugCF("session", "Completion deferred", map[string]interface{}{"slot": s.slot, "from": req.From})
		return "", nil
	}
	s.busy = true
	params := s.paramsLocked(req)
	s.mu.Unlock()

	comp, err := s.generate(ctx, frame(req), params, req.OnToken)
	if err != nil && comp.NPast == 0 {
		comp.NPast = params.NPast
	}

	s.mu.Lock()
	s.nPast = comp.NPast
	s.nGen = comp.NPredict
	s.continuing = comp.Continuing
	s.busy = false
	reloading := s.reloading
	overflow := comp.NPast >= s.opts.OverflowThreshold
	s.mu.Unlock()

	if !reloading && overflow {
		s.opts.Overflow.Overflow(ctx, s)
	}

	var text string
	if err != nil {
		logger.WarnCF("session", "Completion failed", map[string]interface{}{"slot": s.slot, "error": err.Error()})
		if req.OnFailure != nil {
			req.OnFailure(err)
		}
		err = fmt.Errorf("complete: %w", err)
	} else {
		text = lexer.RemoveTags(comp.Text)
		if req.OnSuccess != nil {
			req.OnSuccess(text)
		}
		if req.Then != nil {
			req.Then(ctx, text, req.deferred)
		}
	}

	if !req.Override {
		s.drain(ctx)
	}
	return text, err
}

// generate runs the backend call in its own goroutine and polls its token
// stream. The call's context is cancelled at the first token boundary where
// the caller, the stop flag or a pause asks to halt.
func (s *State) generate(ctx context.Context, prompt string, p Params, onToken func(string) bool) (Completion, error) {
	model, ok := s.cache.Model(s.file)
	if !ok {
		return Completion{}, ErrNotLoaded
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		comp Completion
		err  error
	}
	tokens := make(chan string, s.opts.TokenBuffer)
	done := make(chan result, 1)
	go func() {
		defer close(tokens)
		comp, err := model.Complete(callCtx, s.slot, prompt, p, tokens)
		done <- result{comp, err}
	}()

	stopped := false
	for tok := range tokens {
		if stopped {
			continue
		}
		keep := onToken == nil || onToken(tok)
		if !keep || s.opts.Gate.Stopping() || s.Paused() {
			stopped = true
			cancel()
		}
	}
	res := <-done
	if stopped && errors.Is(res.err, context.Canceled) && ctx.Err() == nil {
		res.err = nil
	}
	return res.comp, res.err
}

// drain runs queued work while the session is idle: deferred informs, one
// actor command, callbacks, then deferred completions. A drain started from
// inside a drained call returns at once and the outer drain carries on.
func (s *State) drain(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	for {
		tookCommand := false
		for {
			job, ok := s.nextJob(&tookCommand)
			if !ok {
				break
			}
			job(ctx)
		}

		s.mu.Lock()
		again := s.idleLocked() && (len(s.infoq) > 0 || len(s.cbq) > 0 || len(s.deferred) > 0)
		s.draining = again
		s.mu.Unlock()
		if !again {
			return
		}
	}
}

func (s *State) idleLocked() bool {
	return !s.paused && !s.reloading && !s.busy
}

func (s *State) nextJob(tookCommand *bool) (func(context.Context), bool) {
	s.mu.Lock()
	if !s.idleLocked() {
		s.mu.Unlock()
		return nil, false
	}
	if len(s.infoq) > 0 {
		call := s.infoq[0]
		s.infoq = s.infoq[1:]
		s.mu.Unlock()
		return func(ctx context.Context) {
			if err := s.Inform(ctx, call.from, call.msg, call.opts); err != nil {
				logger.WarnCF("session", "Deferred inform failed", map[string]interface{}{"error": err.Error()})
			}
		}, true
	}
	b := s.binding
	s.mu.Unlock()

	if !*tookCommand && b != nil {
		*tookCommand = true
		if run, ok := b.PopQueued(); ok {
			return run, true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.idleLocked() {
		return nil, false
	}
	if len(s.cbq) > 0 {
		cb := s.cbq[0]
		s.cbq = s.cbq[1:]
		return func(ctx context.Context) { cb(ctx, s) }, true
	}
	if len(s.deferred) > 0 {
		req := s.deferred[0]
		s.deferred = s.deferred[1:]
		return func(ctx context.Context) { _, _ = s.Complete(ctx, req) }, true
	}
	return nil, false
}

func (s *State) speaker() string {
	if b := s.Binding(); b != nil {
		return b.Name()
	}
	return "*"
}

// Query runs a chat turn from from, streaming the reply to the emitter
// under the bound actor's name with the end marker filtered out. then, if
// set, receives every reply; a turn deferred because the session is busy
// returns "" and reaches then once it has run.
func (s *State) Query(ctx context.Context, from, prompt string, then func(ctx context.Context, text string, deferred bool)) (string, error) {
	speaker := s.speaker()
	emit := s.opts.Emitter
	filter := NewStopFilter(EndMarker)
	return s.Complete(ctx, Request{
		From:    from,
		Message: prompt,
		OnToken: func(tok string) bool {
			if out := filter.Push(tok); out != "" {
				emit.Chunk(speaker, out)
			}
			return true
		},
		OnSuccess: func(string) {
			if rest := filter.Flush(); rest != "" {
				emit.Chunk(speaker, rest)
			}
			emit.End(speaker)
			s.opts.Gate.Unstop()
		},
		OnFailure: func(error) { emit.End(speaker) },
		Then:      then,
	})
}

// Inform feeds a notice into the session. It is deferred while the session
// is busy, paused or reloading.
func (s *State) Inform(ctx context.Context, from, msg string, opts InformOptions) error {
	s.mu.Lock()
	if (!opts.Force && s.reloading) || s.busy || s.paused {
		s.infoq = append(s.infoq, informCall{from: from, msg: msg, opts: opts})
		s.mu.Unlock()
		return nil
	}
	b := s.binding
	s.mu.Unlock()

	if !opts.Force {
		if b != nil && !b.CheckModality(msg) {
			logger.DebugCF("session", "Inform rejected by modality", map[string]interface{}{"slot": s.slot})
			return nil
		}
		if s.repeatedInform(msg) {
			logger.DebugCF("session", "Inform repeated, skipped", map[string]interface{}{"slot": s.slot})
			return nil
		}
	}

	speaker := from
	if speaker == "" {
		speaker = "*"
	}
	emit := s.opts.Emitter
	if !opts.Silent {
		emit.Chunk(speaker, msg)
	}
	end := func() {
		if !opts.Silent {
			emit.End(speaker)
		}
	}

	req := Request{From: from, Message: msg, Type: opts.Type, OnFailure: func(error) { end() }}
	if b != nil && b.ReactEnabled() {
		req.OnSuccess = func(text string) {
			emit.Chunk(speaker, "(reaction: "+text+")")
			emit.End(speaker)
		}
	} else {
		req.NPredict = Int(0)
		req.OnSuccess = func(string) { end() }
	}
	_, err := s.Complete(ctx, req)
	return err
}

func (s *State) repeatedInform(msg string) bool {
	prefix := msg
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range s.recentInforms {
		if strings.HasPrefix(prev, prefix) && float64(lexer.EditDistance(prev, msg)) < float64(len(msg))*0.1 {
			return true
		}
	}
	s.recentInforms = append(s.recentInforms, msg)
	if len(s.recentInforms) > s.opts.InformHistory {
		s.recentInforms = s.recentInforms[1:]
	}
	return false
}

// SaveData stores msg under subject in the model context and returns the
// subject's stable id.
func (s *State) SaveData(ctx context.Context, subject, msg string) (int, error) {
	s.mu.Lock()
	id, ok := s.savedInfo[subject]
	if !ok {
		s.savedIdent++
		id = s.savedIdent
		s.savedInfo[subject] = id
	}
	s.mu.Unlock()

	name := ""
	if b := s.Binding(); b != nil {
		name = b.Name()
	}
	req := Request{Message: "*" + subject + ":" + name + "\n" + msg, NPredict: Int(0)}
	if _, err := s.Complete(ctx, req); err != nil {
		return id, fmt.Errorf("save %s: %w", subject, err)
	}
	return id, nil
}

// SystemPrompt sends msg, or the actor's own prompt when msg is empty,
// followed by the actor's mood projection. During a reload the prompt is
// held until the new handle is ready unless force is set.
func (s *State) SystemPrompt(ctx context.Context, msg string, force bool) error {
	s.mu.Lock()
	if !force && s.reloading {
		s.queuedSystem = &msg
		s.mu.Unlock()
		return nil
	}
	b := s.binding
	s.mu.Unlock()

	if b != nil {
		if msg == "" {
			msg = b.BaseSystemPrompt()
		}
		if add := b.MoodProjection(); add != "" {
			msg += "\n" + add
		}
	}
	_, err := s.SaveData(ctx, "self", msg)
	return err
}

// Reload swaps the model handle. Work arriving meanwhile is queued, and the
// system prompt is sent first once the new handle is ready. The returned
// channel reports the outcome.
func (s *State) Reload(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	s.mu.Lock()
	s.paused = false
	s.busy = true
	s.reloading = true
	s.cbq = append([]Callback{resendSystemPrompt}, s.cbq...)
	s.mu.Unlock()
	logger.InfoCF("session", "Reloading model", map[string]interface{}{"file": s.file, "slot": s.slot})

	go func() {
		ctx := context.WithoutCancel(ctx)
		err := s.cache.Reload(ctx, s.file)
		s.mu.Lock()
		s.reloading = false
		s.busy = false
		s.nPast = 0
		s.nGen = 0
		s.continuing = false
		s.mu.Unlock()
		if err != nil {
			logger.ErrorCF("session", "Reload failed", map[string]interface{}{"file": s.file, "error": err.Error()})
		}
		s.drain(ctx)
		done <- err
	}()
	return done
}

func resendSystemPrompt(ctx context.Context, s *State) {
	s.mu.Lock()
	msg := ""
	if s.queuedSystem != nil {
		msg = *s.queuedSystem
		s.queuedSystem = nil
	}
	s.mu.Unlock()
	if err := s.SystemPrompt(ctx, msg, true); err != nil {
		logger.WarnCF("session", "Resend system prompt failed", map[string]interface{}{"error": err.Error()})
	}
}

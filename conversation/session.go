// Package conversation drives the chat-style sub-flows: a phase machine that
// classifies each user message against a static rule table and answers with
// exactly one assistant message.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/wizard-engine/gateway"
	"github.com/songzhibin97/wizard-engine/logger"
	"github.com/songzhibin97/wizard-engine/prospect"
	"github.com/songzhibin97/wizard-engine/textgen"
	"github.com/songzhibin97/wizard-engine/types"
	"go.uber.org/zap"
)

var (
	ErrUnrecognizedInput = errors.New("input not recognized")
	ErrEmptyInput        = errors.New("input is empty")
	ErrBusy              = errors.New("a reply is still being prepared")
	ErrStaleResult       = errors.New("reply belongs to a restarted conversation")
	ErrNoCollaborator    = errors.New("no collaborator configured")
)

// Kinds used when classifying collaborator failures.
const (
	KindGenerate types.ActionKind = "generate"
	KindSearch   types.ActionKind = "search"
)

// Outcome describes what one Advance call did.
type Outcome struct {
	Previous   types.Phase
	Phase      types.Phase
	Intent     string
	Reply      types.Message
	Reprompted bool
	// Err is ErrUnrecognizedInput when the input was re-prompted.
	Err       error
	Generated map[string]interface{}
	Prospects []prospect.Prospect
}

// Option configures a Session.
type Option func(*Session)

// WithGenerator sets the text-generation collaborator.
func WithGenerator(g textgen.Generator) Option {
	return func(s *Session) {
		s.generator = g
	}
}

// WithSearcher sets the prospect-search collaborator.
func WithSearcher(p prospect.Searcher) Option {
	return func(s *Session) {
		s.searcher = p
	}
}

// WithSessionID tags the conversation with a session ID.
func WithSessionID(id uint64) Option {
	return func(s *Session) {
		s.state.SessionID = id
	}
}

// WithTimeFunc sets a custom clock.
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Session) {
		s.now = fn
	}
}

// Session is one running conversation.
type Session struct {
	mu        sync.Mutex
	flow      *Flow
	state     types.ConversationState
	generator textgen.Generator
	searcher  prospect.Searcher
	now       func() time.Time
}

// NewSession starts a conversation in the intro phase with the flow greeting.
func NewSession(flow *Flow, opts ...Option) *Session {
	s := &Session{flow: flow, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.reset()
	return s
}

// Restore resumes a persisted conversation.
func Restore(flow *Flow, state types.ConversationState, opts ...Option) *Session {
	s := &Session{flow: flow, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.state = state.Clone()
	if s.state.Collected == nil {
		s.state.Collected = make(map[string]string)
	}
	// a reply interrupted by a restart of the process never arrives
	s.state.PendingIntent = ""
	return s
}

// Restart clears the transcript and returns to intro. Replies still being
// prepared for the old transcript are discarded.
func (s *Session) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Session) reset() {
	now := s.now()
	s.state = types.ConversationState{
		SessionID:  s.state.SessionID,
		Generation: s.state.Generation + 1,
		Flow:       s.flow.Name,
		Phase:      types.PhaseIntro,
		Collected:  make(map[string]string),
		CreatedAt:  now.UnixMilli(),
		UpdatedAt:  now.UnixMilli(),
	}
	s.appendMessage(types.RoleAssistant, s.flow.Greeting, s.flow.Actions)
}

// State returns a deep copy of the conversation.
func (s *Session) State() types.ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Advance handles one user message. Unrecognized input is not an error: the
// phase is kept, one re-prompt is appended and Outcome.Err is set. An error
// is returned only when a collaborator fails, in which case the phase is also
// kept and one apology message is appended.
func (s *Session) Advance(ctx context.Context, input string) (Outcome, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Outcome{}, ErrEmptyInput
	}

	s.mu.Lock()
	if s.state.PendingIntent != "" {
		s.mu.Unlock()
		return Outcome{}, ErrBusy
	}

	phase := s.state.Phase
	out := Outcome{Previous: phase, Phase: phase}
	s.appendMessage(types.RoleUser, input, nil)

	rules := s.flow.Phases[phase]
	intent, captured, ok := match(rules.Intents, input)
	if !ok {
		out.Reprompted = true
		out.Err = ErrUnrecognizedInput
		out.Reply = s.appendMessage(types.RoleAssistant, rules.Reprompt, rules.Actions)
		id := s.state.SessionID
		s.mu.Unlock()
		logger.Debug("conversation re-prompted", zap.Uint64("session", id), zap.String("flow", s.flow.Name), zap.String("phase", string(phase)))
		return out, nil
	}
	out.Intent = intent.Name
	for k, v := range captured {
		s.state.Collected[k] = v
	}

	vars := make(map[string]string, len(s.state.Collected)+4)
	for k, v := range s.state.Collected {
		vars[k] = v
	}

	if intent.Generate != "" || intent.Search {
		generation := s.state.Generation
		s.state.PendingIntent = intent.Name
		criteria := s.criteria()
		s.mu.Unlock()

		var err error
		if intent.Generate != "" {
			out.Generated, err = s.generate(ctx, render(intent.Generate, vars), vars)
			for k, v := range out.Generated {
				if str, ok := v.(string); ok {
					vars[k] = str
				}
			}
		}
		if err == nil && intent.Search {
			out.Prospects, err = s.search(ctx, criteria)
			vars["count"] = strconv.Itoa(len(out.Prospects))
		}

		s.mu.Lock()
		if s.state.Generation != generation {
			s.mu.Unlock()
			return Outcome{}, ErrStaleResult
		}
		s.state.PendingIntent = ""
		if err != nil {
			kind := KindGenerate
			if intent.Generate == "" {
				kind = KindSearch
			}
			failure := gateway.Classify(kind, err)
			out.Generated, out.Prospects = nil, nil
			out.Reply = s.appendMessage(types.RoleAssistant, "Sorry, that didn't work: "+failure.Message+". Please try again.", rules.Actions)
			s.mu.Unlock()
			return out, failure
		}
	}

	if intent.Next != "" && types.PhaseIndex(intent.Next) >= types.PhaseIndex(phase) {
		s.state.Phase = intent.Next
	}
	out.Phase = s.state.Phase
	out.Reply = s.appendMessage(types.RoleAssistant, render(intent.Reply, vars), intent.Actions)
	s.mu.Unlock()
	return out, nil
}

func (s *Session) generate(ctx context.Context, prompt string, vars map[string]string) (map[string]interface{}, error) {
	if s.generator == nil {
		return nil, gateway.NewFailure(KindGenerate, gateway.ReasonUnsupported, ErrNoCollaborator)
	}
	return s.generator.Generate(ctx, prompt, vars)
}

func (s *Session) search(ctx context.Context, c prospect.Criteria) ([]prospect.Prospect, error) {
	if s.searcher == nil {
		return nil, gateway.NewFailure(KindSearch, gateway.ReasonUnsupported, ErrNoCollaborator)
	}
	return s.searcher.Search(ctx, c)
}

// appendMessage must be called with s.mu held.
func (s *Session) appendMessage(role types.Role, content string, actions []types.OfferedAction) types.Message {
	msg := types.Message{Role: role, Content: content, Timestamp: s.now()}
	if len(actions) > 0 {
		msg.OfferedActions = append([]types.OfferedAction(nil), actions...)
	}
	s.state.Messages = append(s.state.Messages, msg)
	s.state.UpdatedAt = msg.Timestamp.UnixMilli()
	return msg
}

// ProspectCriteria turns the collected answers into search criteria.
func (s *Session) ProspectCriteria() prospect.Criteria {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.criteria()
}

func (s *Session) criteria() prospect.Criteria {
	var c prospect.Criteria
	if v := s.state.Collected["title"]; v != "" {
		c.Titles = []string{v}
	}
	if v := s.state.Collected["industry"]; v != "" {
		c.Industries = []string{strings.ToLower(v)}
	}
	if v := s.state.Collected["location"]; v != "" && !strings.EqualFold(v, "anywhere") {
		c.Locations = []string{v}
	}
	return c
}

// match picks the first intent whose button value equals the input, then the
// first whose pattern matches and whose Reject does not.
func match(intents []Intent, input string) (Intent, map[string]string, bool) {
	for _, in := range intents {
		if in.Value != "" && strings.EqualFold(in.Value, input) {
			captured := map[string]string{}
			if in.Pattern != nil {
				captured = capture(in, input)
			}
			return in, captured, true
		}
	}
	for _, in := range intents {
		if in.Reject != nil && in.Reject.MatchString(input) {
			continue
		}
		if in.Pattern != nil && in.Pattern.MatchString(input) {
			return in, capture(in, input), true
		}
	}
	return Intent{}, nil, false
}

func capture(in Intent, input string) map[string]string {
	out := make(map[string]string)
	m := in.Pattern.FindStringSubmatch(input)
	if m == nil {
		return out
	}
	for i, name := range in.Pattern.SubexpNames() {
		if name != "" && m[i] != "" {
			out[name] = strings.TrimSpace(m[i])
		}
	}
	return out
}

// render substitutes {key} placeholders.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, fmt.Sprintf("{%s}", k), v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

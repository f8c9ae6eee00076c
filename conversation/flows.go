package conversation

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/songzhibin97/wizard-engine/types"
)

// Built-in flow names.
const (
	FlowPlaybook       = "playbook"
	FlowProspectSearch = "prospectSearch"
)

var ErrUnknownFlow = errors.New("unknown conversation flow")

// Intent is one recognizable user answer within a phase.
type Intent struct {
	Name string
	// Value selects the intent directly when the user clicks an offered action.
	Value string
	// Pattern classifies typed input. Named groups are stored as collected values.
	Pattern *regexp.Regexp
	// Reject vetoes Pattern for input that is an answer to nothing, such as
	// a question or filler.
	Reject *regexp.Regexp
	// Next is the phase to move to. Empty keeps the current phase.
	Next types.Phase
	// Reply is the assistant answer. {key} placeholders are filled from the
	// collected values and the collaborator output.
	Reply   string
	Actions []types.OfferedAction
	// Generate, when set, is a prompt template sent to the text generator.
	Generate string
	// Search runs a prospect search with the collected criteria.
	Search bool
}

// Phase holds the rules applied while a conversation sits in one phase.
type Phase struct {
	Intents  []Intent
	Reprompt string
	Actions  []types.OfferedAction
}

// Flow is a static rule table driving one kind of chat.
type Flow struct {
	Name     string
	Greeting string
	Actions  []types.OfferedAction
	Phases   map[types.Phase]Phase
}

// Validate checks that phases are declared and intents never move backwards.
func (f *Flow) Validate() error {
	if f.Name == "" {
		return errors.New("flow name is required")
	}
	if f.Greeting == "" {
		return fmt.Errorf("flow %s: greeting is required", f.Name)
	}
	for phase, rules := range f.Phases {
		from := types.PhaseIndex(phase)
		if from < 0 {
			return fmt.Errorf("flow %s: unknown phase %q", f.Name, phase)
		}
		if rules.Reprompt == "" {
			return fmt.Errorf("flow %s: phase %s has no re-prompt", f.Name, phase)
		}
		for _, in := range rules.Intents {
			if in.Pattern == nil && in.Value == "" {
				return fmt.Errorf("flow %s: intent %s matches nothing", f.Name, in.Name)
			}
			if in.Next == "" {
				continue
			}
			to := types.PhaseIndex(in.Next)
			if to < 0 {
				return fmt.Errorf("flow %s: intent %s targets unknown phase %q", f.Name, in.Name, in.Next)
			}
			if to < from {
				return fmt.Errorf("flow %s: intent %s moves back from %s to %s", f.Name, in.Name, phase, in.Next)
			}
		}
	}
	return nil
}

var (
	industryPattern = regexp.MustCompile(`(?i)\b(?P<industry>aerospace|automotive|defen[cs]e|medical devices?|healthcare|energy|electronics|industrial|manufacturing|software|logistics)\b`)
	weeksPattern    = regexp.MustCompile(`(?i)\b(?P<weeks>[1-9]\d?)\s*(?:weeks?|wks?)\b`)
)

var playbook = &Flow{
	Name:     FlowPlaybook,
	Greeting: "Let's build your sales playbook. What should it focus on: new customers, expansion or partnerships?",
	Actions:  focusActions,
	Phases: map[types.Phase]Phase{
		types.PhaseIntro: {
			Intents: []Intent{{
				Name:    "focus",
				Pattern: regexp.MustCompile(`(?i)\b(?P<focus>new customers?|expansion|partnerships?)\b`),
				Next:    types.PhaseCollectingCriteria,
				Reply:   "Got it, {focus}. Which industry do you sell into?",
			}},
			Reprompt: "I didn't catch that. Pick a focus: new customers, expansion or partnerships.",
			Actions:  focusActions,
		},
		types.PhaseCollectingCriteria: {
			Intents: []Intent{{
				Name:    "industry",
				Pattern: industryPattern,
				Next:    types.PhaseCollectingSchedule,
				Reply:   "How many weeks should the playbook cover?",
				Actions: weekActions,
			}},
			Reprompt: "Which industry do you sell into? For example aerospace, automotive or medical devices.",
		},
		types.PhaseCollectingSchedule: {
			Intents: []Intent{{
				Name:    "weeks",
				Pattern: weeksPattern,
				Next:    types.PhaseReviewing,
				Reply:   "Here's the plan: {focus} in {industry} over {weeks} weeks. Shall I generate it?",
				Actions: []types.OfferedAction{{Label: "Generate", Value: "generate"}},
			}},
			Reprompt: "How many weeks should the playbook cover? For example \"8 weeks\".",
			Actions:  weekActions,
		},
		types.PhaseReviewing: {
			Intents: []Intent{
				{
					Name:     "generate",
					Value:    "generate",
					Pattern:  regexp.MustCompile(`(?i)^\s*(?:yes|yep|sure|generate|go(?: ahead)?|looks good)\b`),
					Next:     types.PhaseComplete,
					Generate: "Write a {weeks}-week sales playbook focused on {focus} for companies in the {industry} industry.",
					Reply:    "Your playbook is ready.",
				},
				{
					Name:    "industry",
					Pattern: industryPattern,
					Reply:   "Updated: {focus} in {industry} over {weeks} weeks. Shall I generate it?",
					Actions: []types.OfferedAction{{Label: "Generate", Value: "generate"}},
				},
				{
					Name:    "weeks",
					Pattern: weeksPattern,
					Reply:   "Updated: {focus} in {industry} over {weeks} weeks. Shall I generate it?",
					Actions: []types.OfferedAction{{Label: "Generate", Value: "generate"}},
				},
			},
			Reprompt: "Say \"generate\" to build the playbook, or tell me a different industry or number of weeks.",
			Actions:  []types.OfferedAction{{Label: "Generate", Value: "generate"}},
		},
		types.PhaseComplete: {
			Reprompt: "Your playbook is done. Restart to build another one.",
		},
	},
}

var (
	focusActions = []types.OfferedAction{
		{Label: "New customers", Value: "new customers"},
		{Label: "Expansion", Value: "expansion"},
		{Label: "Partnerships", Value: "partnerships"},
	}
	weekActions = []types.OfferedAction{
		{Label: "4 weeks", Value: "4 weeks"},
		{Label: "8 weeks", Value: "8 weeks"},
		{Label: "12 weeks", Value: "12 weeks"},
	}
)

// nonAnswer matches filler and questions that free-text intents must not take
// as an answer.
var nonAnswer = regexp.MustCompile(`(?i)\?|\b(?:i|i'?m|you|dont|don't|not|no|know|sure|what|why|how|who|which|idea|hmm+|um+|uh+|idk|maybe|whatever|mean|help|later|skip)\b`)

var searchAction = []types.OfferedAction{{Label: "Search", Value: "search"}}

var prospectSearch = &Flow{
	Name:     FlowProspectSearch,
	Greeting: "Who are you looking for? Tell me a job title, for example \"VP of Supply Chain\".",
	Phases: map[types.Phase]Phase{
		types.PhaseIntro: {
			Intents: []Intent{{
				Name:    "title",
				Pattern: regexp.MustCompile(`(?i)\b(?P<title>ceo|cto|cfo|coo|founder|owner|president|(?:vp|vice president|director|head|manager)(?: of [a-z &]+)?|[a-z]+ (?:engineer|manager|buyer))\b`),
				Next:    types.PhaseCollectingCriteria,
				Reply:   "Which industry are they in?",
			}},
			Reprompt: "Tell me the job title you're targeting, for example \"VP of Supply Chain\" or \"Procurement Manager\".",
		},
		types.PhaseCollectingCriteria: {
			Intents: []Intent{{
				Name:    "industry",
				Pattern: industryPattern,
				Next:    types.PhaseCollectingSchedule,
				Reply:   "Where should they be based? Say \"anywhere\" to skip.",
				Actions: []types.OfferedAction{{Label: "Anywhere", Value: "anywhere"}},
			}},
			Reprompt: "Which industry are they in? For example aerospace, automotive or energy.",
		},
		types.PhaseCollectingSchedule: {
			Intents: []Intent{{
				Name:    "location",
				Pattern: regexp.MustCompile(`(?i)^\s*(?:(?:based )?in\s+)?(?P<location>[a-z][a-z.'-]*(?:,?\s[a-z][a-z.'-]*){0,3})\s*\.?\s*$`),
				Reject:  nonAnswer,
				Next:    types.PhaseReviewing,
				Reply:   "I'll look for {title} in {industry}, location: {location}. Run the search?",
				Actions: searchAction,
			}},
			Reprompt: "Where should they be based? A city, state or country works, or say \"anywhere\".",
		},
		types.PhaseReviewing: {
			Intents: []Intent{
				{
					Name:    "search",
					Value:   "search",
					Pattern: regexp.MustCompile(`(?i)^\s*(?:yes|search|run|go)\b`),
					Next:    types.PhaseComplete,
					Search:  true,
					Reply:   "Found {count} prospects.",
				},
				{
					Name:    "industry",
					Pattern: industryPattern,
					Reply:   "Updated: {title} in {industry}, location: {location}. Run the search?",
					Actions: searchAction,
				},
			},
			Reprompt: "Say \"search\" to run it, or name a different industry.",
			Actions:  searchAction,
		},
		types.PhaseComplete: {
			Reprompt: "The search is done. Restart to search again.",
		},
	},
}

var builtin = map[string]*Flow{
	FlowPlaybook:       playbook,
	FlowProspectSearch: prospectSearch,
}

// Lookup returns a built-in flow by name.
func Lookup(name string) (*Flow, error) {
	f, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, name)
	}
	return f, nil
}

// Names lists the built-in flows.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

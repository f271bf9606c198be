package mock

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent-stream/backend/internal/engine"
)

// Step is one scripted engine record. Text fields may contain the
// placeholders {{message}}, {{agent}}, {{step}}, {{answer}} (latest answer)
// and {{answer.N}} (N-th answer, 1-based).
type Step struct {
	Type      string        `yaml:"type"`
	Sender    string        `yaml:"sender,omitempty"`
	Recipient string        `yaml:"recipient,omitempty"`
	Content   string        `yaml:"content,omitempty"`
	Prompt    string        `yaml:"prompt,omitempty"`
	Agent     string        `yaml:"agent,omitempty"`
	Summary   string        `yaml:"summary,omitempty"`
	Delay     time.Duration `yaml:"delay,omitempty"`
}

// Script is a named sequence of steps replayed for one turn.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

type scriptFile struct {
	Scripts []Script `yaml:"scripts"`
}

// LoadScripts reads scripts from a YAML file of the form
//
//	scripts:
//	  - name: greet
//	    steps:
//	      - {type: text, sender: bot, content: "hello {{message}}"}
func LoadScripts(path string) ([]Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scripts: %w", err)
	}
	var f scriptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scripts %s: %w", path, err)
	}
	for i, s := range f.Scripts {
		if s.Name == "" {
			return nil, fmt.Errorf("script %d in %s has no name", i, path)
		}
		if len(s.Steps) == 0 {
			return nil, fmt.Errorf("script %q in %s has no steps", s.Name, path)
		}
	}
	return f.Scripts, nil
}

// Built-in script names.
const (
	ScriptVacation = "vacation"
	ScriptEcho     = "echo"
	ScriptFailing  = "failing"
)

// BuiltinScripts returns the scripts every mock engine knows.
func BuiltinScripts() []Script {
	return []Script{
		{
			Name: ScriptVacation,
			Steps: []Step{
				{Type: engine.RecordSelectSpeaker, Agent: "planner"},
				{Type: engine.RecordText, Sender: "planner", Recipient: "user", Content: "Happy to help with: {{message}}"},
				{Type: engine.RecordInputRequest, Sender: "planner", Prompt: "Which city would you like to visit?"},
				{Type: engine.RecordText, Sender: "planner", Recipient: "user", Content: "{{answer}} it is. Looking up the highlights."},
				{Type: engine.RecordToolCall, Sender: "planner", Recipient: "search", Content: `search_attractions(city="{{answer}}")`},
				{Type: engine.RecordToolResponse, Sender: "search", Recipient: "planner", Content: "museum, old town, river cruise"},
				{Type: engine.RecordSelectSpeaker, Agent: "modifier"},
				{Type: engine.RecordText, Sender: "modifier", Recipient: "user", Content: "**Day 1:** museum\n**Day 2:** old town\n**Day 3:** river cruise"},
				{Type: engine.RecordInputRequest, Sender: "modifier", Prompt: "Anything you'd like to change?"},
				{Type: engine.RecordAutoReply, Agent: "modifier", Content: "Noted: {{answer}}"},
				{Type: engine.RecordRunCompletion, Summary: "3-day itinerary for {{answer.1}}"},
			},
		},
		{
			Name: ScriptEcho,
			Steps: []Step{
				{Type: engine.RecordText, Sender: "echo", Recipient: "user", Content: "{{message}}"},
				{Type: engine.RecordTermination},
			},
		},
		{
			Name: ScriptFailing,
			Steps: []Step{
				{Type: engine.RecordText, Sender: "planner", Recipient: "user", Content: "Working on it."},
				{Type: engine.RecordError, Content: "upstream model unavailable"},
			},
		},
	}
}

// Package capability implements the Capability Model (§4.G): declarative
// capability strengths per provider and a static task-to-requirement map
// used by the task-aware provider-group selection strategy.
package capability

import "strings"

// Strength is the ordered scale named in §3 (CapabilityStrength):
// none < basic < moderate < strong < exceptional.
type Strength int

const (
	None Strength = iota
	Basic
	Moderate
	Strong
	Exceptional
)

func (s Strength) String() string {
	switch s {
	case None:
		return "none"
	case Basic:
		return "basic"
	case Moderate:
		return "moderate"
	case Strong:
		return "strong"
	case Exceptional:
		return "exceptional"
	default:
		return "unknown"
	}
}

// Axis names one dimension a provider can be rated on.
type Axis string

const (
	AxisReasoning   Axis = "reasoning"
	AxisCode        Axis = "code_generation"
	AxisCreative    Axis = "creative_writing"
	AxisMath        Axis = "math"
	AxisVision      Axis = "vision"
	AxisInstruction Axis = "instruction_following"
)

// Task names a task type the caller's request falls under, matched by
// TaskFromMessage against the last user message.
type Task string

const (
	TaskCreativeWriting     Task = "creative_writing"
	TaskCodeGeneration      Task = "code_generation"
	TaskAnalyticalReasoning Task = "analytical_reasoning"
	TaskMath                Task = "math"
	TaskVision              Task = "vision"
	TaskGeneral             Task = "general"
)

// Profile is a provider's declared strength per axis. Missing axes are
// treated as None.
type Profile map[Axis]Strength

// requirements is the static task -> required-strength-per-axis table.
var requirements = map[Task]map[Axis]Strength{
	TaskCreativeWriting:     {AxisCreative: Strong},
	TaskCodeGeneration:      {AxisCode: Strong, AxisReasoning: Moderate},
	TaskAnalyticalReasoning: {AxisReasoning: Strong},
	TaskMath:                {AxisMath: Strong, AxisReasoning: Moderate},
	TaskVision:              {AxisVision: Moderate},
	TaskGeneral:             {AxisInstruction: Basic},
}

const (
	bonus   = 1
	penalty = -1
)

// Score implements §4.G's scoring rule: sum a bonus for every axis where
// the profile meets or exceeds the task's required strength, a penalty
// otherwise. Higher is better.
func Score(profile Profile, task Task) int {
	reqs, ok := requirements[task]
	if !ok {
		reqs = requirements[TaskGeneral]
	}
	score := 0
	for axis, required := range reqs {
		if profile[axis] >= required {
			score += bonus
		} else {
			score += penalty
		}
	}
	return score
}

// keywordTasks is consulted in declaration order so earlier entries win
// ties when a message matches more than one task's keywords.
var keywordTasks = []struct {
	task     Task
	keywords []string
}{
	{TaskCodeGeneration, []string{"code", "function", "bug", "refactor", "compile", "program"}},
	{TaskMath, []string{"calculate", "equation", "integral", "derivative", "solve for"}},
	{TaskVision, []string{"image", "picture", "photo", "diagram", "screenshot"}},
	{TaskAnalyticalReasoning, []string{"analyze", "reasoning", "why does", "explain why", "root cause"}},
	{TaskCreativeWriting, []string{"story", "poem", "write a", "creative", "fiction"}},
}

// TaskFromMessage inspects text (the last user message's content, per
// §4.H) and returns the first matching task, or TaskGeneral if none
// match.
func TaskFromMessage(text string) Task {
	lower := strings.ToLower(text)
	for _, entry := range keywordTasks {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.task
			}
		}
	}
	return TaskGeneral
}

package graph

import "github.com/petal-labs/turnflow/core"

// RefusalMessage is the reply for a blocked turn when the safety stage did
// not compose one.
const RefusalMessage = "I'm sorry, your request involves sensitive content and can't be processed."

// SafetyBlockRuleName names the built-in safety short-circuit.
const SafetyBlockRuleName = "safety_block"

// SafetyBlock terminates the turn when the safety review reports blocked.
func SafetyBlock(after core.StageName) RoutingRule {
	return RoutingRule{
		Name:  SafetyBlockRuleName,
		After: after,
		Predicate: func(s *core.ThreadState) Decision {
			if s.Safety != nil && s.Safety.Status == core.SafetyBlocked {
				return Terminate
			}
			return Continue
		},
		Respond: func(s *core.ThreadState) string {
			if s.Safety != nil && s.Safety.UserMessage != "" {
				return s.Safety.UserMessage
			}
			return RefusalMessage
		},
	}
}

// BuiltinRules returns the routing rules a Definition may reference by name.
func BuiltinRules() RuleSet {
	return RuleSet{
		SafetyBlockRuleName: SafetyBlock,
	}
}

// DefaultConfig returns the advisory pipeline:
//
//	safety_review -> {emotion, intent} -> strategy -> sales_agent
//	  -> {memory_update, recommendation} -> response
func DefaultConfig() Config {
	return Config{
		Nodes: []Node{
			{Name: core.StageSafety},
			{Name: core.StageEmotion, DependsOn: []core.StageName{core.StageSafety}},
			{Name: core.StageIntent, DependsOn: []core.StageName{core.StageSafety}},
			{Name: core.StageStrategy, DependsOn: []core.StageName{core.StageEmotion, core.StageIntent}},
			{Name: core.StageSalesAgent, DependsOn: []core.StageName{core.StageStrategy}},
			{Name: core.StageRecommendation, DependsOn: []core.StageName{core.StageSalesAgent}},
			{Name: core.StageMemoryUpdate, DependsOn: []core.StageName{core.StageSalesAgent}},
			{Name: core.StageResponse, DependsOn: []core.StageName{core.StageRecommendation, core.StageMemoryUpdate}},
		},
		Groups: []ParallelGroup{
			{Names: []core.StageName{core.StageEmotion, core.StageIntent}},
			{Names: []core.StageName{core.StageRecommendation, core.StageMemoryUpdate}},
		},
		Rules:    []RoutingRule{SafetyBlock(core.StageSafety)},
		Terminal: core.StageResponse,
	}
}

// DefaultPipeline returns the built advisory pipeline.
func DefaultPipeline() *Pipeline {
	return MustNew(DefaultConfig())
}

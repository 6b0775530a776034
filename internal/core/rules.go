package core

import "labqc/pkg/domain"

// NewRulesEngine constructs an empty engine instance.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in retest policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(RetestLifecycleRule())
	engine.Register(RetestCoverageRule())
	engine.Register(PendingFlagRule())
	engine.Register(DuplicateRetestRule())
	return engine
}

package core

import "labqc/pkg/domain"

type (
	EntityType               = domain.EntityType
	Severity                 = domain.Severity
	Base                     = domain.Base
	Lot                      = domain.Lot
	TestResult               = domain.TestResult
	ProductTestSpecification = domain.ProductTestSpecification
	RetestRequest            = domain.RetestRequest
	RetestItem               = domain.RetestItem
	RetestStatus             = domain.RetestStatus
	Change                   = domain.Change
	Action                   = domain.Action
	Violation                = domain.Violation
	Result                   = domain.Result
	RuleViolationError       = domain.RuleViolationError
	Rule                     = domain.Rule
	RulesEngine              = domain.RulesEngine
	Transaction              = domain.Transaction
	TransactionView          = domain.TransactionView
	PersistentStore          = domain.PersistentStore
)

const (
	EntityLot           = domain.EntityLot
	EntityTestResult    = domain.EntityTestResult
	EntitySpecification = domain.EntitySpecification
	EntityRetestRequest = domain.EntityRetestRequest
)

const (
	RetestStatusPending        = domain.RetestStatusPending
	RetestStatusReviewRequired = domain.RetestStatusReviewRequired
	RetestStatusCompleted      = domain.RetestStatusCompleted
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
)

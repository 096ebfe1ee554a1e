package model

import "fmt"

// ReportStyle is the E2SM-KPM report service style negotiated at subscription time.
type ReportStyle int

const (
	StyleCell           ReportStyle = 1 // aggregate, entity-less
	StyleSingleUE       ReportStyle = 2 // aggregate for one pre-bound entity
	StyleConditionalUEs ReportStyle = 3 // per-entity, selected by matching condition
	StyleMatchingUEs    ReportStyle = 4 // per-entity, selected by UE matching condition
	StyleMultipleUEs    ReportStyle = 5 // per-entity, explicit entity list
)

// Valid reports whether s is one of the known styles 1..5.
func (s ReportStyle) Valid() bool {
	return s >= StyleCell && s <= StyleMultipleUEs
}

// PerEntity reports whether indications of this style carry one measurement
// set per entity.
func (s ReportStyle) PerEntity() bool {
	return s >= StyleConditionalUEs && s <= StyleMultipleUEs
}

// ParseReportStyle validates n as a report style.
func ParseReportStyle(n int) (ReportStyle, error) {
	s := ReportStyle(n)
	if !s.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedReportStyle, n)
	}
	return s, nil
}

// MatchingCondition is a UE test condition used by styles 3 and 4.
type MatchingCondition struct {
	TestType  string `json:"testType"`
	TestExpr  string `json:"testExpr"`
	TestValue int64  `json:"testValue"`
}

// SubscriptionRequest is the subscribe call issued toward the reporting subsystem.
type SubscriptionRequest struct {
	NodeID            string
	RANFunctionID     int
	Style             ReportStyle
	ReportPeriod      int // ms
	GranularityPeriod int // ms
	MetricNames       []string
	MatchingConds     []MatchingCondition
	EntityIDs         []string
}

// SubscriptionContext travels with every indication of a subscription.
// BoundEntityID is only set for style 2, whose indications omit the entity.
type SubscriptionContext struct {
	ID            string
	NodeID        string
	Style         ReportStyle
	BoundEntityID string
}

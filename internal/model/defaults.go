package model

// Shared defaults used by the server binary and tests.
const (
	DefaultReportPeriod      = 1000 // ms
	DefaultGranularityPeriod = 1000 // ms
	DefaultNodeID            = "gnbd_001_001_00019b_0"
	DefaultRANFunctionID     = 2
	DefaultMetrics           = "DRB.UEThpUl,DRB.UEThpDl"
)

package model

import "time"

type IndexStatus string

const (
	IndexStatusInitialized        IndexStatus = "INITIALIZED"
	IndexStatusIndexing           IndexStatus = "INDEXING"
	IndexStatusPartiallyCompleted IndexStatus = "PARTIALLY_COMPLETED"
	IndexStatusCompleted          IndexStatus = "COMPLETED"
	IndexStatusFailed             IndexStatus = "FAILED"
)

// NonTerminalStatuses are the states a unit may still leave.
var NonTerminalStatuses = []IndexStatus{IndexStatusInitialized, IndexStatusIndexing}

var TerminalStatuses = []IndexStatus{IndexStatusCompleted, IndexStatusPartiallyCompleted, IndexStatusFailed}

func (s IndexStatus) Terminal() bool {
	switch s {
	case IndexStatusCompleted, IndexStatusPartiallyCompleted, IndexStatusFailed:
		return true
	}
	return false
}

func (s IndexStatus) Valid() bool {
	switch s {
	case IndexStatusInitialized, IndexStatusIndexing, IndexStatusPartiallyCompleted,
		IndexStatusCompleted, IndexStatusFailed:
		return true
	}
	return false
}

type DataSourceType string

const (
	DataSourceTypeWebCrawl   DataSourceType = "WEB_CRAWL"
	DataSourceTypeCloudDrive DataSourceType = "CLOUD_DRIVE"
	DataSourceTypeFileUpload DataSourceType = "FILE_UPLOAD"
)

func (t DataSourceType) Valid() bool {
	switch t {
	case DataSourceTypeWebCrawl, DataSourceTypeCloudDrive, DataSourceTypeFileUpload:
		return true
	}
	return false
}

type RefreshPeriod string

const (
	RefreshPeriodNever   RefreshPeriod = "NEVER"
	RefreshPeriodDaily   RefreshPeriod = "DAILY"
	RefreshPeriodWeekly  RefreshPeriod = "WEEKLY"
	RefreshPeriodMonthly RefreshPeriod = "MONTHLY"
)

// Interval returns zero for NEVER and unknown values.
func (p RefreshPeriod) Interval() time.Duration {
	switch p {
	case RefreshPeriodDaily:
		return 24 * time.Hour
	case RefreshPeriodWeekly:
		return 7 * 24 * time.Hour
	case RefreshPeriodMonthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

func (p RefreshPeriod) Valid() bool {
	return p == RefreshPeriodNever || p.Interval() > 0
}

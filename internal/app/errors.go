package app

import "errors"

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrDataSourceNotFound    = errors.New("data source not found")
	ErrKnowledgeNotFound     = errors.New("knowledge not found")
	ErrKnowledgeNotRetryable = errors.New("only failed knowledge can be retried")
	ErrSourceBusy            = errors.New("data source is still indexing")
	ErrAggregationConflict   = errors.New("data source changed concurrently")
	ErrWebhookUnknown        = errors.New("webhook does not match any knowledge")
)

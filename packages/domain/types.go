// Package domain
package domain

import (
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Rect is an element box in viewport coordinates.
type Rect struct {
	Top, Bottom, Left, Right float64
}

// Candidate is an anchor seen by the scanner. ID is the element identity
// and stays stable for the lifetime of the host document.
type Candidate struct {
	ID       int
	Href     string
	Hostname string
	Text     string
}

type Outcome string

const (
	Dispatched     Outcome = "dispatched"
	Declined       Outcome = "declined"
	SkippedOrigin  Outcome = "skipped_origin"
	SkippedIgnored Outcome = "skipped_ignored"
	BulkDispatched Outcome = "bulk_dispatched"
	BulkDeclined   Outcome = "bulk_declined"
)

// Event records one decision taken by a listener.
type Event struct {
	PageURL      string
	URL          string
	Outcome      Outcome
	HighPriority bool
	ObservedAt   time.Time
}

type FetchedPage struct {
	FinalURL   string
	Title      string
	GoqueryDoc *goquery.Document
}

type PrefetchJob struct {
	URL          string
	HighPriority bool
}

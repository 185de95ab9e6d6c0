package models

import "time"

// Stats summarizes the ledger for one project and site.
type Stats struct {
	Files      int64
	TotalSize  int64
	Tombstones int64
	Pulls      int64
	Pushes     int64
	LastPull   time.Time
	LastPush   time.Time
}

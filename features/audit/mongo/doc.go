// Package mongo provides a MongoDB-backed audit.RecordStore. Build the
// low-level client via features/audit/mongo/clients/mongo and pass it to
// NewStore so audit records survive process restarts and can be queried by
// other services.
package mongo

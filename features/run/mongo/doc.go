// Package mongo provides a MongoDB-backed pipeline.RunStore. Build the
// low-level client via features/run/mongo/clients/mongo and pass it to
// NewStore so run statuses survive restarts of the coordinator process.
package mongo

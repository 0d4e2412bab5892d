// Package mapping owns the durable table of contact mappings: which internal
// user and agent each transport contact is bound to, plus the user's
// encrypted bearer token.
//
// The table lives in memory and is written wholesale through a Snapshotter
// after every mutation. Two backends exist: FileSnapshot (a JSON array, the
// default) and SQLiteSnapshot.
package mapping

// Package export decides when a paginated export has finished.
//
// Destinations announce the pages they will write as expectation records
// and report each finished page as a completion record. Tracker joins the
// two per command within a bounded lookback window. An export is complete
// when every expected (agent, asset group, page) has a completion; it is
// timed out when that has not happened within Config.Timeout of the start.
//
// Records are append-only. Store adapters live in logstore (Pebble) and
// dynamostore (DynamoDB); MemoryStore serves tests and single-process runs.
package export

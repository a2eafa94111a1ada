// Package eventlog is an append-only record log persisted in Pebble.
//
// Logs are addressed by namespace, topic and a numeric partition. Callers
// that bucket records by time use the partition as the bucket index, which
// lets whole buckets be dropped with a single range delete.
//
// Key layout (byte-wise sortable):
//   - ns/{ns}/log/{topic}/{part_be4}/m           partition metadata (last seq)
//   - ns/{ns}/log/{topic}/{part_be4}/e/{seq_be8} entries
//
// Entries are encoded as uvarint(headerLen) | header | payload | crc32c.
// The header is a small routing tag that Scan can filter on without decoding
// the payload.
package eventlog

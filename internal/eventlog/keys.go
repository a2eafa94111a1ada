package eventlog

import (
	"encoding/binary"
)

var (
	sep        = byte('/')
	nsPrefix   = []byte("ns/")
	logSeg     = []byte("/log/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyTopicPrefix is the prefix shared by every partition of a topic.
func KeyTopicPrefix(namespace, topic string) []byte {
	k := make([]byte, 0, len(namespace)+len(topic)+16)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, logSeg...)
	k = append(k, topic...)
	k = append(k, sep)
	return k
}

// KeyPartitionPrefix is the prefix of one partition's metadata and entries.
func KeyPartitionPrefix(namespace, topic string, partition uint32) []byte {
	return appendBE4(KeyTopicPrefix(namespace, topic), partition)
}

// KeyLogMeta builds the partition metadata key.
func KeyLogMeta(namespace, topic string, partition uint32) []byte {
	return append(KeyPartitionPrefix(namespace, topic, partition), metaSuffix...)
}

// KeyLogEntry builds the entry key with a big-endian sequence for ordering.
func KeyLogEntry(namespace, topic string, partition uint32, seq uint64) []byte {
	k := append(KeyPartitionPrefix(namespace, topic, partition), entrySeg...)
	return appendBE8(k, seq)
}

func seqFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

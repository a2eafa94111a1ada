// Package client provides the `cmdfeed` command-line client.
//
// The CLI talks to the cmdfeed HTTP API to submit privacy commands, act as
// an agent against the queues, follow exports, and inspect queue health.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. The standalone binary reads CMDFEED_HTTP and
// defaults to http://127.0.0.1:8080. When the server requires auth, put
// an HS256 bearer token in CMDFEED_TOKEN; its subject is the agent ID.
//
// Usage
//
//	cmdfeed command ingest --kind export --subject-type msaUser --data-types Search
//	cmdfeed agent lease --agent agent-a --asset-group ag1
//	cmdfeed agent extend --agent agent-a --receipt RECEIPT --lease-seconds 600
//	cmdfeed agent complete --agent agent-a --receipt RECEIPT
//	cmdfeed export expect CMD_ID --agent agent-a --asset-group ag1 --pages 3
//	cmdfeed export page CMD_ID --agent agent-a --asset-group ag1 --page 1
//	cmdfeed export status CMD_ID
//	cmdfeed stats --agent agent-a
//	cmdfeed deadletters --limit 20
package client

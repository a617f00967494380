// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package gateway provides the HTTP boundary of the stdio bridge. Clients open
// an event stream on /sse, learn the absolute submission URL from the initial
// endpoint event, and POST JSON-RPC payloads to /messages. Payloads are
// forwarded to the stdio server untouched and every message the server emits
// is relayed to all open streams; correlating requests with responses is left
// to the client.
package gateway

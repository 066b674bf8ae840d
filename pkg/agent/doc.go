/*
Package agent issues and delivers remote jobs to the agent daemon running on
every managed server.

Issuing a job never talks to the network. Each Client method writes an
AgentJob row in the caller's transaction, with status Undelivered and the
request path and JSON body the agent expects:

	err := store.Update(func(tx storage.Tx) error {
		_, err := client.ArchiveSite(tx, site, false)
		return err
	})

The Dispatcher picks up due Undelivered jobs on its tick and posts them
through a Transport. On success the job becomes Pending with the agent's job
id; the poller takes it from there. A failed post leaves the job Undelivered
with NextAttemptAt pushed back (30s, doubling, at most one hour). After
MaxAttempts failures the job becomes Delivery Failure, and Dispatcher.Retry
puts it back in the queue.

# Gate

Before posting, the Gate may refuse a server. It refuses when the server's
token bucket (golang.org/x/time/rate) is empty, or when the health Monitor
has seen its ping endpoint fail too many times in a row. A refusal wraps
types.ErrAgentRequestSkipped and does not count as a delivery attempt.

# Transports

HTTPTransport speaks the agent's HTTP API: requests go to
"<address>/agent/<path>" with a bearer token, answers are {"job": id} or
{"error": ...}, and "GET jobs/<id>" reports status, steps, data and output.
FakeTransport keeps everything in memory for tests.
*/
package agent

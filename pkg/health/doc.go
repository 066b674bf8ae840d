/*
Package health tracks whether the agent on each server is reachable.

An AgentChecker calls the agent's ping endpoint. A Monitor keeps one Status
per server and runs a check when the last one is older than Config.Interval.
After Config.Retries consecutive failures the server is considered down and
the agent client stops sending it requests (they are skipped, not failed)
until a check succeeds again. Delivery failures observed by the dispatcher
count as failed checks through Monitor.Observe.
*/
package health

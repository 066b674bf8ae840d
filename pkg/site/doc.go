/*
Package site implements the site lifecycle.

Transition is a pure function from a site and an Event to the next site and
the Effects to run. Service.Apply executes those effects inside the caller's
transaction: publishing events, updating the proxy, queueing recovery and
cleaning up after an archive.

Status only changes in response to job outcomes. Service operations issue
agent jobs and the callbacks registered by RegisterHandlers move the site
once the jobs finish. Creation, archive and rename each issue a pair of jobs
(bench and proxy) sharing a reference; the site moves only on the combined
outcome of both.

Public Service methods take the per-site lock. Callbacks already run under
it and must only use Apply and the unexported helpers.
*/
package site

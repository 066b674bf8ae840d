// Package poller reconciles delivered agent jobs with their agents and runs
// the callbacks that turn job outcomes into site, backup, update and
// certificate state. Status changes and callbacks commit in one store
// transaction; a callback error rolls both back and the change is seen
// again on the next tick.
package poller

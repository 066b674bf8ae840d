/*
Package update moves sites from one bench to a newer one.

A bench is updatable when a DeployCandidateDifference leads from its candidate
to an Active bench on the same server. The Executor creates a SiteUpdate row,
readies the site and issues an Update Site Pull or Migrate job; the job
callbacks then walk the site through its statuses:

	Pending -> Updating -> Active                  success
	                    -> Broken -> Recovering    failure after the backup
	                                 -> Active     recovered
	                                 -> Broken     fatal

A failure at the backup step leaves the site where it was. Updates that skip
backups cannot be recovered and end Fatal.

The Scheduler starts automatic updates once per tick: at most one site per
bench, within each site's deploy hours, and never more than
auto_update_queue_size unfinished updates per server.
*/
package update

/*
Package api serves the operational HTTP endpoints of a press process.

	/health   liveness, always 200 while the process runs
	/ready    200 when every registered check passes, 503 otherwise
	/status   last outcome of every worker loop
	/metrics  Prometheus metrics from pkg/metrics

cmd/press registers the store as the "storage" check:

	hs := api.NewHealthServer(version)
	hs.AddCheck("storage", mgr.Ready)
	go hs.Start(cfg.ListenAddr)
	defer hs.Shutdown(ctx)

There is no management API here; operators use the press CLI.
*/
package api

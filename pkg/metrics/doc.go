/*
Package metrics defines and registers EventQL's Prometheus metrics, and
exposes them over HTTP for scraping.

# Catalog

Cluster:

  - eventql_servers_total{status}: servers by UP/DOWN status.
  - eventql_partitions_total{state}: locally loaded partitions by lsm.State.
  - eventql_sealed_segments_total: sealed segments awaiting compaction,
    summed across tracked partitions.

Ingestion (pkg/ingest.Router):

  - eventql_ingest_requests_total{result}: routed insert requests by ok/error.
  - eventql_ingest_request_duration_seconds: time to route and dispatch one
    insert request, from partition resolution through replica confirmation.

Metadata coordinator (pkg/metaclient.Client):

  - eventql_metadata_advance_total{result}: CompareAndSwap attempts by
    ok/bad_version.
  - eventql_metadata_fetch_duration_seconds: time to query every metadata
    server and pick the highest (seq, txid) file.

Insert transport (pkg/transport.Server):

  - eventql_replicate_requests_total{status}: /tsdb/replicate requests by
    response status class (2xx/4xx/5xx).
  - eventql_replicate_request_duration_seconds: server-side handling time.

Compaction and split (pkg/reconcile):

  - eventql_compactions_total / eventql_compaction_duration_seconds.
  - eventql_splits_started_total / eventql_splits_finalized_total.

Metrics are updated directly by the owning package rather than polled, except
for ServersTotal, PartitionsTotal and SealedSegmentsTotal, which Collector
samples on a ticker
through the ServerLister/PartitionLister interfaces so this package never
needs to import the coordinator or reconcile packages directly.

# Usage

	http.Handle("/metrics", metrics.Handler())

	c := metrics.NewCollector(serverLister, reconciler)
	c.Start()
	defer c.Stop()
*/
package metrics

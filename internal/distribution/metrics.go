package distribution

import "github.com/hashicorp/go-metrics"

var (
	MetricChangesEnqueued     = []string{"sharestream", "changes", "enqueued"}
	MetricChangesUnidentified = []string{"sharestream", "changes", "unidentified"}
	MetricCommitFailures      = []string{"sharestream", "batches", "commit", "failed"}
	MetricBatchesQueued       = []string{"sharestream", "batches", "queued"}
	MetricBatchesQueueFull    = []string{"sharestream", "batches", "queue", "full"}
	MetricBatchesPublished    = []string{"sharestream", "batches", "published"}
	MetricPublishErrors       = []string{"sharestream", "batches", "publish", "error", "count"}
	MetricBatchesReceived     = []string{"sharestream", "batches", "received"}
	MetricBatchRetries        = []string{"sharestream", "batches", "retries"}
	MetricBatchesDropped      = []string{"sharestream", "batches", "dropped"}
	MetricDecodeErrors        = []string{"sharestream", "batches", "decode", "error", "count"}
	MetricListenerErrors      = []string{"sharestream", "listeners", "error", "count"}
)

func sinkOrDefault(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return metrics.Default()
	}
	return sink
}

package worker

// targetBatchSize grows the batch with consumer lag: doubling per order of
// magnitude of backlog past 1000 records, clamped to [min, max]. At small
// lag small batches keep latency down; under backlog large batches maximize
// storage write throughput. The result is non-decreasing in lag.
func targetBatchSize(base, min, max int, lag int64) int {
	mult := 1
	for threshold := int64(1000); lag >= threshold && mult < 64; threshold *= 10 {
		mult *= 2
	}
	size := base * mult
	if size < min {
		size = min
	}
	if size > max {
		size = max
	}
	return size
}

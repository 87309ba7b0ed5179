// Package delivery provides the per-connection outbound queue.
//
// One consumer goroutine drains each queue, so envelopes leave in enqueue
// order. When the queue is full, block-with-timeout makes the producer
// wait up to the enqueue timeout; drop-oldest evicts the oldest queued
// envelope instead.
package delivery

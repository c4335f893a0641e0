// Package eventmonitor implements the per-chain event monitor:
// for each chain, it produces a totally-ordered, at-least-once
// stream of chainmodel.Event values with reorg correction, backpressure,
// and a durable resume cursor.
//
// The canonical-chain rebuild (buildCanonicalChain) and the
// speed-up-on-success/reset-on-miss poll interval are adapted directly
// from ethmonitor's Monitor design; multi-subscriber
// fan-out reuses github.com/joeycumines/go-bigbuff's Notifier, the same
// primitive fangrpcstream.Stream uses for its Subscribe/publish pair.
package eventmonitor

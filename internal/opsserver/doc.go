// Package opsserver is the operator HTTP surface: liveness, Prometheus
// metrics, the persisted schedule state, a manual sweep trigger and, when
// enabled, pprof.
//
// Security: bind to loopback (the default) or set a token. A non-loopback
// address without a token is refused unless AllowInsecure is set.
package opsserver

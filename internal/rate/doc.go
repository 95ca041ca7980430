// Package rate implements fixed-window Redis counters that throttle
// credential checks and token rotation. Counters use INCR with a TTL set
// on the first hit of each window.
package rate

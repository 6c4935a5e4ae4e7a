// Package prof captures CPU and heap profiles around a run of msc-sim.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/msc-sim
//	msc-sim soak --buses 4 --cpu-profile cpu.prof --heap-profile heap.prof
//
// Without the tag, [Start] returns an inert [Session] and [Enabled] is false,
// so callers can leave profiling hooks in place.
//
// Only one session may be active at a time; a second [Start] returns
// [ErrActive] until the first session is stopped.
package prof

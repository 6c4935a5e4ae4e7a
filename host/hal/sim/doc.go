// Package sim provides a simulated USB host controller with a Bulk-Only
// mass-storage stick plugged into its single port.
//
// [Controller] implements [hal.HostHAL]. The stick answers enumeration
// requests, GET MAX LUN and Bulk-Only Mass Storage Reset on the default
// pipe, and runs a SCSI target on bulk endpoints 0x81 (IN) and 0x02 (OUT)
// backed by a [Storage]. [MemoryStorage] keeps the medium in memory;
// [FileStorage] serves a disk image file.
//
// # Fault Injection
//
// Tests and soak runs can make the stick misbehave:
//
//   - StallNext and StallEvery halt the endpoint of a bulk phase; the host
//     must clear the halt before the phase succeeds. A stalled data-in
//     phase is not resumed: the stick moves on to a failed CSW. StallEvery
//     leaves data-in transfers alone.
//   - ShortReadNext returns half of a READ(10) under a good CSW.
//   - FailNext fails a bulk phase with an arbitrary controller error.
//   - FailCommand reports CSW status 1 for an opcode with chosen sense data.
//   - PhaseErrorNext reports CSW status 2.
//   - CorruptNextCSW returns a CSW with the wrong tag.
//
// All Controller methods are safe for concurrent use.
package sim

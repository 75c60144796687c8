package sandbox

// goldenRatio32 is floor(2^32 / phi), the standard Fibonacci-hashing
// multiplier (used e.g. by the Linux kernel's own hash_32) for spreading
// small sequential integers across a wide range with minimal clustering.
const goldenRatio32 uint32 = 2654435769

// PidOffset computes a deterministic first-pid offset from a job's
// small-id, used to seed pid-derived temp file names so concurrent jobs
// rarely collide (§4.D step 5: "a golden-ratio-based spread").
func PidOffset(smallID uint32, spread uint32) uint32 {
	if spread == 0 {
		return 0
	}
	return (smallID * goldenRatio32) % spread
}

package vault

// Phase tags a progress event with what is being fetched or processed.
type Phase string

const (
	PhaseImage   Phase = "IMAGE"
	PhaseKernel  Phase = "KERNEL"
	PhaseInitrd  Phase = "INITRD"
	PhaseVerify  Phase = "VERIFY"
	PhaseDecode  Phase = "DECODE"
	PhaseWaiting Phase = "WAITING"
)

// Monitor receives progress events. percent == -1 means indeterminate.
// Returning false asks the underlying operation to abort at its next
// opportunity, on a best-effort basis.
type Monitor func(phase Phase, percent int) bool

// notify is a nil-safe call to a possibly-nil Monitor.
func notify(monitor Monitor, phase Phase, percent int) bool {
	if monitor == nil {
		return true
	}
	return monitor(phase, percent)
}

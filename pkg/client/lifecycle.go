package client

// LifecycleEvent describes a host application state change forwarded to the
// client, for callers that tie network activity to app foregrounding.
type LifecycleEvent string

const (
	LifecycleResumed  LifecycleEvent = "resumed"
	LifecycleInactive LifecycleEvent = "inactive"
	LifecyclePaused   LifecycleEvent = "paused"
)

func (e LifecycleEvent) valid() bool {
	switch e {
	case LifecycleResumed, LifecycleInactive, LifecyclePaused:
		return true
	}
	return false
}

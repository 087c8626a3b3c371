package subscription

// State is the connectivity of the subscription as shown to the user.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateSubscribed    State = "subscribed"
	// StateDegraded means the reconnect ceiling was reached; the manager has
	// stopped trying.
	StateDegraded State = "degraded"
)

// Connected reports whether events can currently arrive.
func (s State) Connected() bool {
	return s == StateAuthenticated || s == StateSubscribed
}

package observe

// Connectivity is the coarse network signal consumed by the event
// processor. Both flags must be true for a processing pass to run.
type Connectivity struct {
	Connected bool `json:"isConnected"`
	Reachable bool `json:"isNetworkReachable"`
}

// Online reports whether the network is usable.
func (c Connectivity) Online() bool {
	return c.Connected && c.Reachable
}

// AppState is the host application's coarse foreground state.
type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateBackground AppState = "background"
	AppStateInactive   AppState = "inactive"
)

// LifecycleSignal is the read-only input from the platform lifecycle
// observer. Not owned by this core.
type LifecycleSignal struct {
	IsActive bool     `json:"isActive"`
	State    AppState `json:"appState"`
}

// Backgrounded reports whether the signal describes a non-foreground state.
func (s LifecycleSignal) Backgrounded() bool {
	return !s.IsActive || s.State == AppStateBackground || s.State == AppStateInactive
}

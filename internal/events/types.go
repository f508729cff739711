package events

// Event enumerates high-level topics inside the gateway.
type Event string

const (
	EventOrderUpdate Event = "order_update"
	EventBrokerState Event = "broker_state"
)

// Scoped narrows an event to a single broker instance.
func (e Event) Scoped(instanceID string) Event {
	return e + "/" + Event(instanceID)
}

// BrokerState is published when an instance starts, stops or fails a ping.
type BrokerState struct {
	InstanceID string `json:"instanceId"`
	Broker     string `json:"broker"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
}

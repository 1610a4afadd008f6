package aggregates

// Event is a domain event raised by an aggregate.
type Event interface {
	EventName() string
}

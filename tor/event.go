package tor

import "strings"

// EventKind enumerates the async-event namespace a tor control
// connection can emit. Values are the exact keyword
// tor uses after the 6xx status code.
type EventKind string

const (
	EventNotice       EventKind = "NOTICE"
	EventWarn         EventKind = "WARN"
	EventErr          EventKind = "ERR"
	EventDebug        EventKind = "DEBUG"
	EventInfo         EventKind = "INFO"
	EventConfChanged  EventKind = "CONF_CHANGED"
	EventBandwidth    EventKind = "BW"
	EventAddrMap      EventKind = "ADDRMAP"
	EventStatusClient EventKind = "STATUS_CLIENT"
	EventStatusServer EventKind = "STATUS_SERVER"
	EventStatusGeneral EventKind = "STATUS_GENERAL"
	EventStreamStatus EventKind = "STREAM"
	EventCircStatus   EventKind = "CIRC"
	EventNetworkLiveness EventKind = "NETWORK_LIVENESS"
	EventHSDescriptor EventKind = "HS_DESC"

	// EventError is a synthetic kind, never sent by tor itself: it is
	// the kind UncaughtException payloads are delivered under.
	EventError EventKind = "ERROR"
)

// requiredEvents is always implicitly subscribed, and any explicit
// SETEVENTS the caller issues is transparently unioned with this set.
var requiredEvents = []EventKind{EventNotice, EventConfChanged}

// AsyncEvent is one 6xx line's payload, demultiplexed from the
// synchronous reply stream by Codec.ParseLine.
type AsyncEvent struct {
	Kind    EventKind
	Message string
}

// parseAsyncEvent extracts the event keyword from a 6xx message's
// prefix and wraps the remainder as the event payload.
func parseAsyncEvent(message string) *AsyncEvent {
	sp := strings.IndexByte(message, ' ')
	if sp < 0 {
		return &AsyncEvent{Kind: EventKind(message)}
	}
	return &AsyncEvent{Kind: EventKind(message[:sp]), Message: message[sp+1:]}
}

// unionRequiredEvents rewrites a caller-requested SETEVENTS key set to
// always include the required events.
func unionRequiredEvents(requested []EventKind) []EventKind {
	have := make(map[EventKind]bool, len(requested)+len(requiredEvents))
	out := make([]EventKind, 0, len(requested)+len(requiredEvents))
	for _, k := range requested {
		if !have[k] {
			have[k] = true
			out = append(out, k)
		}
	}
	for _, k := range requiredEvents {
		if !have[k] {
			have[k] = true
			out = append(out, k)
		}
	}
	return out
}

// encodeSetEvents renders the (already unioned) SETEVENTS command.
func encodeSetEvents(kinds []EventKind) []byte {
	args := make([]string, len(kinds))
	for i, k := range kinds {
		args[i] = string(k)
	}
	return encodeLine("SETEVENTS", args...)
}

// EventRouter classifies incoming AsyncEvents and fans them out to
// subscribed Observers, each through its chosen Executor. It also derives a synthetic EventError stream for faults
// raised by other observers.
type EventRouter struct {
	observers *ObserverSet
	errors    *ErrorHandler
}

// NewEventRouter returns a router whose observer faults are reported
// through errHandler.
func NewEventRouter(errHandler *ErrorHandler) *EventRouter {
	return &EventRouter{
		observers: NewObserverSet(),
		errors:    errHandler,
	}
}

// Dispatch routes evt to every Observer subscribed to evt.Kind.
// Exceptions raised by a non-ERROR observer are captured and
// forwarded as EventError payloads; exceptions raised by an ERROR
// observer itself are intentionally left to propagate, since silently
// swallowing a fault in the fault handler would corrupt error
// reporting invisibly.
func (r *EventRouter) Dispatch(evt *AsyncEvent) {
	for _, obs := range r.observers.Matching(evt.Kind) {
		obs := obs
		run := func() {
			defer func() {
				if rec := recover(); rec != nil {
					if evt.Kind == EventError {
						panic(rec)
					}
					r.reportObserverFault(evt.Kind, rec)
				}
			}()
			obs.Callback(evt)
		}
		if obs.Executor != nil {
			obs.Executor(run)
		} else {
			run()
		}
	}
}

func (r *EventRouter) reportObserverFault(kind EventKind, rec interface{}) {
	err, ok := rec.(error)
	if !ok {
		err = &UncaughtException{Context: string(kind), Cause: errRecovered{rec}}
	}
	r.errors.Handle("observer("+string(kind)+")", err)
	r.Dispatch(&AsyncEvent{Kind: EventError, Message: err.Error()})
}

type errRecovered struct{ v interface{} }

func (e errRecovered) Error() string { return "panic: " + toString(e.v) }

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "unknown panic value"
}

// Subscribe adds obs to the router and returns an unsubscribe
// function. Subscribing the same Observer identity twice is a no-op.
func (r *EventRouter) Subscribe(obs *Observer) (unsubscribe func()) {
	r.observers.Add(obs)
	return func() { r.observers.Remove(obs) }
}

// ClearObservers removes every Observer except those tagged with the
// per-process static sentinel.
func (r *EventRouter) ClearObservers() {
	r.observers.ClearExceptStatic()
}

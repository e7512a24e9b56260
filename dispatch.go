package realtime

import (
	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Invalidator is the boundary to the ui/cache layer. Invalidate marks every
// cached read matched by the pattern stale, so the next read refetches.
// A pattern matches its exact key and every key nested under `pattern + "/"`.
type Invalidator interface {
	Invalidate(pattern string)
}

// DispatchTable maps an event type to the ordered cache-key patterns to
// invalidate when that event arrives. The table is static configuration -
// build it once at client start. An event type with no entry is a no-op so
// that old clients tolerate new server event types.
type DispatchTable struct {
	// eventType -> ordered cache key patterns
	entries map[EventType][]string
}

func NewDispatchTable(entries map[EventType][]string) *DispatchTable {
	copied := map[EventType][]string{}
	for eventType, patterns := range entries {
		copied[eventType] = slices.Clone(patterns)
	}
	return &DispatchTable{
		entries: copied,
	}
}

// Apply maps the event through the table and invalidates each matched
// pattern in order. Returns the number of invalidations issued, which is 0
// for an unmapped type.
func (self *DispatchTable) Apply(event *Event, cache Invalidator) int {
	patterns, ok := self.entries[event.Type]
	if !ok {
		// unknown type. not an error, see table contract.
		glog.V(2).Infof("[d]unmapped type %s\n", event.Type)
		return 0
	}
	for _, pattern := range patterns {
		cache.Invalidate(pattern)
	}
	glog.V(2).Infof("[d]%s invalidated %d\n", event.Type, len(patterns))
	return len(patterns)
}

func (self *DispatchTable) Types() []EventType {
	return maps.Keys(self.entries)
}

func (self *DispatchTable) Patterns(eventType EventType) []string {
	return slices.Clone(self.entries[eventType])
}

// DefaultDispatchTable covers the full server taxonomy. Review this table
// whenever the api layer adds a mutation - a missing entry is a silent
// staleness bug, which is why the coverage test enumerates `EventTypes`.
func DefaultDispatchTable() *DispatchTable {
	return NewDispatchTable(map[EventType][]string{
		EventInvoiceCreated:  {"invoices", "dashboard"},
		EventInvoiceUpdated:  {"invoices", "dashboard"},
		EventInvoiceDeleted:  {"invoices", "dashboard"},
		EventQuoteCreated:    {"quotes", "dashboard"},
		EventQuoteUpdated:    {"quotes", "dashboard"},
		EventQuoteDeleted:    {"quotes", "dashboard"},
		EventCustomerCreated: {"customers"},
		EventCustomerUpdated: {"customers"},
		EventCustomerDeleted: {"customers"},
		EventExpenseCreated:  {"expenses", "dashboard"},
		EventExpenseUpdated:  {"expenses", "dashboard"},
		EventExpenseDeleted:  {"expenses", "dashboard"},
		EventLeadCreated:     {"leads", "dashboard"},
		EventLeadUpdated:     {"leads", "dashboard"},
		EventLeadDeleted:     {"leads", "dashboard"},
		EventTripCreated:     {"trips"},
		EventTripUpdated:     {"trips"},
		EventTripDeleted:     {"trips"},
		EventFormCreated:     {"forms"},
		EventFormUpdated:     {"forms"},
		EventFormDeleted:     {"forms"},
		EventJobCreated:      {"jobs", "schedule", "dashboard"},
		EventJobUpdated:      {"jobs", "schedule", "dashboard"},
		EventJobDeleted:      {"jobs", "schedule", "dashboard"},

		EventJobStatusChanged: {"jobs", "schedule", "dashboard"},
		EventMessageSent:      {"messages"},
	})
}

// DefaultCatchUpKeys is the conservative set refreshed on every entry into
// the connected state. It covers every screen-level key the dispatch table
// can touch, so no missed-update bug class survives a reconnect.
func DefaultCatchUpKeys() []string {
	return []string{
		"invoices",
		"quotes",
		"customers",
		"expenses",
		"leads",
		"trips",
		"forms",
		"jobs",
		"messages",
		"schedule",
		"dashboard",
	}
}

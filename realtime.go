package realtime

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// The realtime package is the event notification and cache-synchronization
// bus between the api and connected clients. A mutation commits, the api
// publishes a typed event scoped to one organization, and every live
// connection authenticated to that organization receives it. Clients map
// event types to cache keys and invalidate, so the ui converges on server
// state without polling.
//
// Delivery is best effort. There is no durable log and no replay - a client
// that reconnects after a gap refreshes a conservative key set instead
// (see `Client`).

// close codes sent with the websocket close frame on handshake failure.
// 4401 mirrors http 401 and clients treat it as terminal.
const (
	CloseCodeBadHandshake = 4400
	CloseCodeAuthFailed   = 4401
)

// an empty message is a liveness ping in both directions

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// EventType is one value from the closed taxonomy below. Clients ignore
// types they have no dispatch entry for, so new types can ship server side
// before clients learn them.
type EventType string

const (
	EventInvoiceCreated  EventType = "invoice_created"
	EventInvoiceUpdated  EventType = "invoice_updated"
	EventInvoiceDeleted  EventType = "invoice_deleted"
	EventQuoteCreated    EventType = "quote_created"
	EventQuoteUpdated    EventType = "quote_updated"
	EventQuoteDeleted    EventType = "quote_deleted"
	EventCustomerCreated EventType = "customer_created"
	EventCustomerUpdated EventType = "customer_updated"
	EventCustomerDeleted EventType = "customer_deleted"
	EventExpenseCreated  EventType = "expense_created"
	EventExpenseUpdated  EventType = "expense_updated"
	EventExpenseDeleted  EventType = "expense_deleted"
	EventLeadCreated     EventType = "lead_created"
	EventLeadUpdated     EventType = "lead_updated"
	EventLeadDeleted     EventType = "lead_deleted"
	EventTripCreated     EventType = "trip_created"
	EventTripUpdated     EventType = "trip_updated"
	EventTripDeleted     EventType = "trip_deleted"
	EventFormCreated     EventType = "form_created"
	EventFormUpdated     EventType = "form_updated"
	EventFormDeleted     EventType = "form_deleted"
	EventJobCreated      EventType = "job_created"
	EventJobUpdated      EventType = "job_updated"
	EventJobDeleted      EventType = "job_deleted"
)

// cross-cutting events that do not follow the entity lifecycle naming
const (
	EventJobStatusChanged EventType = "job_status_changed"
	EventMessageSent      EventType = "message_sent"
)

// EventTypes enumerates every type the server can emit.
// The dispatch table test asserts full coverage against this list.
func EventTypes() []EventType {
	return []EventType{
		EventInvoiceCreated,
		EventInvoiceUpdated,
		EventInvoiceDeleted,
		EventQuoteCreated,
		EventQuoteUpdated,
		EventQuoteDeleted,
		EventCustomerCreated,
		EventCustomerUpdated,
		EventCustomerDeleted,
		EventExpenseCreated,
		EventExpenseUpdated,
		EventExpenseDeleted,
		EventLeadCreated,
		EventLeadUpdated,
		EventLeadDeleted,
		EventTripCreated,
		EventTripUpdated,
		EventTripDeleted,
		EventFormCreated,
		EventFormUpdated,
		EventFormDeleted,
		EventJobCreated,
		EventJobUpdated,
		EventJobDeleted,
		EventJobStatusChanged,
		EventMessageSent,
	}
}

// EventPayload is routing metadata only, not the domain object.
// Clients refetch through their normal read path after invalidation.
type EventPayload struct {
	EntityId string `json:"entity_id,omitempty"`
}

// Event is immutable once published and safely shared by reference across
// delivery goroutines. Event ids are ulids, so ids minted by one publisher
// order by emit time.
type Event struct {
	EventId   Id           `json:"event_id"`
	Type      EventType    `json:"type"`
	OrgId     Id           `json:"organization_id"`
	Payload   EventPayload `json:"payload,omitempty"`
	EmittedAt time.Time    `json:"emitted_at"`
}

// wire frames. The server->client frame is `Event` itself.

type handshakeFrame struct {
	Auth string `json:"auth"`
}

type helloFrame struct {
	Type         string `json:"type"`
	ConnectionId Id     `json:"connection_id"`
}

const helloFrameType = "hello"

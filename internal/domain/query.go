package domain

// QueryKind is the subscriber-protocol "kind" field, one of the five
// strings the wire handshake accepts.
type QueryKind string

const (
	QueryDev   QueryKind = "dev"
	QuerySys   QueryKind = "sys"
	QueryNetif QueryKind = "netif"
	QueryMAC   QueryKind = "mac"
	QueryUSB   QueryKind = "usb"
)

// ValidQueryKind reports whether k is one of the five kinds the
// handshake recognises.
func ValidQueryKind(k string) bool {
	switch QueryKind(k) {
	case QueryDev, QuerySys, QueryNetif, QueryMAC, QueryUSB:
		return true
	default:
		return false
	}
}

// Query is a resolved subscriber request: look up a device by kind and
// an opaque payload whose interpretation depends on kind.
type Query struct {
	Kind    QueryKind
	Payload string
}

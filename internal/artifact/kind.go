package artifact

import (
	"fmt"
	"strings"
)

// Kind identifies the category of a registry artifact.
type Kind uint8

const (
	// KindObservable is a composable source of events.
	KindObservable Kind = iota + 1
	// KindObserver consumes events.
	KindObserver
	// KindStream is a subject: both observable and observer.
	KindStream
	// KindStreamFactory creates streams on demand.
	KindStreamFactory
	// KindSubscriptionFactory creates subscriptions on demand.
	KindSubscriptionFactory
	// KindSubscription binds an observable to an observer.
	KindSubscription
)

// AllKinds lists every kind in the fixed order used for persistence passes.
// Checkpoint and recovery iterate categories in this order.
var AllKinds = []Kind{
	KindObservable,
	KindObserver,
	KindStream,
	KindStreamFactory,
	KindSubscriptionFactory,
	KindSubscription,
}

// String returns the noun used for the kind in category names and commands.
func (k Kind) String() string {
	switch k {
	case KindObservable:
		return "observable"
	case KindObserver:
		return "observer"
	case KindStream:
		return "stream"
	case KindStreamFactory:
		return "stream_factory"
	case KindSubscriptionFactory:
		return "subscription_factory"
	case KindSubscription:
		return "subscription"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsValid reports whether k is one of the defined kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindObservable, KindObserver, KindStream, KindStreamFactory,
		KindSubscriptionFactory, KindSubscription:
		return true
	default:
		return false
	}
}

// IsRoot reports whether artifacts of this kind anchor reachability for
// registry garbage collection.
func (k Kind) IsRoot() bool {
	switch k {
	case KindSubscription, KindObserver:
		return true
	case KindObservable, KindStream, KindStreamFactory, KindSubscriptionFactory:
		return false
	default:
		return false
	}
}

// ParseKind converts a noun (as produced by String) back to a Kind.
// Matching is case-insensitive and accepts "-" in place of "_".
func ParseKind(s string) (Kind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, k := range AllKinds {
		if k.String() == norm {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown artifact kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.IsValid() {
		return nil, fmt.Errorf("invalid artifact kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Op is the mutation recorded by a transaction log entry.
type Op uint8

const (
	OpCreate Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// IsValid reports whether o is one of the defined operations.
func (o Op) IsValid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// MarshalText implements encoding.TextMarshaler.
func (o Op) MarshalText() ([]byte, error) {
	if !o.IsValid() {
		return nil, fmt.Errorf("invalid op %d", uint8(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Op) UnmarshalText(text []byte) error {
	switch string(text) {
	case "create":
		*o = OpCreate
	case "update":
		*o = OpUpdate
	case "delete":
		*o = OpDelete
	default:
		return fmt.Errorf("unknown op %q", text)
	}
	return nil
}

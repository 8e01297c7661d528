package router

import "strings"

// DefaultNamespace prefixes every exchange unless configured otherwise.
const DefaultNamespace = "fleet-management"

// Router maps an event type onto the exchange and routing key it is published with.
//
// The exchange is "<namespace>.<prefix>-events" where prefix is the part of the
// event type before the first dot; the routing key is the full event type, so
// consumers can bind with topic patterns such as "telemetry.#".
type Router struct {
	Namespace string
}

func New(namespace string) Router {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Router{Namespace: namespace}
}

// Route never fails. An empty event type yields "<namespace>.-events".
func (r Router) Route(eventType string) (exchange, routingKey string) {
	namespace := r.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	prefix, _, _ := strings.Cut(eventType, ".")
	return namespace + "." + prefix + "-events", eventType
}

// Route uses the default namespace.
func Route(eventType string) (exchange, routingKey string) {
	return Router{}.Route(eventType)
}

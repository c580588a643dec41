package push

import (
	"fmt"

	"github.com/offlinehub/edgeworker/internal/templates"
)

// OrderEvent names a lifecycle transition that produces a customer
// notification.
type OrderEvent string

const (
	OrderPlaced    OrderEvent = "placed"
	OrderConfirmed OrderEvent = "confirmed"
	OrderPacked    OrderEvent = "packed"
	OrderShipped   OrderEvent = "shipped"
	OrderDelivered OrderEvent = "delivered"
	OrderCancelled OrderEvent = "cancelled"
)

type messageSpec struct {
	title string
	body  string
}

var orderMessages = map[OrderEvent]messageSpec{
	OrderPlaced:    {title: "Order Placed Successfully!", body: "Your order {{.OrderNumber}} has been placed successfully."},
	OrderConfirmed: {title: "Order Confirmed", body: "Your order {{.OrderNumber}} has been confirmed."},
	OrderPacked:    {title: "Order Packed", body: "Your order {{.OrderNumber}} has been packed and is ready for shipping."},
	OrderShipped:   {title: "Order Shipped", body: "Your order {{.OrderNumber}} has been shipped."},
	OrderDelivered: {title: "Order Delivered", body: "Your order {{.OrderNumber}} has been delivered."},
	OrderCancelled: {title: "Order Cancelled", body: "Your order {{.OrderNumber}} has been cancelled."},
}

const adminPlacedBody = "New order {{.OrderNumber}} has been placed."

// Messages renders the per-event notification bodies. Templates are compiled
// once at startup so a bad message surfaces before traffic does.
type Messages struct {
	bodies      map[OrderEvent]*templates.Template
	adminPlaced *templates.Template
	defaults    Defaults
}

type orderContext struct {
	OrderNumber string
	OrderID     string
}

// NewMessages compiles the order-event catalog with the given renderer.
func NewMessages(renderer *templates.Renderer, defaults Defaults) (*Messages, error) {
	bodies := make(map[OrderEvent]*templates.Template, len(orderMessages))
	for event, spec := range orderMessages {
		tmpl, err := renderer.CompileInline("order-"+string(event), spec.body)
		if err != nil {
			return nil, err
		}
		bodies[event] = tmpl
	}
	adminPlaced, err := renderer.CompileInline("order-placed-admin", adminPlacedBody)
	if err != nil {
		return nil, err
	}
	return &Messages{bodies: bodies, adminPlaced: adminPlaced, defaults: defaults}, nil
}

// ForEvent builds the customer payload for an order transition.
func (m *Messages) ForEvent(event OrderEvent, orderNumber, orderID string) (Payload, error) {
	spec, ok := orderMessages[event]
	if !ok {
		return Payload{}, fmt.Errorf("push: unknown order event %q", event)
	}
	body, err := m.bodies[event].Render(orderContext{OrderNumber: orderNumber, OrderID: orderID})
	if err != nil {
		return Payload{}, err
	}
	p := Payload{
		Title: spec.title,
		Body:  body,
		Icon:  m.defaults.Icon,
		Badge: m.defaults.Badge,
		Data: map[string]any{
			"order_id": orderID,
			"type":     "order_" + string(event),
		},
	}
	p.Actions = fixedActions()
	return p, nil
}

// ForAdminPlaced builds the payload sent to administrators when a new order
// lands.
func (m *Messages) ForAdminPlaced(orderNumber, orderID string) (Payload, error) {
	body, err := m.adminPlaced.Render(orderContext{OrderNumber: orderNumber, OrderID: orderID})
	if err != nil {
		return Payload{}, err
	}
	p := Payload{
		Title: "New Order Received",
		Body:  body,
		Icon:  m.defaults.Icon,
		Badge: m.defaults.Badge,
		Data: map[string]any{
			"order_id": orderID,
			"type":     "new_order",
		},
	}
	p.Actions = fixedActions()
	return p, nil
}

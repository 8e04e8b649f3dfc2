package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/atmx/hedge-engine/internal/model"
)

// Default NATS subjects.
const (
	DefaultPositionSubject = "hedge.position"
	DefaultAlertSubject    = "hedge.alerts.lost"
)

// NATSPublisher publishes JSON events on NATS subjects.
type NATSPublisher struct {
	conn            *nats.Conn
	positionSubject string
	alertSubject    string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("hedger"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATSPublisherFromConn(conn), nil
}

// NewNATSPublisherFromConn wraps an established connection.
func NewNATSPublisherFromConn(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{
		conn:            conn,
		positionSubject: DefaultPositionSubject,
		alertSubject:    DefaultAlertSubject,
	}
}

func (p *NATSPublisher) PublishPosition(_ context.Context, snap model.PositionSnapshot) error {
	return p.publish(p.positionSubject, snap)
}

func (p *NATSPublisher) PublishAlert(_ context.Context, alert model.LostRecordAlert) error {
	return p.publish(p.alertSubject, alert)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

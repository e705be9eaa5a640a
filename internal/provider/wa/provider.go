// Package wa connects sessions to WhatsApp through whatsmeow. Device
// credentials live in whatsmeow's own tables in the gateway database; the
// session row only remembers which device belongs to which session.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/LeventeLantos/whatsapp-gateway/internal/session"
)

// DeviceStore maps session ids to paired device JIDs.
type DeviceStore interface {
	DeviceJID(ctx context.Context, sessionID string) (string, error)
	SetDeviceJID(ctx context.Context, sessionID, jid string) error
}

type Provider struct {
	container *sqlstore.Container
	devices   DeviceStore
	logLevel  string
}

func New(ctx context.Context, dsn string, devices DeviceStore, logLevel string) (*Provider, error) {
	if devices == nil {
		return nil, errors.New("device store is required")
	}
	container, err := sqlstore.New(ctx, "pgx", dsn, waLog.Stdout("Database", logLevel, true))
	if err != nil {
		return nil, fmt.Errorf("opening whatsmeow store: %w", err)
	}
	return &Provider{container: container, devices: devices, logLevel: logLevel}, nil
}

func (p *Provider) Close() error {
	return p.container.Close()
}

func (p *Provider) Connect(ctx context.Context, sessionID string, emit func(session.Event)) (session.Connection, error) {
	device, err := p.device(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("Client/"+sessionID, p.logLevel, true))
	// The session manager owns reconnects.
	client.EnableAutoReconnect = false

	lifetime, cancel := context.WithCancel(context.Background())
	c := &connection{
		sessionID: sessionID,
		client:    client,
		devices:   p.devices,
		emit:      emit,
		cancel:    cancel,
	}
	client.AddEventHandler(c.handle)

	if client.Store.ID != nil {
		emit(session.Event{Kind: session.EventAuthenticated})
		if err := client.Connect(); err != nil {
			cancel()
			return nil, fmt.Errorf("connecting: %w", err)
		}
		return c, nil
	}

	qr, err := client.GetQRChannel(lifetime)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening qr channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connecting: %w", err)
	}
	go c.watchQR(qr)
	return c, nil
}

// Forget deletes the paired device of a removed session from the
// whatsmeow store and unlinks it from the session row.
func (p *Provider) Forget(ctx context.Context, sessionID string) error {
	raw, err := p.devices.DeviceJID(ctx, sessionID)
	if err != nil || raw == "" {
		return err
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return fmt.Errorf("parsing device jid: %w", err)
	}
	device, err := p.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}
	if device != nil {
		if err := p.container.DeleteDevice(ctx, device); err != nil {
			return fmt.Errorf("deleting device: %w", err)
		}
	}
	return p.devices.SetDeviceJID(ctx, sessionID, "")
}

func (p *Provider) device(ctx context.Context, sessionID string) (*store.Device, error) {
	raw, err := p.devices.DeviceJID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return p.container.NewDevice(), nil
	}

	jid, err := types.ParseJID(raw)
	if err != nil {
		slog.Warn("stored device jid unparsable, pairing again", "session_id", sessionID, "jid", raw, "err", err)
		return p.container.NewDevice(), nil
	}
	device, err := p.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}
	if device == nil {
		return p.container.NewDevice(), nil
	}
	return device, nil
}

type connection struct {
	sessionID string
	client    *whatsmeow.Client
	devices   DeviceStore
	emit      func(session.Event)
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *connection) Send(ctx context.Context, to, text string) (session.SendReceipt, error) {
	jid := types.NewJID(to, types.DefaultUserServer)
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return session.SendReceipt{}, err
	}
	return session.SendReceipt{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.client.Disconnect()
	})
	return nil
}

func (c *connection) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if ev, ok := translateQR(item); ok {
			c.emit(ev)
		}
	}
}

func (c *connection) handle(evt any) {
	if err := c.persist(evt); err != nil {
		slog.Error("persisting device change failed", "session_id", c.sessionID, "err", err)
	}
	if ev, ok := translate(evt); ok {
		c.emit(ev)
	}
}

func (c *connection) persist(evt any) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch e := evt.(type) {
	case *events.PairSuccess:
		return c.devices.SetDeviceJID(ctx, c.sessionID, e.ID.String())
	case *events.LoggedOut:
		return c.devices.SetDeviceJID(ctx, c.sessionID, "")
	}
	return nil
}

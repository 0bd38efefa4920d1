// Package whatsapp wraps whatsmeow for msibot: device session storage,
// login, outbound text messages, and translation of incoming whatsmeow
// events into the models the collection flow consumes.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/pepeccz/msi-a-sub002/internal/models"
	"github.com/pepeccz/msi-a-sub002/internal/store"
)

const (
	// DefaultSQLitePath is where the whatsmeow session database lands when
	// no DSN is configured.
	DefaultSQLitePath = "/var/lib/msibot/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppSender sends WhatsApp messages. Satisfied by Client in production
// and MockClient in tests.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds session database and login configuration.
type Opts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write the login QR code
	NumericCode bool   // print a numeric pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the given path instead of
// stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints a numeric pairing code instead of rendering a QR
// code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client is a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the session store, logs in if the device has no stored
// credentials, and connects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
		slog.Debug("whatsapp.NewClient: no session DSN configured, using default SQLite path", "path", dsn)
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driverFor(dsn), dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if err := connect(waClient, cfg); err != nil {
		return nil, err
	}

	slog.Info("whatsapp.NewClient: client connected")
	return &Client{waClient: waClient}, nil
}

// driverFor picks the session store driver from the DSN and warns when a
// SQLite DSN lacks the foreign-keys pragma whatsmeow expects.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	if missingForeignKeys(dsn) {
		slog.Warn("whatsapp.driverFor: SQLite session DSN has no foreign-keys pragma; whatsmeow recommends enabling it",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}
	return "sqlite3"
}

// missingForeignKeys reports whether a SQLite DSN lacks a foreign-keys
// pragma.
func missingForeignKeys(dsn string) bool {
	return !strings.Contains(dsn, "foreign_keys")
}

// connect establishes the session, running the QR or numeric pairing flow
// first when the device has no stored credentials.
func connect(waClient *whatsmeow.Client, cfg Opts) error {
	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		return nil
	}

	slog.Info("whatsapp.connect: login required, starting pairing flow")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}

	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Debug("whatsapp.connect: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(out, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

// SendMessage sends a plain text message to the given phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("whatsapp.SendMessage: message sent", "to", to)
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// ParseMessageEvent converts an incoming whatsmeow message event into a
// models.Response. Plain and extended text become the body; image and
// document messages become attachments with any caption as the body. ok is
// false for message types the collection flow cannot use.
func ParseMessageEvent(evt *events.Message) (models.Response, bool) {
	if evt == nil || evt.Message == nil {
		return models.Response{}, false
	}

	var body string
	var attachments []models.Attachment
	switch {
	case evt.Message.Conversation != nil:
		body = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		body = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.ImageMessage != nil:
		img := evt.Message.ImageMessage
		attachments = append(attachments, models.Attachment{
			ID:         evt.Info.ID,
			MimeType:   img.GetMimetype(),
			ReceivedAt: evt.Info.Timestamp,
		})
		body = img.GetCaption()
	case evt.Message.DocumentMessage != nil:
		doc := evt.Message.DocumentMessage
		attachments = append(attachments, models.Attachment{
			ID:         evt.Info.ID,
			MimeType:   doc.GetMimetype(),
			ReceivedAt: evt.Info.Timestamp,
		})
		body = doc.GetCaption()
	default:
		return models.Response{}, false
	}

	return models.Response{
		From:        e164(evt.Info.Sender),
		Body:        body,
		Time:        evt.Info.Timestamp.Unix(),
		Attachments: attachments,
	}, true
}

// ParseReceiptEvent converts a delivery or read receipt into a
// models.Receipt. Self-read and unknown receipt types are dropped.
func ParseReceiptEvent(evt *events.Receipt) (models.Receipt, bool) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return models.Receipt{}, false
	}

	return models.Receipt{
		To:     e164(evt.MessageSource.Sender),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	}, true
}

// e164 renders a JID user part as an E.164-style number.
func e164(jid types.JID) string {
	if strings.HasPrefix(jid.User, "+") {
		return jid.User
	}
	return "+" + jid.User
}

// MockClient is a no-op WhatsAppSender for tests that must not open a real
// WhatsApp session.
type MockClient struct{}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return nil
}

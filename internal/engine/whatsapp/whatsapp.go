// Package whatsapp binds the engine contract to whatsmeow with a SQLite device
// store kept inside the session directory.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/engine"
)

// DefaultDatabaseName is the device store file inside the session directory.
const DefaultDatabaseName = "session.db"

// Options configures the whatsmeow engine.
type Options struct {
	Logger       pslog.Logger
	DatabaseName string
	// DeviceName is shown under Linked devices on the phone.
	DeviceName string
}

// Engine opens whatsmeow clients.
type Engine struct {
	logger pslog.Logger
	dbName string
}

// New returns an Engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.DatabaseName == "" {
		opts.DatabaseName = DefaultDatabaseName
	}
	if opts.DeviceName != "" {
		store.SetOSInfo(opts.DeviceName, [3]uint32{1, 0, 0})
	}
	return &Engine{logger: opts.Logger, dbName: opts.DatabaseName}
}

// Open loads (or creates) the device in dir, connects and forwards events to
// sink. Unpaired devices emit pairing codes from the QR channel.
func (e *Engine) Open(ctx context.Context, dir string, sink engine.Sink) (engine.Socket, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("whatsapp: create session dir: %w", err)
	}
	db, err := sql.Open("sqlite", dsn(filepath.Join(dir, e.dbName)))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open device store: %w", err)
	}
	db.SetMaxOpenConns(1)

	waLogger := newLogger(e.logger, "whatsmeow")
	container := sqlstore.NewWithDB(db, "sqlite", waLogger.Sub("store"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("whatsapp: upgrade device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("whatsapp: load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLogger.Sub("client"))
	client.EnableAutoReconnect = false

	sockCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sock := &socket{
		client: client,
		db:     db,
		sink:   sink,
		cancel: cancel,
		logger: e.logger,
	}
	client.AddEventHandler(sock.handle)

	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(sockCtx)
		if err != nil {
			sock.shutdown()
			return nil, fmt.Errorf("whatsapp: qr channel: %w", err)
		}
		sock.wg.Add(1)
		go sock.pump(qr)
	} else {
		e.logger.Info("whatsapp.device.restored", "jid", client.Store.ID.String())
	}

	sock.deliver(engine.ConnectionUpdate{Status: engine.StatusConnecting})
	if err := client.Connect(); err != nil {
		sock.shutdown()
		return nil, fmt.Errorf("whatsapp: connect: %w", err)
	}
	return sock, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	return "file:" + path + "?" + q.Encode()
}

type socket struct {
	client *whatsmeow.Client
	db     *sql.DB
	sink   engine.Sink
	cancel context.CancelFunc
	logger pslog.Logger

	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once
}

func (s *socket) deliver(ev engine.Event) {
	if s.closed.Load() {
		return
	}
	s.sink.Deliver(ev)
}

func (s *socket) pump(qr <-chan whatsmeow.QRChannelItem) {
	defer s.wg.Done()
	for item := range qr {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.deliver(engine.ConnectionUpdate{Status: engine.StatusConnecting, PairingCode: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			s.logger.Info("whatsapp.pairing.success")
		case whatsmeow.QRChannelTimeout.Event:
			s.deliver(engine.ConnectionUpdate{
				Status: engine.StatusClose,
				Reason: &engine.CloseReason{Code: engine.CodeTimedOut, Message: "pairing code expired"},
			})
		default:
			s.logger.Warn("whatsapp.pairing.event", "event", item.Event, "error", item.Error)
		}
	}
}

func (s *socket) handle(evt any) {
	if ev, ok := translate(evt); ok {
		s.deliver(ev)
	}
}

// Send implements engine.Socket.
func (s *socket) Send(ctx context.Context, recipient, body string) (string, error) {
	if s.closed.Load() || !s.client.IsConnected() {
		return "", errors.New("whatsapp: not connected")
	}
	jid, err := types.ParseJID(recipient)
	if err != nil {
		return "", fmt.Errorf("whatsapp: recipient %q: %w", recipient, err)
	}
	resp, err := s.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// PersistCredentials folds the WAL into the main database file so the
// session directory holds a consistent copy for upload.
func (s *socket) PersistCredentials(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("whatsapp: checkpoint: %w", err)
	}
	return nil
}

// Close disconnects without logging out.
func (s *socket) Close() error {
	return s.shutdown()
}

func (s *socket) shutdown() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.client.Disconnect()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

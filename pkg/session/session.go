// Package session keeps the linked-device credentials in a SQLite database
// through whatsmeow's sqlstore.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// DSN returns the sqlite3 data source for a session file.
func DSN(path string) string {
	return "file:" + path + "?_foreign_keys=on"
}

var platforms = map[string]waCompanionReg.DeviceProps_PlatformType{
	"chrome":  waCompanionReg.DeviceProps_CHROME,
	"firefox": waCompanionReg.DeviceProps_FIREFOX,
	"safari":  waCompanionReg.DeviceProps_SAFARI,
	"edge":    waCompanionReg.DeviceProps_EDGE,
	"desktop": waCompanionReg.DeviceProps_DESKTOP,
}

// PlatformType maps a configured platform name to the value shown in the
// phone's linked devices list. Unknown names map to Chrome.
func PlatformType(name string) waCompanionReg.DeviceProps_PlatformType {
	if p, ok := platforms[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return waCompanionReg.DeviceProps_CHROME
}

// ApplyDeviceProps sets the identity sent when linking a new device. It must
// run before the first pairing.
func ApplyDeviceProps(platform, osName string) {
	store.DeviceProps.PlatformType = PlatformType(platform).Enum()
	if osName != "" {
		store.DeviceProps.Os = proto.String(osName)
	}
	store.DeviceProps.RequireFullSync = proto.Bool(false)
}

type Store struct {
	path      string
	container *sqlstore.Container
	device    *store.Device
}

// Open opens or creates the session database at path and loads the first
// device in it. A fresh database yields an unlinked device.
func Open(ctx context.Context, path string, log waLog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3", DSN(path), log)
	if err != nil {
		return nil, fmt.Errorf("opening session store %s: %w", path, err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("loading device: %w", err)
	}
	return &Store{path: path, container: container, device: device}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Device() *store.Device { return s.device }

// Linked reports whether the device has completed pairing.
func (s *Store) Linked() bool {
	return s.device != nil && s.device.ID != nil
}

// ID returns the linked account, without the device part.
func (s *Store) ID() (types.JID, bool) {
	if !s.Linked() {
		return types.EmptyJID, false
	}
	return s.device.ID.ToNonAD(), true
}

// Persist writes the current credentials.
func (s *Store) Persist(ctx context.Context) error {
	if !s.Linked() {
		return nil
	}
	return s.device.Save(ctx)
}

// Clear deletes the stored credentials so the next start shows a QR code.
func (s *Store) Clear(ctx context.Context) error {
	if !s.Linked() {
		return nil
	}
	if err := s.device.Delete(ctx); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.container == nil {
		return nil
	}
	return s.container.Close()
}

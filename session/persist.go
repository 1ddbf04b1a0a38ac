package session

import (
	"errors"
	"fmt"
	"os"

	ini "gopkg.in/ini.v1"
)

const persistSection = "session"

// Persisted is the part of the session that survives restarts.
type Persisted struct {
	LoggedIn bool
	Trunk    TrunkConfig
}

// Persister loads and stores the persisted session.
type Persister interface {
	Load() (Persisted, error)
	Save(p Persisted) error
	Clear() error
}

// FilePersister keeps the session in an ini file.
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister backed by the ini file at path.
// The file does not need to exist yet.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the backing file path.
func (f *FilePersister) Path() string { return f.path }

// Load reads the persisted session. A missing file yields defaults.
func (f *FilePersister) Load() (Persisted, error) {
	p := Persisted{Trunk: DefaultTrunkConfig()}
	cfg, err := ini.LooseLoad(f.path)
	if err != nil {
		return p, fmt.Errorf("load %s: %w", f.path, err)
	}
	sec := cfg.Section(persistSection)
	p.Trunk.Username = sec.Key("username").String()
	p.Trunk.ServerIP = sec.Key("server_ip").String()
	p.Trunk.ServerPort = sec.Key("server_port").MustInt(DefaultPort)
	p.Trunk.LocalPort = sec.Key("local_port").MustInt(DefaultPort)
	p.LoggedIn = sec.Key("is_logged_in").MustBool(false)
	return p, nil
}

// Save replaces the file content with p.
func (f *FilePersister) Save(p Persisted) error {
	cfg := ini.Empty()
	sec, err := cfg.NewSection(persistSection)
	if err != nil {
		return err
	}
	sec.Key("username").SetValue(p.Trunk.Username)
	sec.Key("server_ip").SetValue(p.Trunk.ServerIP)
	sec.Key("server_port").SetValue(fmt.Sprint(p.Trunk.ServerPort))
	sec.Key("local_port").SetValue(fmt.Sprint(p.Trunk.LocalPort))
	sec.Key("is_logged_in").SetValue(fmt.Sprint(p.LoggedIn))
	if err := cfg.SaveTo(f.path); err != nil {
		return fmt.Errorf("save %s: %w", f.path, err)
	}
	return nil
}

// Clear removes every persisted key.
func (f *FilePersister) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear %s: %w", f.path, err)
	}
	return nil
}

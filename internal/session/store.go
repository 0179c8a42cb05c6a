package session

import (
	"pkt.systems/mcpize/internal/persist"
	"pkt.systems/pslog"
)

// Session is the persisted credential pair. Both tokens are always written in
// the same save.
type Session struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Store persists the session file shared by every mcpize process on the machine.
type Store struct {
	file *persist.File
}

// NewStore opens the session file at path.
func NewStore(path string) (*Store, error) {
	return NewStoreWithLogger(path, nil)
}

// NewStoreWithLogger opens the session file at path with logging.
func NewStoreWithLogger(path string, logger pslog.Logger) (*Store, error) {
	file, err := persist.NewFileWithLogger(path, logger)
	if err != nil {
		return nil, err
	}
	return &Store{file: file}, nil
}

// Path returns the session file location.
func (s *Store) Path() string {
	return s.file.Path()
}

// Load reads the session. It reports false when no session has been saved.
func (s *Store) Load() (Session, bool, error) {
	var sess Session
	ok, err := s.file.Load(&sess)
	if err != nil || !ok {
		return Session{}, false, err
	}
	return sess, true, nil
}

// Save atomically replaces the session file.
func (s *Store) Save(sess Session) error {
	return s.file.Save(sess)
}

// Clear removes the session file.
func (s *Store) Clear() error {
	return s.file.Remove()
}

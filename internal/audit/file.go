package audit

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// FileStore appends error records to a JSON-lines file. Other records are
// ignored.
type FileStore struct {
	f      *os.File
	logger zerolog.Logger
}

func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileStore{f: f, logger: zerolog.New(f).With().Timestamp().Logger()}, nil
}

func (s *FileStore) Write(_ context.Context, rec Record) error {
	e, ok := rec.(Error)
	if !ok {
		return nil
	}
	s.logger.Error().
		Str("socket_id", e.SocketID).
		Str("room_id", e.RoomID).
		Str("component", e.Component).
		Str("code", e.Code).
		Fields(e.Context).
		Msg(e.Message)
	return nil
}

func (s *FileStore) Close() error { return s.f.Close() }

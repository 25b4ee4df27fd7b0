package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

var ErrSessionLocked = errors.New("another session controls this GPU")

// LockHolder is written next to the lock so that a refused session can name
// the one holding the GPU.
type LockHolder struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Started   time.Time `json:"started"`
}

type SessionLock struct {
	flock *flock.Flock
	file  string
}

// NewSessionLock prepares the lock of one GPU under dir. The directory is
// shared by every user of the machine.
func NewSessionLock(dir string, gpu int) (*SessionLock, error) {
	_, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err = os.MkdirAll(dir, 0777); err != nil {
			return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
		}
		if err = os.Chmod(dir, 0777|os.ModeSticky); err != nil {
			log.Warnf("Error changing lock directory permissions: %v", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("error checking lock directory: %w", err)
	}

	file := filepath.Join(dir, fmt.Sprintf("gpu%d.json", gpu))
	return &SessionLock{
		flock: flock.New(file + ".lock"),
		file:  file,
	}, nil
}

// Acquire never blocks. When the GPU is taken the returned error wraps
// ErrSessionLocked and describes the holder if it is known.
func (l *SessionLock) Acquire(holder LockHolder) error {
	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", l.flock.Path(), err)
	}
	if !locked {
		if other, err := l.Holder(); err == nil {
			return fmt.Errorf("%w: session %s, pid %d, since %s", ErrSessionLocked,
				other.SessionID, other.PID, other.Started.Format(time.DateTime))
		}
		return ErrSessionLocked
	}

	file, err := os.Create(l.file)
	if err != nil {
		l.flock.Unlock()
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err = encoder.Encode(holder); err != nil {
		l.flock.Unlock()
		return err
	}
	return nil
}

func (l *SessionLock) Holder() (LockHolder, error) {
	var holder LockHolder
	file, err := os.Open(l.file)
	if err != nil {
		return holder, err
	}
	defer file.Close()

	err = json.NewDecoder(file).Decode(&holder)
	return holder, err
}

func (l *SessionLock) Release() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := os.Remove(l.file); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove lock holder file: %v", err)
	}
	return l.flock.Unlock()
}

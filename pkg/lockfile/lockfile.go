// Package lockfile serializes sync invocations that share an upload log.
//
// The lock is a JSON owner record stored next to the guarded file as
// "<file>.lock". The holder refreshes the record's heartbeat while it works;
// a record whose heartbeat is older than the stale timeout belongs to a dead
// process and may be taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-runsync/pkg/metafile"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/util"
)

// LockSuffix is appended to the guarded file's path to form the lock path.
const LockSuffix = ".lock"

const takeoverSuffix = ".takeover"

// Owner is the record stored in a lock file.
type Owner struct {
	Holder    string    `json:"holder"`
	PID       int64     `json:"pid"`
	Hostname  string    `json:"hostname"`
	Heartbeat time.Time `json:"heartbeat"`
	Token     string    `json:"token,omitempty"`
}

func (o Owner) age() time.Duration { return time.Since(o.Heartbeat) }

// ErrHeld is returned by Acquire while another live process owns the lock.
type ErrHeld struct {
	Owner Owner
	Age   time.Duration
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("lock is held by %s (pid %d on %s), heartbeat %s ago",
		e.Owner.Holder, e.Owner.PID, e.Owner.Hostname, e.Age.Truncate(time.Second))
}

var (
	// ErrLostRace means another process replaced the same stale lock first.
	ErrLostRace = errors.New("lost race during stale lock takeover")
	// ErrCorruptLockFile means the lock file stayed empty or unparsable.
	ErrCorruptLockFile = errors.New("lock file is corrupt or empty")
)

// Overridden by tests.
var (
	heartbeatInterval = time.Minute
	staleTimeout      = 3 * heartbeatInterval
	retryPause        = 100 * time.Millisecond
	readPause         = 50 * time.Millisecond
	guardPause        = 10 * time.Millisecond
)

const acquireAttempts = 3

// Lock is an acquired lock. Release it when the guarded work is done.
type Lock struct {
	path string
	stop context.CancelFunc

	mu    sync.Mutex
	owner Owner
	held  bool
}

// PathFor returns the lock path guarding target.
func PathFor(target string) string {
	return target + LockSuffix
}

// Acquire takes the lock guarding target on behalf of holder. ctx bounds the
// acquisition only; the heartbeat runs until Release. A live owner yields
// *ErrHeld.
func Acquire(ctx context.Context, target, holder string) (*Lock, error) {
	path := PathFor(target)

	for range acquireAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		owner, err := create(path, holder)
		if err == nil {
			return start(path, owner), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock %s: %w", path, err)
		}

		current, err := readOwner(path)
		switch {
		case err == nil && current.age() < staleTimeout:
			return nil, &ErrHeld{Owner: current, Age: current.age()}
		case err == nil:
			plog.Warn("Taking over stale lock", "path", path, "holder", current.Holder, "pid", current.PID, "age", current.age())
		case errors.Is(err, ErrCorruptLockFile):
			plog.Warn("Taking over corrupt lock", "path", path, "error", err)
			current = Owner{}
		case os.IsNotExist(err):
			// Released between create and read.
			continue
		default:
			time.Sleep(retryPause)
			continue
		}

		owner, err = takeOver(ctx, path, holder, current)
		if err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lost lock takeover race, retrying", "path", path)
			} else {
				plog.Warn("Lock takeover failed, retrying", "path", path, "error", err)
			}
			time.Sleep(retryPause)
			continue
		}
		return start(path, owner), nil
	}
	return nil, fmt.Errorf("failed to acquire %s after %d attempts", path, acquireAttempts)
}

func newOwner(holder string) (Owner, error) {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return Owner{}, fmt.Errorf("failed to generate lock token: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return Owner{}, err
	}
	return Owner{
		Holder:    holder,
		PID:       int64(os.Getpid()),
		Hostname:  hostname,
		Heartbeat: time.Now().UTC(),
		Token:     hex.EncodeToString(token),
	}, nil
}

// create writes a fresh owner record with O_EXCL so only one creator wins.
func create(path, holder string) (Owner, error) {
	owner, err := newOwner(holder)
	if err != nil {
		return Owner{}, err
	}
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		return Owner{}, fmt.Errorf("failed to marshal lock owner: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return Owner{}, err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(path)
		return Owner{}, fmt.Errorf("failed to write lock %s: %w", path, err)
	}
	return owner, nil
}

// takeOver replaces the stale record observed by Acquire. It runs under an
// OS lock on "<lock>.takeover" and re-reads the record there: only a record
// that still carries the observed token (or is still unreadable) is removed,
// and the replacement is created with O_EXCL. Of several processes that saw
// the same stale owner, exactly one wins.
func takeOver(ctx context.Context, path, holder string, stale Owner) (Owner, error) {
	release, err := lockGuard(ctx, path+takeoverSuffix)
	if err != nil {
		return Owner{}, err
	}
	defer release()

	current, err := readOwner(path)
	switch {
	case os.IsNotExist(err):
	case errors.Is(err, ErrCorruptLockFile):
		if stale.Token != "" {
			return Owner{}, ErrLostRace
		}
	case err != nil:
		return Owner{}, err
	case current.Token != stale.Token || current.age() < staleTimeout:
		return Owner{}, ErrLostRace
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Owner{}, fmt.Errorf("failed to remove stale lock %s: %w", path, err)
	}
	owner, err := create(path, holder)
	if os.IsExist(err) {
		return Owner{}, ErrLostRace
	}
	if err != nil {
		return Owner{}, err
	}
	plog.Debug("Took over stale lock", "path", path)
	return owner, nil
}

// lockGuard holds an exclusive OS lock on guardPath until the returned
// function is called. The guard file is left in place: removing it would let
// a waiter lock an unlinked inode.
func lockGuard(ctx context.Context, guardPath string) (func(), error) {
	f, err := os.OpenFile(guardPath, os.O_CREATE|os.O_RDWR, util.UserWritableFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to open takeover guard %s: %w", guardPath, err)
	}
	for {
		ok, err := tryLockGuard(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to lock takeover guard %s: %w", guardPath, err)
		}
		if ok {
			return func() {
				if err := unlockGuard(f); err != nil {
					plog.Warn("Failed to unlock takeover guard", "path", guardPath, "error", err)
				}
				f.Close()
			}, nil
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(guardPause):
		}
	}
}

func start(path string, owner Owner) *Lock {
	removeStaleTemps(path)
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lock{path: path, stop: cancel, owner: owner, held: true}
	go l.heartbeat(ctx)
	return l
}

// Path returns the lock file's path.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file. Safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	l.stop()

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			if !l.held {
				l.mu.Unlock()
				return
			}
			l.owner.Heartbeat = time.Now().UTC()
			owner := l.owner
			l.mu.Unlock()
			if current, err := readOwner(l.path); err == nil && current.Token != owner.Token {
				plog.Warn("Lock was taken over by another process", "path", l.path, "holder", current.Holder, "pid", current.PID)
				return
			}
			// A failed beat is retried on the next tick.
			if err := metafile.Write(l.path, owner); err != nil {
				plog.Warn("Failed to refresh lock heartbeat", "path", l.path, "error", err)
			}
		}
	}
}

// readOwner retries reads that catch a creator between open and write.
func readOwner(path string) (Owner, error) {
	var ioErr, parseErr error
	for range 3 {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			return Owner{}, err
		case err != nil:
			ioErr = err
		case len(data) == 0:
			parseErr = errors.New("lock file is empty")
		default:
			var owner Owner
			if parseErr = json.Unmarshal(data, &owner); parseErr == nil {
				return owner, nil
			}
		}
		time.Sleep(readPause)
	}
	if parseErr != nil {
		return Owner{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, parseErr)
	}
	return Owner{}, fmt.Errorf("failed to read lock %s: %w", path, ioErr)
}

// removeStaleTemps deletes metafile temp files a crashed heartbeat left next
// to the lock. Recent ones may belong to a live writer and are kept.
func removeStaleTemps(path string) {
	pattern := filepath.Join(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleTimeout)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover lock temp file", "path", m, "error", err)
		}
	}
}

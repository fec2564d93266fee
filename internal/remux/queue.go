package remux

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ottrelay/ott-relay/internal/drm"
)

// ErrNotReady indicates no finished artifact exists for the item yet.
type ErrNotReady struct{ ItemID string }

func (e ErrNotReady) Error() string { return "remux not ready: " + e.ItemID }

const jobTimeout = 30 * time.Minute

// Queue remuxes resolved streams into local MP4 artifacts in the background.
// Enqueue is fire and forget; resolution never waits on a remux. Content keys
// are handed to the external tool per job and never written to disk.
type Queue struct {
	dir     string
	command string // external remux binary, e.g. ffmpeg or N_m3u8DL-RE wrapper

	mu       sync.Mutex
	inFlight map[string]struct{}
	jobs     chan job
	done     chan struct{}
}

type job struct {
	itemID      string
	manifestURL string
	headers     map[string]string
	keys        []drm.ContentKey
}

// NewQueue starts a single worker draining the job channel. A queue with an
// empty command accepts Enqueue calls but drops them, so callers need no
// enabled/disabled branching.
func NewQueue(dir, command string) *Queue {
	q := &Queue{
		dir:      dir,
		command:  command,
		inFlight: map[string]struct{}{},
		jobs:     make(chan job, 16),
		done:     make(chan struct{}),
	}
	go q.worker()
	return q
}

// Enqueue schedules a remux for itemID. Duplicate enqueues while a job is
// queued or running are dropped, as are enqueues when the queue is full; the
// next resolution will enqueue again.
func (q *Queue) Enqueue(itemID, manifestURL string, headers map[string]string, keys []drm.ContentKey) {
	if q.command == "" || manifestURL == "" {
		return
	}
	if _, err := os.Stat(q.artifactPath(itemID)); err == nil {
		return
	}
	q.mu.Lock()
	if _, busy := q.inFlight[itemID]; busy {
		q.mu.Unlock()
		return
	}
	q.inFlight[itemID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- job{itemID: itemID, manifestURL: manifestURL, headers: headers, keys: keys}:
	default:
		q.mu.Lock()
		delete(q.inFlight, itemID)
		q.mu.Unlock()
		log.Printf("remux: queue full, dropping item=%s", itemID)
	}
}

// Lookup returns the finished artifact path for itemID, or ErrNotReady.
func (q *Queue) Lookup(itemID string) (string, error) {
	p := q.artifactPath(itemID)
	if fi, err := os.Stat(p); err == nil && fi.Size() > 0 {
		return p, nil
	}
	return "", ErrNotReady{ItemID: itemID}
}

// Close stops the worker after the current job finishes.
func (q *Queue) Close() {
	close(q.jobs)
	<-q.done
}

func (q *Queue) worker() {
	defer close(q.done)
	for j := range q.jobs {
		if err := q.run(j); err != nil {
			log.Printf("remux: item=%s err=%v", j.itemID, err)
		} else {
			log.Printf("remux: item=%s artifact ready", j.itemID)
		}
		q.mu.Lock()
		delete(q.inFlight, j.itemID)
		q.mu.Unlock()
	}
}

// run invokes the external tool writing to a partial path, then renames so
// Lookup never sees a half-written artifact.
func (q *Queue) run(j job) error {
	if err := os.MkdirAll(q.dir, 0755); err != nil {
		return err
	}
	final := q.artifactPath(j.itemID)
	partial := final + ".partial"
	defer os.Remove(partial)

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	args := []string{"-y"}
	for name, v := range j.headers {
		args = append(args, "-headers", name+": "+v)
	}
	args = append(args, "-i", j.manifestURL)
	for _, k := range j.keys {
		args = append(args, "-decryption_key", k.HexPair())
	}
	args = append(args,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		"-f", "mp4",
		partial,
	)
	cmd := exec.CommandContext(ctx, q.command, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w (%s)", q.command, err, tail(stderr.String(), 200))
	}
	return os.Rename(partial, final)
}

func (q *Queue) artifactPath(itemID string) string {
	return filepath.Join(q.dir, sanitize(itemID)+".mp4")
}

// sanitize keeps item IDs filesystem-safe. IDs are provider:channel pairs,
// so the colon is the common offender.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

package recovery

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"blobring/ring"
)

// scratchPrefixes name the files a coordinator may leave under the
// tmp directory. Anything carrying one of them is safe to delete at
// startup.
var scratchPrefixes = []string{"iterator_", "diff_", "merge_"}

// Config carries the parsed CLI options of a recovery run.
type Config struct {
	Remote      string // bootstrap node, host:port:family
	Groups      []int
	BatchSize   int
	Workers     int
	MinTimeSpec string
	TmpDir      string
	LockFile    string
	LogPath     string
	LogLevel    int
	DryRun      bool
	Safe        bool
	StatsFormat string
	MonitorPort int
	WaitTimeout time.Duration
	Debug       bool
	PauseAtExit bool
}

// Context is the shared state of one recovery invocation: validated
// configuration, the scratch directory, the advisory lock, the
// monitor, and the node clients. It is created per CLI invocation
// and torn down on exit.
type Context struct {
	Type    string
	Cfg     Config
	Remote  ring.Addr
	MinTime uint64
	Dir     string
	Monitor *Monitor

	dial    Dialer
	mu      sync.Mutex
	clients map[string]Client

	flocker  flock.Locker
	lockPath string
	logFile  *os.File
	closed   bool
}

// NewContext validates cfg and prepares the run: it resolves the
// tmp directory (substituting the %TYPE% literal), sweeps stale
// scratch files, and takes the advisory lock. Failures here are
// fatal - nothing has been mutated yet.
func NewContext(typ string, cfg Config) (*Context, error) {
	if cfg.Remote == "" {
		return nil, errors.New("bootstrap node (-r) is required")
	}
	remote, err := ring.ParseAddr(cfg.Remote)
	if err != nil {
		return nil, err
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = time.Minute
	}
	if cfg.StatsFormat == "" {
		cfg.StatsFormat = "text"
	}

	minTime, err := ParseMinTime(cfg.MinTimeSpec, time.Now())
	if err != nil {
		return nil, err
	}

	dir := cfg.TmpDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "blobring_recovery_%TYPE%")
	}
	dir = strings.ReplaceAll(dir, "%TYPE%", typ)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating tmp dir %s", dir)
	}

	c := &Context{
		Type:    typ,
		Cfg:     cfg,
		Remote:  remote,
		MinTime: minTime,
		Dir:     dir,
		Monitor: NewMonitor(typ),
		dial:    DialHTTP(cfg.WaitTimeout),
		clients: make(map[string]Client),
	}

	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "opening log file %s", cfg.LogPath)
		}
		c.logFile = f
		log.SetOutput(f)
	}

	if err := c.sweepScratch(); err != nil {
		c.closeLog()
		return nil, err
	}

	lockName := cfg.LockFile
	if lockName == "" {
		lockName = "recovery.lock"
	}
	if !filepath.IsAbs(lockName) {
		lockName = filepath.Join(dir, lockName)
	}
	c.lockPath = lockName
	if err := c.lock(); err != nil {
		c.closeLog()
		return nil, err
	}

	if cfg.MonitorPort > 0 {
		c.Monitor.Serve(cfg.MonitorPort)
	}
	return c, nil
}

// sweepScratch removes files left behind by a previous run.
func (c *Context) sweepScratch() error {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return errors.Wrapf(err, "reading tmp dir %s", c.Dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, prefix := range scratchPrefixes {
			if strings.HasPrefix(e.Name(), prefix) {
				if err := os.Remove(filepath.Join(c.Dir, e.Name())); err != nil {
					return errors.Wrapf(err, "removing stale scratch file %s", e.Name())
				}
				c.Debugf("removed stale scratch file %s", e.Name())
				break
			}
		}
	}
	return nil
}

// lock takes the advisory lock, failing fast on contention rather
// than queueing behind another invocation.
func (c *Context) lock() error {
	done := make(chan error, 1)
	go func() {
		done <- c.flocker.Lock(c.lockPath)
	}()
	select {
	case err := <-done:
		return errors.Wrapf(err, "locking %s", c.lockPath)
	case <-time.After(3 * time.Second):
		return errors.Errorf("lock %s is held by another invocation", c.lockPath)
	}
}

// Client returns a (cached) client for addr.
func (c *Context) Client(addr string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[addr]; ok {
		return cl
	}
	cl := c.dial(addr)
	c.clients[addr] = cl
	return cl
}

// SetDialer overrides how node clients are produced. Used by tests
// and by embedders that bring their own transport.
func (c *Context) SetDialer(d Dialer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dial = d
	c.clients = make(map[string]Client)
}

// ScratchPath names a scratch file under the run's tmp directory.
// node may be an address; colons are not filename-friendly.
func (c *Context) ScratchPath(prefix, node string, unit int) string {
	node = strings.NewReplacer(":", "_", "/", "_").Replace(node)
	return filepath.Join(c.Dir, fmt.Sprintf("%s%s_%d", prefix, node, unit))
}

// Debugf logs when debug output is enabled.
func (c *Context) Debugf(format string, args ...interface{}) {
	if c.Cfg.Debug || c.Cfg.LogLevel > 3 {
		log.Printf(format, args...)
	}
}

func (c *Context) closeLog() {
	if c.logFile != nil {
		log.SetOutput(os.Stderr)
		c.logFile.Close()
		c.logFile = nil
	}
}

// Close writes the stats snapshot, releases the lock, and - when
// configured - pauses for user input before returning. Closing an
// already-closed context is a no-op.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.Cfg.StatsFormat != "none" {
		if err := c.Monitor.WriteFile(c.Dir); err != nil {
			log.Printf("recovery: writing stats: %s", err)
		} else {
			fmt.Print(c.Monitor.Snapshot())
		}
	}
	c.Monitor.Close()

	err := c.flocker.Unlock(c.lockPath)

	if c.Cfg.PauseAtExit {
		fmt.Print("press enter to exit: ")
		bufio.NewReader(os.Stdin).ReadString('\n')
	}

	c.closeLog()
	return errors.Wrapf(err, "unlocking %s", c.lockPath)
}

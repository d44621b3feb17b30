package backend

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/KauaneAlmeida/projet-backendd/internal/connection"
	"github.com/KauaneAlmeida/projet-backendd/internal/msgqueue"
	"github.com/KauaneAlmeida/projet-backendd/internal/notify"
	"github.com/KauaneAlmeida/projet-backendd/internal/retry"
	"github.com/KauaneAlmeida/projet-backendd/internal/sessionlock"
	"github.com/KauaneAlmeida/projet-backendd/internal/sessionstore"
)

const (
	// DefaultListen is the HTTP endpoint the service binds to.
	DefaultListen = ":8000"
	// DefaultSessionPrefix is the object prefix holding session files and the lock.
	DefaultSessionPrefix = sessionstore.DefaultPrefix
	// DefaultSessionDir is the local working copy of the session.
	DefaultSessionDir = "whatsapp-session"
	// DefaultPhoneNumber is reported by /health when no number is configured.
	DefaultPhoneNumber = "not-configured"
	// DefaultAllowedOrigin is the CORS origin sent with every response.
	DefaultAllowedOrigin = "*"
	// DefaultServiceName names the service in telemetry and the root endpoint.
	DefaultServiceName = "wabridge"
	// DefaultDeviceName is shown under Linked devices on the phone.
	DefaultDeviceName = "wabridge"

	// DefaultLockTTL bounds how long an abandoned session lock blocks others.
	DefaultLockTTL = sessionlock.DefaultTTL
	// DefaultLockKeepalive is how often the held lock is rewritten.
	DefaultLockKeepalive = DefaultLockTTL / 3

	// DefaultQRDebounce suppresses pairing codes arriving faster than this.
	DefaultQRDebounce = connection.DefaultQRDebounce
	// DefaultReconnectDelay is the pause before every reconnect attempt.
	DefaultReconnectDelay = connection.DefaultReconnectDelay
	// DefaultReconnectMaxDelay caps the exponential reconnect backoff.
	DefaultReconnectMaxDelay = 2 * time.Minute

	// DefaultQueueSize bounds the outbound queue.
	DefaultQueueSize = msgqueue.DefaultMaxSize
	// DefaultQueueMaxAttempts is the per-message attempt budget.
	DefaultQueueMaxAttempts = msgqueue.DefaultMaxAttempts
	// DefaultQueueRetryDelay is the pause after a failed send.
	DefaultQueueRetryDelay = msgqueue.DefaultRetryDelay
	// DefaultQueueItemDelay is the pause between consecutive sends.
	DefaultQueueItemDelay = msgqueue.DefaultItemDelay

	// DefaultRetryAttempts bounds remote storage and notifier retries.
	DefaultRetryAttempts = retry.DefaultMaxAttempts
	// DefaultRetryBaseDelay is the first retry delay.
	DefaultRetryBaseDelay = retry.DefaultBaseDelay
	// DefaultRetryMaxDelay caps the retry delay.
	DefaultRetryMaxDelay = retry.DefaultMaxDelay

	// DefaultNotifyRate is the steady notifier request rate per second.
	DefaultNotifyRate = notify.DefaultRate
	// DefaultNotifyBurst is the notifier burst size.
	DefaultNotifyBurst = notify.DefaultBurst

	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Config captures the service configuration.
type Config struct {
	// Store is the backend URL (mem://, disk:///path, s3://host/bucket,
	// aws://bucket, azure://account/container).
	Store string
	// Bucket is shorthand for aws://<bucket>.
	Bucket        string
	AWSRegion     string
	SessionPrefix string
	SessionDir    string

	Listen        string
	PhoneNumber   string
	AllowedOrigin string
	DeviceName    string
	NotifyURL     string
	NotifyRate    float64
	NotifyBurst   int

	DisableLock   bool
	LockTTL       time.Duration
	// LockKeepalive is the refresh interval of the held lock. Zero selects
	// LockTTL/3 and a negative value disables refreshes.
	LockKeepalive time.Duration

	QRDebounce        time.Duration
	ReconnectDelay    time.Duration
	ReconnectBackoff  bool
	ReconnectMaxDelay time.Duration
	// UploadDebounce enables the session directory watcher: changes quiet
	// for this long save and upload the session through the connection
	// manager. Zero disables the watcher.
	UploadDebounce    time.Duration

	QueueSize        int
	QueueMaxAttempts int
	QueueRetryDelay  time.Duration
	QueueItemDelay   time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool

	ShutdownTimeout time.Duration
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	c.Bucket = strings.TrimSpace(c.Bucket)
	if c.Store == "" {
		if c.Bucket == "" {
			return errors.New("config: a bucket (--bucket) or store URL (--store) is required")
		}
		c.Store = "aws://" + c.Bucket
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "aws", "azure":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}

	c.SessionPrefix = sessionstore.NormalizePrefix(c.SessionPrefix)
	if c.SessionPrefix == "" {
		c.SessionPrefix = DefaultSessionPrefix
	}
	if strings.TrimSpace(c.SessionDir) == "" {
		c.SessionDir = DefaultSessionDir
	}

	c.Listen = normalizeListen(c.Listen)
	if strings.TrimSpace(c.PhoneNumber) == "" {
		c.PhoneNumber = DefaultPhoneNumber
	}
	if c.AllowedOrigin == "" {
		c.AllowedOrigin = DefaultAllowedOrigin
	}
	if c.DeviceName == "" {
		c.DeviceName = DefaultDeviceName
	}
	if c.NotifyURL != "" {
		n, err := url.Parse(c.NotifyURL)
		if err != nil || (n.Scheme != "http" && n.Scheme != "https") || n.Host == "" {
			return fmt.Errorf("config: notify url %q must be an absolute http(s) URL", c.NotifyURL)
		}
	}
	if c.NotifyRate <= 0 {
		c.NotifyRate = DefaultNotifyRate
	}
	if c.NotifyBurst <= 0 {
		c.NotifyBurst = DefaultNotifyBurst
	}

	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	switch {
	case c.LockKeepalive == 0:
		c.LockKeepalive = c.LockTTL / 3
	case c.LockKeepalive < 0:
		c.LockKeepalive = -1
	}
	if c.LockKeepalive >= c.LockTTL {
		return fmt.Errorf("config: lock keepalive %s must be shorter than lock ttl %s", c.LockKeepalive, c.LockTTL)
	}

	if c.QRDebounce <= 0 {
		c.QRDebounce = DefaultQRDebounce
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		return fmt.Errorf("config: reconnect max delay %s is below reconnect delay %s", c.ReconnectMaxDelay, c.ReconnectDelay)
	}
	if c.UploadDebounce < 0 {
		return fmt.Errorf("config: upload debounce %s must not be negative", c.UploadDebounce)
	}

	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.QueueMaxAttempts <= 0 {
		c.QueueMaxAttempts = DefaultQueueMaxAttempts
	}
	if c.QueueRetryDelay < 0 || c.QueueItemDelay < 0 {
		return errors.New("config: queue delays must not be negative")
	}
	if c.QueueRetryDelay == 0 {
		c.QueueRetryDelay = DefaultQueueRetryDelay
	}
	if c.QueueItemDelay == 0 {
		c.QueueItemDelay = DefaultQueueItemDelay
	}

	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay %s is below retry base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}

	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return errors.New("config: profiling metrics require --metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// RetryPolicy returns the policy used for remote storage and notifications.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}.Normalized()
}

// ReconnectPolicy returns the exponential reconnect policy, or nil when the
// flat delay is in effect.
func (c Config) ReconnectPolicy() *retry.Policy {
	if !c.ReconnectBackoff {
		return nil
	}
	p := retry.Policy{BaseDelay: c.ReconnectDelay, MaxDelay: c.ReconnectMaxDelay}.Normalized()
	return &p
}

// normalizeListen turns a bare port into ":port".
func normalizeListen(listen string) string {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return DefaultListen
	}
	if _, _, err := net.SplitHostPort(listen); err == nil {
		return listen
	}
	if !strings.Contains(listen, ":") {
		return ":" + listen
	}
	return listen
}

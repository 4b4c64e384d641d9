// Package requestopts builds the Chrome-Proxy request header that
// authenticates requests sent through a data reduction proxy.
package requestopts

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/cr0hn/drpd/internal/clientconfig"
)

// HeaderName is the request and response header used by the proxy.
const HeaderName = "Chrome-Proxy"

// LocalSessionTTL is how long a locally computed session is valid.
const LocalSessionTTL = 24 * time.Hour

// RequestOptions holds the credentials sent to the proxy.
type RequestOptions struct {
	client  string
	version string
	key     string
	clock   clock.PassiveClock

	mu            sync.RWMutex
	secureSession string
	session       string
	credentials   string
}

// New creates request options for a client name, version and
// authentication key. A nil clock uses the real clock.
func New(client, version, key string, clk clock.PassiveClock) *RequestOptions {
	if clk == nil {
		clk = clock.RealClock{}
	}
	o := &RequestOptions{
		client:  client,
		version: version,
		key:     key,
		clock:   clk,
	}
	o.session, o.credentials = o.computeCredentials(clk.Now())
	return o
}

// SetSecureSession installs a session key issued by the config service.
// It replaces any local credentials.
func (o *RequestOptions) SetSecureSession(session string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.secureSession = session
	o.session = ""
	o.credentials = ""
}

// SetCredentials installs a local session and its credentials.
func (o *RequestOptions) SetCredentials(session, credentials string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.secureSession = ""
	o.session = session
	o.credentials = credentials
}

// Invalidate drops every credential until new ones are set.
func (o *RequestOptions) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.secureSession = ""
	o.session = ""
	o.credentials = ""
}

// SecureSession returns the config service session key, if any.
func (o *RequestOptions) SecureSession() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.secureSession
}

// Credentials returns the local session and credentials, if any.
func (o *RequestOptions) Credentials() (session, credentials string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session, o.credentials
}

// CreateLocalSessionKey computes fresh local credentials and returns them
// as "session|credentials".
func (o *RequestOptions) CreateLocalSessionKey() string {
	session, credentials := o.computeCredentials(o.clock.Now())
	return session + "|" + credentials
}

// PopulateConfigResponse fills the session key and expiration of a locally
// synthesised config.
func (o *RequestOptions) PopulateConfigResponse(cfg *clientconfig.ClientConfig) {
	now := o.clock.Now()
	session, credentials := o.computeCredentials(now)
	cfg.SessionKey = session + "|" + credentials
	cfg.ExpireTime = now.Add(LocalSessionTTL)
}

func (o *RequestOptions) computeCredentials(now time.Time) (session, credentials string) {
	salt := now.Unix()
	session = fmt.Sprintf("%d-%d-%d-%d", salt, rand.Uint32(), rand.Uint32(), rand.Uint32())
	credentials = AuthHashForSalt(salt, o.key)
	return session, credentials
}

// ParseLocalSessionKey splits "session|credentials".
func ParseLocalSessionKey(key string) (session, credentials string, ok bool) {
	parts := strings.Split(key, "|")
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// AuthHashForSalt returns the hex MD5 of salt+key+salt.
func AuthHashForSalt(salt int64, key string) string {
	s := strconv.FormatInt(salt, 10)
	sum := md5.Sum([]byte(s + key + s))
	return hex.EncodeToString(sum[:])
}

// Header returns the Chrome-Proxy header value. lofi adds the low
// quality directive.
func (o *RequestOptions) Header(lofi bool) string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var parts []string
	if o.secureSession != "" {
		parts = append(parts, "s="+o.secureSession)
	} else {
		if o.session != "" {
			parts = append(parts, "ps="+o.session)
		}
		if o.credentials != "" {
			parts = append(parts, "sid="+o.credentials)
		}
	}
	if o.client != "" {
		parts = append(parts, "c="+o.client)
	}
	if o.version != "" {
		parts = append(parts, "b="+o.version)
	}
	if lofi {
		parts = append(parts, "q=low")
	}
	return strings.Join(parts, ", ")
}

// AddRequestHeader sets the Chrome-Proxy header on h.
func (o *RequestOptions) AddRequestHeader(h http.Header, lofi bool) {
	if v := o.Header(lofi); v != "" {
		h.Set(HeaderName, v)
	}
}

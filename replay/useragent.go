package replay

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pb33f/harcap/archive"
	"golang.org/x/net/publicsuffix"
)

// UserAgent is the state of one virtual user for the lifetime of a replay run: its cookies,
// the dynamic form fields scraped from its last page, and the latch that serializes its
// blocking requests. All methods are safe for concurrent use.
type UserAgent struct {
	key        Key
	persistent bool

	// capacity one: a successful send holds the latch
	latch chan struct{}

	jar *cookiejar.Jar

	mu        sync.RWMutex
	overrides map[string]archive.Param
	order     []string

	requests atomic.Int64
	created  time.Time
}

// NewUserAgent creates the state for one virtual user.
func NewUserAgent(key Key, persistent bool) *UserAgent {
	// cookiejar.New only fails on invalid options
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &UserAgent{
		key:        key,
		persistent: persistent,
		latch:      make(chan struct{}, 1),
		jar:        jar,
		overrides:  make(map[string]archive.Param),
		created:    time.Now(),
	}
}

func (u *UserAgent) Key() Key { return u.key }

// Persistent reports whether cookies and override fields are carried between requests.
func (u *UserAgent) Persistent() bool { return u.persistent }

// Requests returns the number of requests dispatched for this user.
func (u *UserAgent) Requests() int64 { return u.requests.Load() }

// Created returns when the user was first referenced.
func (u *UserAgent) Created() time.Time { return u.created }

// TryAcquireSerialization waits up to timeout for the latch. Timing out is a normal outcome:
// the request then proceeds without the ordering guarantee. Non-persistent users always
// succeed without taking the latch.
func (u *UserAgent) TryAcquireSerialization(timeout time.Duration) bool {
	if !u.persistent {
		return true
	}

	select {
	case u.latch <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case u.latch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// ReleaseSerialization releases the latch. Releasing a latch that is not held does nothing.
func (u *UserAgent) ReleaseSerialization() {
	select {
	case <-u.latch:
	default:
	}
}

// MergeCookies stores cookies received from u. A cookie replaces an earlier one with the same
// name, domain and path.
func (u *UserAgent) MergeCookies(target *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	u.jar.SetCookies(target, cookies)
}

// CookiesFor returns the cookies to send to target by domain, path and secure matching.
func (u *UserAgent) CookiesFor(target *url.URL) []*http.Cookie {
	return u.jar.Cookies(target)
}

// SetOverrideFields records the dynamic fields scraped from the latest page. A field replaces
// the previous value of the same name; fields that are not scraped again keep their value.
func (u *UserAgent) SetOverrideFields(params []archive.Param) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, p := range params {
		if _, ok := u.overrides[p.Name()]; !ok {
			u.order = append(u.order, p.Name())
		}
		u.overrides[p.Name()] = p
	}
}

// OverrideFor returns the current value of a dynamic field.
func (u *UserAgent) OverrideFor(name string) (archive.Param, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	p, ok := u.overrides[name]
	return p, ok
}

// OverrideFields returns every known dynamic field in the order they were first seen.
func (u *UserAgent) OverrideFields() []archive.Param {
	u.mu.RLock()
	defer u.mu.RUnlock()

	params := make([]archive.Param, 0, len(u.order))
	for _, name := range u.order {
		params = append(params, u.overrides[name])
	}
	return params
}

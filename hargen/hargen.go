package hargen

import (
	"cmp"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harcap/capture"
	"github.com/pb33f/harcap/writer"
	"github.com/pb33f/harhar"
)

// GenerateOptions configures a synthetic capture of virtual users browsing a web application.
// Every user logs in through a form carrying a hidden csrf field, visits pages, optionally
// uploads a file and logs out.
type GenerateOptions struct {
	Users        int
	PagesPerUser int

	// BaseURL is the captured application. Default http://localhost:8080.
	BaseURL string

	// SessionCookie names the cookie that identifies each user. Default JSESSIONID.
	SessionCookie string

	// UploadEvery makes every n-th user upload a file. Zero disables uploads.
	UploadEvery int

	DictionaryPath string

	// Seed makes the output reproducible. Zero seeds from the clock.
	Seed int64

	// Start is the time of the first request. Zero uses the current time.
	Start time.Time
}

// DefaultGenerateOptions provides sensible defaults
var DefaultGenerateOptions = GenerateOptions{
	Users:         10,
	PagesPerUser:  3,
	BaseURL:       "http://localhost:8080",
	SessionCookie: "JSESSIONID",
	UploadEvery:   3,
}

// GenerateResult counts what was generated.
type GenerateResult struct {
	Users   int `json:"users"`
	Entries int `json:"entries"`
	Uploads int `json:"uploads"`
}

const (
	userStagger = 150 * time.Millisecond
	thinkTime   = 2 * time.Second
)

type upload struct {
	param   archive.Param
	content string
}

type step struct {
	capture *archive.CaptureRequest
	upload  *upload
}

type userGenerator struct {
	base    *url.URL
	cookie  string
	dict    *Dictionary
	rng     *rand.Rand
	started time.Time
}

// Generate writes the synthetic capture to w in request start order.
func Generate(w capture.Writer, opts GenerateOptions) (GenerateResult, error) {
	opts = withDefaults(opts)
	if opts.Users < 0 || opts.PagesPerUser < 0 {
		return GenerateResult{}, errors.New("users and pages must not be negative")
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return GenerateResult{}, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}

	dict, err := LoadDictionary(opts.DictionaryPath)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("failed to load dictionary: %w", err)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gen := &userGenerator{
		base:    base,
		cookie:  opts.SessionCookie,
		dict:    dict,
		rng:     rand.New(rand.NewSource(seed)),
		started: opts.Start,
	}

	var steps []step
	for i := 0; i < opts.Users; i++ {
		withUpload := opts.UploadEvery > 0 && i%opts.UploadEvery == 0
		user, err := gen.user(i, opts.PagesPerUser, withUpload)
		if err != nil {
			return GenerateResult{}, err
		}
		steps = append(steps, user...)
	}

	// users overlap in time, the archive lists them interleaved
	slices.SortStableFunc(steps, func(a, b step) int {
		return cmp.Compare(a.capture.StartedDateTime(), b.capture.StartedDateTime())
	})

	result := GenerateResult{Users: opts.Users}
	for _, s := range steps {
		if s.upload != nil {
			err := w.WriteUpload(capture.Upload{
				Name:        s.upload.param.Name(),
				FileName:    s.upload.param.FileName(),
				ContentType: s.upload.param.ContentType(),
				Size:        int64(len(s.upload.content)),
				Content:     strings.NewReader(s.upload.content),
			}, s.capture.StartedDateTime())
			if err != nil {
				return result, fmt.Errorf("write upload: %w", err)
			}
			result.Uploads++
		}
		if err := w.WriteAsync(s.capture); err != nil {
			return result, fmt.Errorf("write entry: %w", err)
		}
		result.Entries++
	}
	return result, nil
}

// GenerateToFile writes the synthetic capture to a new archive at path, uploads included.
func GenerateToFile(path string, opts GenerateOptions) (GenerateResult, writer.Stats, error) {
	w, err := writer.NewHARWriter(writer.Options{
		Path:    path,
		Creator: harhar.Creator{Name: "harcap-generate", Version: "1.0.0"},
	})
	if err != nil {
		return GenerateResult{}, writer.Stats{}, err
	}

	result, genErr := Generate(w, opts)
	closeErr := w.Close()
	return result, w.Stats(), errors.Join(genErr, closeErr)
}

func withDefaults(opts GenerateOptions) GenerateOptions {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultGenerateOptions.BaseURL
	}
	if opts.SessionCookie == "" {
		opts.SessionCookie = DefaultGenerateOptions.SessionCookie
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().Add(-time.Hour)
	}
	return opts
}

func (g *userGenerator) user(n, pages int, withUpload bool) ([]step, error) {
	session := fmt.Sprintf("%016x", g.rng.Uint64())
	csrf := fmt.Sprintf("%016x", g.rng.Uint64())
	name := fmt.Sprintf("%s%d", g.dict.Word(g.rng), n)

	at := g.started.Add(time.Duration(n) * userStagger)
	next := func() int64 {
		ms := at.UnixMilli()
		at = at.Add(thinkTime + time.Duration(g.rng.Intn(1000))*time.Millisecond)
		return ms
	}

	// the login page is fetched before the server hands out the session cookie
	browser := archive.Headers{
		{Name: "Host", Value: g.base.Host},
		{Name: "User-Agent", Value: fmt.Sprintf("Mozilla/5.0 (X11; Linux x86_64) harcap-user/%d", n)},
		{Name: "X-Forwarded-For", Value: fmt.Sprintf("10.%d.%d.%d", n>>16&0xff, n>>8&0xff, n&0xff)},
	}
	headers := append(browser.Clone(), archive.Header{Name: "Cookie", Value: g.cookie + "=" + session})

	var steps []step
	add := func(c *archive.CaptureRequest, err error) error {
		if err != nil {
			return err
		}
		steps = append(steps, step{capture: c})
		return nil
	}

	loginPage := archive.ResponseHead{StatusCode: 200, Reason: "OK", Proto: "HTTP/1.1", Headers: archive.Headers{
		{Name: "Content-Type", Value: "text/html; charset=utf-8"},
		{Name: "Set-Cookie", Value: g.cookie + "=" + session + "; Path=/; HttpOnly"},
	}}
	if err := add(archive.NewCaptureRequest(next(), g.get("/login", browser), loginPage)); err != nil {
		return nil, err
	}

	login := archive.RequestHead{
		Method:  "POST",
		URL:     g.url("/login"),
		Proto:   "HTTP/1.1",
		Headers: append(headers.Clone(), archive.Header{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}),
	}
	if err := add(archive.NewParamsCaptureRequest(next(), login, redirect("/home"), []archive.Param{
		archive.MustParam("csrf", csrf),
		archive.MustParam("username", name),
		archive.MustParam("password", g.dict.Word(g.rng)),
	})); err != nil {
		return nil, err
	}

	for i := 0; i < pages; i++ {
		path := fmt.Sprintf("/pages/%s?ref=%d", g.dict.Word(g.rng), i)
		if err := add(archive.NewCaptureRequest(next(), g.get(path, headers), htmlPage())); err != nil {
			return nil, err
		}
	}

	if withUpload {
		s, err := g.upload(next(), headers, csrf)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}

	if err := add(archive.NewCaptureRequest(next(), g.get("/logout", headers), redirect("/login"))); err != nil {
		return nil, err
	}
	return steps, nil
}

func (g *userGenerator) upload(started int64, headers archive.Headers, csrf string) (step, error) {
	fileName := g.dict.Word(g.rng) + ".txt"
	file, err := archive.NewUploadParam("file", fileName, "text/plain")
	if err != nil {
		return step{}, err
	}

	req := archive.RequestHead{
		Method: "POST",
		URL:    g.url("/upload"),
		Proto:  "HTTP/1.1",
		Headers: append(headers.Clone(), archive.Header{
			Name:  "Content-Type",
			Value: fmt.Sprintf("multipart/form-data; boundary=harcap%016x", g.rng.Uint64()),
		}),
	}
	resp := archive.ResponseHead{StatusCode: 201, Reason: "Created", Proto: "HTTP/1.1", Headers: archive.Headers{
		{Name: "Content-Type", Value: "text/html; charset=utf-8"},
	}}

	c, err := archive.NewParamsCaptureRequest(started, req, resp, []archive.Param{
		archive.MustParam("csrf", csrf),
		archive.MustParam("title", g.dict.Sentence(3, g.rng)),
		file,
	})
	if err != nil {
		return step{}, err
	}
	return step{
		capture: c,
		upload:  &upload{param: file, content: g.dict.Sentence(20, g.rng) + "\n"},
	}, nil
}

func (g *userGenerator) get(path string, headers archive.Headers) archive.RequestHead {
	return archive.RequestHead{Method: "GET", URL: g.url(path), Proto: "HTTP/1.1", Headers: headers}
}

func (g *userGenerator) url(path string) string {
	return g.base.Scheme + "://" + g.base.Host + path
}

func redirect(location string) archive.ResponseHead {
	return archive.ResponseHead{StatusCode: 302, Reason: "Found", Proto: "HTTP/1.1", Headers: archive.Headers{
		{Name: "Location", Value: location},
	}}
}

func htmlPage() archive.ResponseHead {
	return archive.ResponseHead{StatusCode: 200, Reason: "OK", Proto: "HTTP/1.1", Headers: archive.Headers{
		{Name: "Content-Type", Value: "text/html; charset=utf-8"},
	}}
}

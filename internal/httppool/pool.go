// Package httppool runs vendor-specific HTTPS config export flows for
// panos and fortios devices under a bounded cooperative-task semaphore.
package httppool

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/meridianlabs/netvault/infrastructure/logging"
	"github.com/meridianlabs/netvault/internal/app/domain/backup"
	"github.com/meridianlabs/netvault/internal/scrub"
)

// DeviceOutcome mirrors clipool.DeviceOutcome for the HTTP transport class.
type DeviceOutcome struct {
	Device     backup.Device
	RawConfig  string
	Err        error
	DurationMS int64
}

// ErrorKind classifies an HTTP-pool failure per spec §7 (shared taxonomy
// with the CLI pool).
type ErrorKind string

const (
	ErrAuth        ErrorKind = "auth"
	ErrUnreachable ErrorKind = "unreachable"
	ErrTimeout     ErrorKind = "timeout"
	ErrTransport   ErrorKind = "transport"
	ErrProtocol    ErrorKind = "protocol"
)

// DeviceError wraps a per-device HTTP failure with its classification.
type DeviceError struct {
	Kind ErrorKind
	Err  error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }

// CredentialsFunc resolves the (username, password) to use for a device.
type CredentialsFunc func(ctx context.Context, device backup.Device) (username, password string, err error)

// Config configures a Pool.
type Config struct {
	Workers       int
	Timeout       time.Duration // per-device, end-to-end
	TLSSkipVerify bool          // these endpoints commonly present self-signed certs
}

// Pool runs the HTTP config-export flow, bounded by a semaphore of
// Config.Workers in-flight devices, sharing one *http.Client across calls.
type Pool struct {
	cfg    Config
	client *http.Client
	log    *logging.Logger
}

// New constructs a Pool. TLS verification is explicit configuration, never
// an implicit default, per spec §4.5.
func New(cfg Config, log *logging.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}, //nolint:gosec // operator-configured, target appliances use self-signed certs
		MaxConnsPerHost:     cfg.Workers,
		MaxIdleConnsPerHost: cfg.Workers,
	}
	return &Pool{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		log:    log,
	}
}

// Run fans the export flow out over devices, bounded by the pool's worker
// semaphore. FIFO over the semaphore's waiters.
func (p *Pool) Run(ctx context.Context, devices []backup.Device, creds CredentialsFunc) <-chan DeviceOutcome {
	out := make(chan DeviceOutcome, len(devices))
	sem := make(chan struct{}, p.cfg.Workers)

	var wg sync.WaitGroup
	for _, device := range devices {
		device := device
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				out <- DeviceOutcome{Device: device, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			out <- p.runOne(ctx, device, creds)
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (p *Pool) runOne(ctx context.Context, device backup.Device, creds CredentialsFunc) DeviceOutcome {
	start := time.Now()
	deviceCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	username, password, err := creds(deviceCtx, device)
	if err != nil {
		return p.outcome(device, start, &DeviceError{Kind: ErrAuth, Err: err})
	}

	var raw string
	switch device.Platform {
	case scrub.PlatformPanos:
		raw, err = p.exportPanos(deviceCtx, device, username, password)
	case scrub.PlatformFortios:
		raw, err = p.exportFortios(deviceCtx, device, username, password)
	default:
		err = &DeviceError{Kind: ErrProtocol, Err: fmt.Errorf("unsupported API platform %q", device.Platform)}
	}
	if err != nil {
		return p.outcome(device, start, err)
	}
	if p.log != nil {
		p.log.LogDeviceOp(ctx, device.ID, "api_backup", nil)
	}
	return DeviceOutcome{Device: device, RawConfig: raw, DurationMS: time.Since(start).Milliseconds()}
}

func (p *Pool) outcome(device backup.Device, start time.Time, err error) DeviceOutcome {
	return DeviceOutcome{Device: device, Err: err, DurationMS: time.Since(start).Milliseconds()}
}

func (p *Pool) get(ctx context.Context, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	return resp.StatusCode, body, err
}

type panosKeygenResponse struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status,attr"`
	Result  struct {
		Key string `xml:"key"`
	} `xml:"result"`
}

func (p *Pool) exportPanos(ctx context.Context, device backup.Device, username, password string) (string, error) {
	base := fmt.Sprintf("https://%s/api/", device.Address)

	keygenURL := base + "?type=keygen&user=" + url.QueryEscape(username) + "&password=" + url.QueryEscape(password)
	status, body, err := p.get(ctx, keygenURL)
	if err != nil {
		return "", classifyNetErr(err)
	}
	if status != http.StatusOK {
		return "", &DeviceError{Kind: ErrAuth, Err: fmt.Errorf("keygen status %d", status)}
	}

	var parsed panosKeygenResponse
	if err := xml.Unmarshal(body, &parsed); err != nil || parsed.Result.Key == "" {
		return "", &DeviceError{Kind: ErrProtocol, Err: fmt.Errorf("keygen response missing <key>")}
	}

	exportURL := base + "?type=export&category=configuration&key=" + url.QueryEscape(parsed.Result.Key)
	status, body, err = p.get(ctx, exportURL)
	if err != nil {
		return "", classifyNetErr(err)
	}
	if status != http.StatusOK {
		return "", &DeviceError{Kind: ErrProtocol, Err: fmt.Errorf("export status %d", status)}
	}
	return string(body), nil
}

func (p *Pool) exportFortios(ctx context.Context, device backup.Device, username, password string) (string, error) {
	loginURL := fmt.Sprintf("https://%s/api/v2/auth/login", device.Address)
	payload, _ := json.Marshal(map[string]string{"username": username, "password": password})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, bytes.NewReader(payload))
	if err != nil {
		return "", &DeviceError{Kind: ErrProtocol, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", classifyNetErr(err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &DeviceError{Kind: ErrAuth, Err: fmt.Errorf("login status %d", resp.StatusCode)}
	}

	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		for _, c := range resp.Cookies() {
			if c.Name == "authtoken" || c.Name == "APSCOOKIE_" {
				token = c.Value
			}
		}
	}
	if token == "" {
		return "", &DeviceError{Kind: ErrProtocol, Err: fmt.Errorf("fortios login response missing bearer token")}
	}

	backupURL := fmt.Sprintf("https://%s/api/v2/monitor/system/config/backup?scope=global&access_token=%s", device.Address, url.QueryEscape(token))
	status, body, err := p.get(ctx, backupURL)
	if err != nil {
		return "", classifyNetErr(err)
	}
	if status != http.StatusOK {
		return "", &DeviceError{Kind: ErrProtocol, Err: fmt.Errorf("backup export status %d", status)}
	}
	return string(body), nil
}

func classifyNetErr(err error) error {
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return &DeviceError{Kind: ErrTimeout, Err: err}
	}
	return &DeviceError{Kind: ErrUnreachable, Err: err}
}

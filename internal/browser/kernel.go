// Package browser provides the remote browser port: a REST provisioner for
// Kernel-compatible browser providers and a Chrome DevTools Protocol
// connection layer built on chromedp.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL          = "https://api.onkernel.com"
	defaultRequestTimeout   = 30 * time.Second
	defaultMaxResponseBytes = int64(1 << 20)  // 1MB for JSON responses
	defaultMaxFileBytes     = int64(128 << 20) // 128MB for remote file reads

	// DefaultDownloadDir is where provider-hosted browsers land downloads.
	DefaultDownloadDir = "/home/kernel/Downloads"
)

// KernelConfig configures the provisioner client.
type KernelConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Kernel provisions and destroys remote browser instances over the
// provider's REST API.
type Kernel struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	maxBytes int64
}

// NewKernel creates a provisioner client.
func NewKernel(cfg KernelConfig) (*Kernel, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("browser: invalid base URL %q", cfg.BaseURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("browser: base URL scheme must be http or https")
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("browser: API key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Kernel{
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   client,
		maxBytes: defaultMaxResponseBytes,
	}, nil
}

// Viewport is the remote browser window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CreateOptions controls how a remote browser is provisioned.
type CreateOptions struct {
	// TimeoutSeconds is how long the provider keeps an idle browser alive.
	TimeoutSeconds int

	// Stealth enables the provider's anti-detection measures.
	Stealth bool

	// Viewport sets the initial window size. Nil uses the provider default.
	Viewport *Viewport

	// Profile loads (and saves back) a named browser profile.
	Profile string

	// PersistenceID keys browser state so a later Create with the same id
	// resumes cookies and storage.
	PersistenceID string
}

// ProvisionedBrowser describes a provider-hosted browser instance.
type ProvisionedBrowser struct {
	RemoteID    string `json:"session_id"`
	DebuggerURL string `json:"cdp_ws_url"`
	LiveViewURL string `json:"browser_live_view_url"`
}

// FileInfo describes a file on the remote browser host.
type FileInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	IsDir     bool      `json:"is_dir"`
	ModTime   time.Time `json:"mod_time"`
}

type createRequest struct {
	TimeoutSeconds int                 `json:"timeout_seconds,omitempty"`
	Stealth        bool                `json:"stealth,omitempty"`
	Headless       bool                `json:"headless"`
	Viewport       *Viewport           `json:"viewport,omitempty"`
	Persistence    *createPersistence  `json:"persistence,omitempty"`
	Profile        *createProfileParam `json:"profile,omitempty"`
}

type createPersistence struct {
	ID string `json:"id"`
}

type createProfileParam struct {
	Name        string `json:"name"`
	SaveChanges bool   `json:"save_changes"`
}

// Create provisions a remote browser and returns its CDP debugger endpoint.
func (k *Kernel) Create(ctx context.Context, opts CreateOptions) (*ProvisionedBrowser, error) {
	req := createRequest{
		TimeoutSeconds: opts.TimeoutSeconds,
		Stealth:        opts.Stealth,
		Headless:       false,
		Viewport:       opts.Viewport,
	}
	if opts.PersistenceID != "" {
		req.Persistence = &createPersistence{ID: opts.PersistenceID}
	}
	if opts.Profile != "" {
		req.Profile = &createProfileParam{Name: opts.Profile, SaveChanges: true}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("browser: encode create request: %w", err)
	}

	data, err := k.do(ctx, http.MethodPost, k.baseURL+"/browsers", bytes.NewReader(body), k.maxBytes)
	if err != nil {
		return nil, err
	}

	var pb ProvisionedBrowser
	if err := json.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("browser: decode create response: %w", err)
	}
	if pb.RemoteID == "" || pb.DebuggerURL == "" {
		return nil, fmt.Errorf("browser: provider returned incomplete session")
	}
	return &pb, nil
}

// Destroy tears down a remote browser instance. Destroying an unknown id is
// not an error.
func (k *Kernel) Destroy(ctx context.Context, remoteID string) error {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return fmt.Errorf("browser: remote id is required")
	}
	_, err := k.do(ctx, http.MethodDelete, k.baseURL+"/browsers/"+url.PathEscape(remoteID), nil, k.maxBytes)
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// ListFiles lists a directory on the remote browser host, typically the
// download directory.
func (k *Kernel) ListFiles(ctx context.Context, remoteID, path string) ([]FileInfo, error) {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return nil, fmt.Errorf("browser: remote id is required")
	}
	endpoint := fmt.Sprintf("%s/browsers/%s/fs/list_files?path=%s",
		k.baseURL, url.PathEscape(remoteID), url.QueryEscape(path))

	data, err := k.do(ctx, http.MethodGet, endpoint, nil, k.maxBytes)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("browser: decode file list: %w", err)
	}
	return files, nil
}

// ReadFile reads a file from the remote browser host.
func (k *Kernel) ReadFile(ctx context.Context, remoteID, path string) ([]byte, error) {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return nil, fmt.Errorf("browser: remote id is required")
	}
	endpoint := fmt.Sprintf("%s/browsers/%s/fs/read_file?path=%s",
		k.baseURL, url.PathEscape(remoteID), url.QueryEscape(path))

	return k.do(ctx, http.MethodGet, endpoint, nil, defaultMaxFileBytes)
}

func (k *Kernel) do(ctx context.Context, method, endpoint string, body io.Reader, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("browser: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+k.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("browser: read response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("browser: response too large")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: msg}
	}
	return data, nil
}

// ProviderError is a non-2xx response from the provider API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("browser: provider returned %d: %s", e.StatusCode, e.Message)
}

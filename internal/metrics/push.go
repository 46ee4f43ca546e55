package metrics

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/netinvent/npbackup/internal/metrics/parse"
)

// PushConfig configures delivery to a Prometheus push gateway.
type PushConfig struct {
	URL          string
	HTTPUsername string
	HTTPPassword string
	NoCertVerify bool
	RepoName     string
	Action       string
}

// Push POSTs samples to a push gateway URL. The URL must already
// contain both "metrics" and "job" path segments (the gateway's job-push
// convention); Push appends "___repo_name=<repo>___action=<action>" to
// the job segment so each (repo, action) pair pushes under its own job
// identifier instead of overwriting a shared one.
func Push(cfg PushConfig, samples []parse.Sample) error {
	if !strings.Contains(cfg.URL, "metrics") || !strings.Contains(cfg.URL, "job") {
		return fmt.Errorf("metrics: push gateway URL must contain both \"metrics\" and \"job\": %s", cfg.URL)
	}

	url := cfg.URL + fmt.Sprintf("___repo_name=%s___action=%s", cfg.RepoName, cfg.Action)

	client := &http.Client{Timeout: 30 * time.Second}
	if cfg.NoCertVerify {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(Render(samples)))
	if err != nil {
		return fmt.Errorf("metrics: cannot build push request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; version=0.0.4")
	if cfg.HTTPUsername != "" {
		req.SetBasicAuth(cfg.HTTPUsername, cfg.HTTPPassword)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("metrics: push gateway request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("metrics: push gateway returned status %d", resp.StatusCode)
	}
	return nil
}

package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/pipeline"
)

const maxResponseDetail = 2048

// httpMethodCallProcessor calls an HTTP endpoint, typically to trigger a downstream refresh
type httpMethodCallProcessor struct {
	base
	client *http.Client
	method string
	url    string
	log    zerolog.Logger
}

func httpMethodCallFactory(client *http.Client) pipeline.Factory {
	return func(bc pipeline.BuildContext, cfg config.ProcessorConfig) (pipeline.Processor, error) {
		url := cfg.String("url", "")
		if url == "" {
			return nil, fmt.Errorf("%s: url is required", HTTPMethodCall)
		}
		return &httpMethodCallProcessor{
			client: client,
			method: strings.ToUpper(cfg.String("method", http.MethodGet)),
			url:    url,
			log:    bc.Log.With().Str("processor", HTTPMethodCall).Logger(),
		}, nil
	}
}

func (p *httpMethodCallProcessor) Execute(ctx context.Context, in pipeline.Input) (*deployment.ChangeSet, error) {
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	status, body, err := do(p.client, req)
	in.Execution.SetStatusDetail(map[string]interface{}{"status_code": status, "body": body})
	if err != nil {
		return nil, err
	}

	p.log.Debug().Str("method", p.method).Str("url", p.url).Int("status", status).Msg("HTTP call completed")
	return nil, nil
}

// webhookNotificationProcessor posts the finished deployment to a URL
type webhookNotificationProcessor struct {
	base
	client   *http.Client
	url      string
	statuses map[deployment.Status]bool
	log      zerolog.Logger
}

func webhookFactory(client *http.Client) pipeline.Factory {
	return func(bc pipeline.BuildContext, cfg config.ProcessorConfig) (pipeline.Processor, error) {
		url := cfg.String("url", "")
		if url == "" {
			return nil, fmt.Errorf("%s: url is required", WebhookNotification)
		}

		names := cfg.Strings("statuses")
		if len(names) == 0 {
			names = []string{string(deployment.StatusFailure), string(deployment.StatusSuccess)}
		}
		statuses := make(map[deployment.Status]bool, len(names))
		for _, n := range names {
			statuses[deployment.Status(strings.ToUpper(strings.TrimSpace(n)))] = true
		}

		return &webhookNotificationProcessor{
			client:   client,
			url:      url,
			statuses: statuses,
			log:      bc.Log.With().Str("processor", WebhookNotification).Logger(),
		}, nil
	}
}

func (p *webhookNotificationProcessor) Execute(ctx context.Context, in pipeline.Input) (*deployment.ChangeSet, error) {
	d := in.Deployment
	if !p.statuses[d.Status()] {
		return nil, nil
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deployment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if _, _, err := do(p.client, req); err != nil {
		return nil, err
	}

	p.log.Info().
		Str("deployment", d.ID()).
		Str("status", string(d.Status())).
		Msg("Webhook notified")
	return nil, nil
}

// do sends the request and treats any non-2xx status as an error
func do(client *http.Client, req *http.Request) (int, string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%s %s failed: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseDetail))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(body), fmt.Errorf("%s %s returned status %d", req.Method, req.URL, resp.StatusCode)
	}
	return resp.StatusCode, string(body), nil
}

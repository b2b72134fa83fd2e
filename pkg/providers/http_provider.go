// DotLore - Ultra-lightweight conversational memory agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotLore contributors

package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotsetgreg/dotlore/pkg/logger"
	"github.com/dotsetgreg/dotlore/pkg/session"
)

const defaultHTTPTimeout = 300 * time.Second

// HTTPLoader opens models served by an OpenAI-compatible chat completions
// endpoint. The model "file" is the remote model name.
type HTTPLoader struct {
	providerName string
	apiBase      string
	defaultModel string
	auth         AuthStrategy
	httpClient   *http.Client
	extraHeaders map[string]string
}

func newHTTPLoader(providerName, apiBase, defaultModel, proxy string, auth AuthStrategy, extraHeaders map[string]string) (*HTTPLoader, error) {
	providerName = strings.TrimSpace(strings.ToLower(providerName))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", providerName)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	proxy = strings.TrimSpace(proxy)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	cleanHeaders := map[string]string{}
	for k, v := range extraHeaders {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		cleanHeaders[name] = value
	}

	return &HTTPLoader{
		providerName: providerName,
		apiBase:      apiBase,
		defaultModel: strings.TrimSpace(defaultModel),
		auth:         auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
	}, nil
}

// Load returns a handle for model. No network traffic happens until the
// first completion.
func (l *HTTPLoader) Load(ctx context.Context, model string) (session.Model, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = l.defaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("%s model is not configured", l.providerName)
	}
	logger.InfoCF("providers", "Model opened", map[string]interface{}{
		"provider": l.providerName,
		"model":    model,
	})
	return &chatModel{
		loader: l,
		model:  model,
		slots:  make(map[int]*transcript),
	}, nil
}

func (l *HTTPLoader) DefaultModel() string {
	return l.defaultModel
}

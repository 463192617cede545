package model

import (
	"fmt"
	"strings"
)

// Provider identifies the backend strategy that executes a download.
type Provider string

const (
	ProviderLocalTool   Provider = "local-tool"
	ProviderProxy       Provider = "proxy"
	ProviderScraper     Provider = "scraper"
	ProviderRemoteFetch Provider = "remote-fetch"
)

func Providers() []Provider {
	return []Provider{ProviderLocalTool, ProviderProxy, ProviderScraper, ProviderRemoteFetch}
}

func ParseProvider(raw string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(raw))) {
	case ProviderLocalTool:
		return ProviderLocalTool, nil
	case ProviderProxy:
		return ProviderProxy, nil
	case ProviderScraper:
		return ProviderScraper, nil
	case ProviderRemoteFetch:
		return ProviderRemoteFetch, nil
	default:
		return "", fmt.Errorf("unknown provider %q", strings.TrimSpace(raw))
	}
}

func (p Provider) String() string {
	return string(p)
}

package notify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type endpointsFile struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// LoadEndpoints reads endpoint definitions from a YAML file:
//
//	endpoints:
//	  - url: https://hooks.example.com/appgrant
//	    secret: s3cr3t
//	    events: [subscription.changed, usage.critical]
//	  - url: https://hooks.slack.com/services/...
//	    format: slack
//
// Secrets may reference the environment as ${NAME}.
func LoadEndpoints(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoints file: %w", err)
	}
	var f endpointsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse endpoints file: %w", err)
	}
	for i := range f.Endpoints {
		ep := &f.Endpoints[i]
		if ep.URL == "" {
			return nil, fmt.Errorf("endpoint %d: url is required", i)
		}
		switch ep.Format {
		case "", FormatJSON, FormatSlack:
		default:
			return nil, fmt.Errorf("endpoint %s: unknown format %q", ep.URL, ep.Format)
		}
		ep.Secret = os.ExpandEnv(ep.Secret)
	}
	return f.Endpoints, nil
}
